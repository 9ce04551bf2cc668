package odata

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// QueryOption is one of the OData v4 system query options the builder manages.
type QueryOption string

const (
	OptionSelect  QueryOption = "$select"
	OptionExpand  QueryOption = "$expand"
	OptionFilter  QueryOption = "$filter"
	OptionOrderBy QueryOption = "$orderby"
	OptionTop     QueryOption = "$top"
	OptionSkip    QueryOption = "$skip"
	OptionCount   QueryOption = "$count"
	OptionSearch  QueryOption = "$search"
)

// knownOptions fixes the encoding order of the system query options.
var knownOptions = []QueryOption{
	OptionSelect,
	OptionExpand,
	OptionFilter,
	OptionOrderBy,
	OptionTop,
	OptionSkip,
	OptionCount,
	OptionSearch,
}

func isKnownOption(key string) bool {
	for _, opt := range knownOptions {
		if string(opt) == key {
			return true
		}
	}
	return false
}

// QueryParams holds the query string of a single request: a closed set of
// system query options plus custom keys added through Param. The zero value
// is ready to use.
type QueryParams struct {
	known  map[QueryOption]string
	custom map[string]string
}

func (q *QueryParams) setOption(opt QueryOption, value string) {
	if q.known == nil {
		q.known = make(map[QueryOption]string, len(knownOptions))
	}
	q.known[opt] = value
}

// Set stores value under key. System option keys land in their dedicated
// slot, so Set("$top", "5") and Top(5) address the same parameter.
func (q *QueryParams) Set(key, value string) {
	if isKnownOption(key) {
		q.setOption(QueryOption(key), value)
		return
	}
	if q.custom == nil {
		q.custom = make(map[string]string)
	}
	q.custom[key] = value
}

// Get returns the value stored under key.
func (q QueryParams) Get(key string) (string, bool) {
	if isKnownOption(key) {
		v, ok := q.known[QueryOption(key)]
		return v, ok
	}
	v, ok := q.custom[key]
	return v, ok
}

// Option returns the value of a system query option.
func (q QueryParams) Option(opt QueryOption) (string, bool) {
	v, ok := q.known[opt]
	return v, ok
}

// Len reports the number of parameters set.
func (q QueryParams) Len() int {
	return len(q.known) + len(q.custom)
}

// Keys lists the parameter keys: system options first in their canonical
// order, then custom keys sorted.
func (q QueryParams) Keys() []string {
	keys := make([]string, 0, q.Len())
	for _, opt := range knownOptions {
		if _, ok := q.known[opt]; ok {
			keys = append(keys, string(opt))
		}
	}
	custom := make([]string, 0, len(q.custom))
	for k := range q.custom {
		custom = append(custom, k)
	}
	sort.Strings(custom)
	return append(keys, custom...)
}

// Clone returns a copy that shares no maps with q.
func (q QueryParams) Clone() QueryParams {
	var out QueryParams
	if len(q.known) > 0 {
		out.known = make(map[QueryOption]string, len(q.known))
		for k, v := range q.known {
			out.known[k] = v
		}
	}
	if len(q.custom) > 0 {
		out.custom = make(map[string]string, len(q.custom))
		for k, v := range q.custom {
			out.custom[k] = v
		}
	}
	return out
}

// Equal reports whether q and other hold the same keys and values.
func (q QueryParams) Equal(other QueryParams) bool {
	if len(q.known) != len(other.known) || len(q.custom) != len(other.custom) {
		return false
	}
	for k, v := range q.known {
		if ov, ok := other.known[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range q.custom {
		if ov, ok := other.custom[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Values converts the parameters to url.Values.
func (q QueryParams) Values() url.Values {
	values := make(url.Values, q.Len())
	for _, k := range q.Keys() {
		v, _ := q.Get(k)
		values.Set(k, v)
	}
	return values
}

// Encode renders the query string in Keys order. The leading '$' of system
// options is kept literal and spaces are encoded as %20, which is the form
// OData services document and expect.
func (q QueryParams) Encode() string {
	if q.Len() == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range q.Keys() {
		if i > 0 {
			b.WriteByte('&')
		}
		v, _ := q.Get(k)
		b.WriteString(escapeQueryKey(k))
		b.WriteByte('=')
		b.WriteString(escapeQueryValue(v))
	}
	return b.String()
}

func escapeQueryKey(k string) string {
	if strings.HasPrefix(k, "$") {
		return "$" + escapeQueryValue(k[1:])
	}
	return escapeQueryValue(k)
}

func escapeQueryValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// formatParamValue renders a Param value the way it appears in a URL.
func formatParamValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
