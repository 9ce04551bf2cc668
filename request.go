package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// Request is a fluent builder for a single OData request whose response
// entities decode into T.
//
// Builder methods mutate the request in place and return the same pointer,
// so every holder of a *Request observes every call. A call that does not
// apply to the request's method records an error and leaves the request
// untouched; Err reports it and Execute returns it without contacting the
// server. Only the first such error is kept and later builder calls are
// ignored.
//
// A Request is not safe for concurrent mutation. Cancel may be called from
// any goroutine.
type Request[T any] struct {
	exec   Executor
	config Config
	desc   Descriptor
	handle *cancelHandle
	err    error
	sent   atomic.Bool
}

// NewRequest creates a request for entity, addressed as entity(id) when id
// is not nil. Base URL and default headers are copied from cfg.
func NewRequest[T any](exec Executor, cfg Config, method Method, entity string, id any) *Request[T] {
	cfg = cfg.clone()
	r := &Request[T]{
		exec:   exec,
		config: cfg,
		desc: Descriptor{
			Method:  method,
			URL:     entity,
			BaseURL: cfg.BaseURL,
			Origin:  cfg.Origin,
			Header:  cfg.Header.Clone(),
		},
		handle: newCancelHandle(),
	}
	if r.desc.Header == nil {
		r.desc.Header = make(http.Header)
	}
	if id != nil {
		r.desc.URL += keySegment(id)
	}
	if !method.Valid() {
		r.err = &InvalidMethodError{Op: "new", Method: method}
	}
	return r
}

func keySegment(id any) string {
	return "(" + formatParamValue(id) + ")"
}

// guard reports whether op may run. On failure the error is recorded.
func (r *Request[T]) guard(op string, allowed ...Method) bool {
	if r.err != nil {
		return false
	}
	if r.sent.Load() {
		r.err = ErrRequestSent
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if r.desc.Method == m {
			return true
		}
	}
	r.err = &InvalidMethodError{Op: op, Method: r.desc.Method}
	return false
}

// Select sets $select to the comma-joined properties.
func (r *Request[T]) Select(props ...string) *Request[T] {
	if r.guard("select", MethodGet) {
		r.desc.Query.setOption(OptionSelect, strings.Join(props, ","))
	}
	return r
}

// Expand sets $expand to the comma-joined navigation properties.
func (r *Request[T]) Expand(props ...string) *Request[T] {
	if r.guard("expand", MethodGet) {
		r.desc.Query.setOption(OptionExpand, strings.Join(props, ","))
	}
	return r
}

// Filter sets $filter.
func (r *Request[T]) Filter(expr string) *Request[T] {
	if r.guard("filter", MethodGet) {
		r.desc.Query.setOption(OptionFilter, expr)
	}
	return r
}

// OrderBy sets $orderby to field, followed by the direction ("asc" or
// "desc") when one is given.
func (r *Request[T]) OrderBy(field string, direction ...string) *Request[T] {
	if !r.guard("orderby", MethodGet) {
		return r
	}
	value := field
	if len(direction) > 0 && direction[0] != "" {
		value += " " + direction[0]
	}
	r.desc.Query.setOption(OptionOrderBy, value)
	return r
}

// Top sets $top.
func (r *Request[T]) Top(n int) *Request[T] {
	if r.guard("top", MethodGet) {
		r.desc.Query.setOption(OptionTop, strconv.Itoa(n))
	}
	return r
}

// Skip sets $skip.
func (r *Request[T]) Skip(n int) *Request[T] {
	if r.guard("skip", MethodGet) {
		r.desc.Query.setOption(OptionSkip, strconv.Itoa(n))
	}
	return r
}

// Count sets $count to "true" or "false".
func (r *Request[T]) Count(count bool) *Request[T] {
	if r.guard("count", MethodGet) {
		r.desc.Query.setOption(OptionCount, strconv.FormatBool(count))
	}
	return r
}

// Search sets $search.
func (r *Request[T]) Search(expr string) *Request[T] {
	if r.guard("search", MethodGet) {
		r.desc.Query.setOption(OptionSearch, expr)
	}
	return r
}

// Param sets an arbitrary query parameter. It applies to every method.
func (r *Request[T]) Param(key string, value any) *Request[T] {
	if r.guard("param") {
		r.desc.Query.Set(key, formatParamValue(value))
	}
	return r
}

// Ref turns the request into a reference update: the URL becomes
// <url>/<navigationProperty>/$ref and the body points at entity(id),
// resolved to an absolute URI against the configured base URL and origin.
func (r *Request[T]) Ref(navigationProperty, entity string, id any) *Request[T] {
	if !r.guard("ref", MethodPost, MethodPut) {
		return r
	}
	payload, err := json.Marshal(map[string]string{
		"@odata.id": r.config.EntityURI(entity, id),
	})
	if err != nil {
		r.err = fmt.Errorf("odata: encode ref body: %w", err)
		return r
	}
	r.desc.URL = r.desc.URL + "/" + navigationProperty + "/$ref"
	r.desc.Body = payload
	return r
}

// Body sets the request payload. partial is typically a map or a struct
// with omitempty fields holding the properties to write; json.RawMessage
// and []byte are sent as-is.
func (r *Request[T]) Body(partial any) *Request[T] {
	if !r.guard("body", MethodPatch, MethodPost, MethodPut) {
		return r
	}
	var payload []byte
	switch v := partial.(type) {
	case json.RawMessage:
		payload = bytes.Clone(v)
	case []byte:
		payload = bytes.Clone(v)
	default:
		encoded, err := json.Marshal(partial)
		if err != nil {
			r.err = fmt.Errorf("odata: encode body: %w", err)
			return r
		}
		payload = encoded
	}
	r.desc.Body = payload
	return r
}

// Header sets a header sent with this request only.
func (r *Request[T]) Header(key, value string) *Request[T] {
	if r.guard("header") {
		r.desc.Header.Set(key, value)
	}
	return r
}

// Clone returns an independent, unsent copy of the request with its own
// cancellation handle. Parameters, headers and body are deep-copied.
func (r *Request[T]) Clone() *Request[T] {
	c := &Request[T]{
		exec:   r.exec,
		config: r.config.clone(),
		desc:   *r.desc.Clone(),
		handle: newCancelHandle(),
	}
	if r.err != nil && !errors.Is(r.err, ErrRequestSent) {
		c.err = r.err
	}
	return c
}

// Execute sends the request through its executor and wraps the result.
// Transport errors are returned unchanged; nothing is retried here.
func (r *Request[T]) Execute(ctx context.Context) (*Response[T], error) {
	if r.err != nil {
		return nil, r.err
	}
	if !r.sent.CompareAndSwap(false, true) {
		return nil, ErrRequestSent
	}
	if err := r.handle.cause(); err != nil {
		return nil, err
	}
	if r.exec == nil {
		return nil, errors.New("odata: request has no executor")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, release := r.handle.bind(ctx)
	defer release()

	raw, err := r.exec.Execute(ctx, r.desc.Clone())
	if err != nil {
		return nil, err
	}
	return newResponse[T](raw), nil
}

// Cancel aborts the in-flight Execute, which then fails with a
// *CancellationError carrying message. Calling it more than once, or after
// Execute returned, has no effect.
func (r *Request[T]) Cancel(message ...string) {
	r.handle.signal(strings.Join(message, " "))
}

// Err returns the error recorded by the builder, if any.
func (r *Request[T]) Err() error {
	return r.err
}

// Sent reports whether Execute has been called.
func (r *Request[T]) Sent() bool {
	return r.sent.Load()
}

// Method returns the request's HTTP method.
func (r *Request[T]) Method() Method {
	return r.desc.Method
}

// URL returns the request path relative to the base URL.
func (r *Request[T]) URL() string {
	return r.desc.URL
}

// Query returns a copy of the query parameters.
func (r *Request[T]) Query() QueryParams {
	return r.desc.Query.Clone()
}

// Payload returns a copy of the encoded body, or nil.
func (r *Request[T]) Payload() []byte {
	if r.desc.Body == nil {
		return nil
	}
	return bytes.Clone(r.desc.Body)
}

// Descriptor returns a deep copy of the transport-facing state.
func (r *Request[T]) Descriptor() *Descriptor {
	return r.desc.Clone()
}

func (r *Request[T]) String() string {
	target := r.desc.URL
	if q := r.desc.Query.Encode(); q != "" {
		target += "?" + q
	}
	return string(r.desc.Method) + " " + target
}
