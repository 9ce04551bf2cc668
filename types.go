package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Method is the HTTP method of an OData request.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// Valid reports whether m is one of the methods an OData request may use.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

func (m Method) String() string {
	return string(m)
}

// Descriptor is the transport-facing state of a request.
type Descriptor struct {
	Method  Method
	URL     string
	BaseURL string
	// Origin prefixes BaseURL when it is a path.
	Origin string
	Header http.Header
	Query   QueryParams
	Body    json.RawMessage
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := &Descriptor{
		Method:  d.Method,
		URL:     d.URL,
		BaseURL: d.BaseURL,
		Origin:  d.Origin,
		Query:   d.Query.Clone(),
	}
	if d.Header != nil {
		out.Header = d.Header.Clone()
	}
	if d.Body != nil {
		out.Body = bytes.Clone(d.Body)
	}
	return out
}

// RawResponse is what an Executor hands back for a successful exchange.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Executor performs the network exchange for a request. *Client is the
// default implementation.
type Executor interface {
	Execute(ctx context.Context, d *Descriptor) (*RawResponse, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, d *Descriptor) (*RawResponse, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	return f(ctx, d)
}

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheEntry represents a cached response
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	ExpiresAt  time.Time
}

// Cache interface for response caching
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheCondition determines whether a request should be cached
type CacheCondition func(req *http.Request) bool

// Context keys for cache control
type contextKey string

const (
	CacheControlKey contextKey = "odata_cache_control"
)

// CacheControl holds cache control options for a request
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// Option represents a configuration option
type Option func(*Client)
