package odata

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response wraps a successful OData response whose entities decode into T.
// Collection responses carry the entities in "value"; single-entity
// responses are the entity object itself.
type Response[T any] struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

func newResponse[T any](raw *RawResponse) *Response[T] {
	if raw == nil {
		return &Response[T]{Header: make(http.Header)}
	}
	header := raw.Header
	if header == nil {
		header = make(http.Header)
	}
	return &Response[T]{
		StatusCode: raw.StatusCode,
		Header:     header,
		Body:       raw.Body,
		RequestID:  raw.RequestID,
	}
}

// collectionEnvelope mirrors the control information of a collection payload.
type collectionEnvelope[T any] struct {
	Context  string `json:"@odata.context"`
	Count    *int64 `json:"@odata.count"`
	NextLink string `json:"@odata.nextLink"`
	Value    []T    `json:"value"`
}

type annotations struct {
	Context  string `json:"@odata.context"`
	Count    *int64 `json:"@odata.count"`
	NextLink string `json:"@odata.nextLink"`
	ETag     string `json:"@odata.etag"`
}

// IsEmpty reports whether the response carries no payload (204 No Content).
func (r *Response[T]) IsEmpty() bool {
	return r.StatusCode == http.StatusNoContent || len(r.Body) == 0
}

// Decode unmarshals the raw body into v.
func (r *Response[T]) Decode(v any) error {
	if r.IsEmpty() {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &TransportError{Type: ErrorTypeDecode, Message: "decode response body", Cause: err, RequestID: r.RequestID, StatusCode: r.StatusCode}
	}
	return nil
}

// Value decodes the entities of a collection response.
func (r *Response[T]) Value() ([]T, error) {
	var envelope collectionEnvelope[T]
	if err := r.Decode(&envelope); err != nil {
		return nil, err
	}
	return envelope.Value, nil
}

// Entity decodes a single-entity response.
func (r *Response[T]) Entity() (T, error) {
	var entity T
	if r.IsEmpty() {
		return entity, fmt.Errorf("odata: response has no entity (status %d)", r.StatusCode)
	}
	err := r.Decode(&entity)
	return entity, err
}

func (r *Response[T]) annotations() annotations {
	var a annotations
	if !r.IsEmpty() {
		_ = json.Unmarshal(r.Body, &a)
	}
	return a
}

// Count returns @odata.count when the service included it.
func (r *Response[T]) Count() (int64, bool) {
	a := r.annotations()
	if a.Count == nil {
		return 0, false
	}
	return *a.Count, true
}

// NextLink returns @odata.nextLink. It is informational: pages are not
// fetched automatically.
func (r *Response[T]) NextLink() string {
	return r.annotations().NextLink
}

// Context returns @odata.context.
func (r *Response[T]) Context() string {
	return r.annotations().Context
}

// ETag returns the ETag header, falling back to @odata.etag.
func (r *Response[T]) ETag() string {
	if etag := r.Header.Get("ETag"); etag != "" {
		return etag
	}
	return r.annotations().ETag
}
