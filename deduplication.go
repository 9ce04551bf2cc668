package odata

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"
)

func newDeduplicationGroup() *singleflight.Group {
	return &singleflight.Group{}
}

// DeduplicationKeyFunc builds a key for identifying identical in-flight requests.
type DeduplicationKeyFunc func(*http.Request) string

// DefaultDeduplicationKeyFunc builds a key from method, URL and request
// headers, plus a body hash for mutating verbs. Callers with different
// credentials are never coalesced.
func DefaultDeduplicationKeyFunc(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte(req.URL.String()))
	h.Write(binary.BigEndian.AppendUint64(nil, headerDigest(req.Header)))

	if req.Body != nil && req.GetBody != nil && (req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch) {
		bodyHash := sha256.New()
		if body, err := req.GetBody(); err == nil {
			_, _ = io.Copy(bodyHash, body)
			_ = body.Close()
		}
		h.Write(bodyHash.Sum(nil))
	}

	return fmt.Sprintf("%x", h.Sum64())
}

// DeduplicationCondition decides whether a request is eligible for deduplication.
type DeduplicationCondition func(req *http.Request) bool

// DefaultDeduplicationCondition enables deduplication for reads only.
func DefaultDeduplicationCondition(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}
