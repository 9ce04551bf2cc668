package odata

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request may be sent now.
type Limiter interface {
	Allow() bool
	Tokens() float64
}

// RateLimiter is a token bucket holding maxTokens tokens, refilled with one
// token every refillRate.
type RateLimiter struct {
	limiter    *rate.Limiter
	maxTokens  int
	refillRate time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	limit := rate.Inf
	if refillRate > 0 {
		limit = rate.Every(refillRate)
	}
	return &RateLimiter{
		limiter:    rate.NewLimiter(limit, maxTokens),
		maxTokens:  maxTokens,
		refillRate: refillRate,
	}
}

// Allow checks if a request is allowed by the rate limiter
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Tokens reports the tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.Tokens()
}

// KeyFunc maps a request to a limiter key.
type KeyFunc func(req *http.Request) string

// RateLimiterRegistry holds limiters per key (host, entity set, ...) with a
// fallback for unregistered keys.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
	keyFunc  KeyFunc
	fallback Limiter
}

// NewRateLimiterRegistry creates a new rate limiter registry with the given key function and fallback limiter.
func NewRateLimiterRegistry(keyFunc KeyFunc, fallback Limiter) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]Limiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// RegisterLimiter adds a limiter for the given key.
func (r *RateLimiterRegistry) RegisterLimiter(key string, limiter Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = limiter
}

// Limiter returns the limiter for req and the key it was found under.
func (r *RateLimiterRegistry) Limiter(req *http.Request) (Limiter, string) {
	if r.keyFunc == nil {
		return r.fallback, "default"
	}

	key := r.keyFunc(req)

	r.mu.RLock()
	limiter, exists := r.limiters[key]
	r.mu.RUnlock()

	if exists {
		return limiter, key
	}
	return r.fallback, "default"
}

// Allow checks if a request is allowed by the appropriate rate limiter.
func (r *RateLimiterRegistry) Allow(req *http.Request) (bool, string) {
	limiter, key := r.Limiter(req)
	if limiter == nil {
		return true, key
	}
	return limiter.Allow(), key
}

// HostKeyFunc keys limiters by request host.
func HostKeyFunc(req *http.Request) string {
	if req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// EntitySetKeyFunc keys limiters by the last resource segment of the path
// with key predicates dropped: /odata/Products(5) and /odata/Products both
// map to "entity:Products".
func EntitySetKeyFunc(req *http.Request) string {
	return "entity:" + entitySetFromPath(req.URL.Path)
}
