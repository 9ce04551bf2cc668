package odata

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/odata/internal/backoff"
)

// RetryPolicy decides whether a failed attempt is tried again and after
// how long. attempt is 0 for the first try.
type RetryPolicy interface {
	ShouldRetry(req *http.Request, resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay curve between retries.
type BackoffStrategy int

const (
	ExponentialJitter BackoffStrategy = iota
	DecorrelatedJitter
)

func (s BackoffStrategy) calculator() *internalbackoff.Calculator {
	if s == DecorrelatedJitter {
		return internalbackoff.Decorrelated()
	}
	return internalbackoff.Exponential()
}

// DefaultRetryPolicy retries network errors, 429 and 5xx responses for
// idempotent methods, honoring Retry-After. Cancelled requests are never
// retried.
type DefaultRetryPolicy struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	calculator        *internalbackoff.Calculator
	isIdempotent      func(method string) bool
}

// NewDefaultRetryPolicy creates a retry policy using exponential jitter.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		maxRetries:        maxRetries,
		initialBackoff:    initialBackoff,
		maxBackoff:        maxBackoff,
		backoffMultiplier: multiplier,
		jitter:            jitter,
		backoffStrategy:   strategy,
		calculator:        strategy.calculator(),
		isIdempotent:      DefaultIsIdempotent,
	}
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(req *http.Request, resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}

	if req != nil {
		if req.Context().Err() != nil {
			return 0, false
		}
		if !p.isIdempotent(req.Method) {
			return 0, false
		}
	}

	if err != nil {
		if IsCancellation(err) || errors.Is(err, context.Canceled) {
			return 0, false
		}
		return p.calculateBackoff(attempt), true
	}

	if resp == nil || (resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500) {
		return 0, false
	}

	if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
		return delay, true
	}
	return p.calculateBackoff(attempt), true
}

func (p *DefaultRetryPolicy) calculateBackoff(attempt int) time.Duration {
	return p.calculator.Delay(attempt, internalbackoff.Params{
		Initial:    p.initialBackoff,
		Max:        p.maxBackoff,
		Multiplier: p.backoffMultiplier,
		Jitter:     p.jitter,
	})
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget caps the number of retries across all requests per window.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns current retry budget statistics.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
