package odata

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "odata"

// Cache lookup results used as the "result" label of odata_cache_requests_total.
const (
	cacheResultHit  = "hit"
	cacheResultMiss = "miss"
)

// MetricsCollector exports Prometheus metrics for OData traffic. Series are
// labelled by entity set rather than URL so that key predicates such as
// Products(5) do not create a series per entity. It is safe for concurrent
// use, and a nil collector records nothing.
type MetricsCollector struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	responseSize *prometheus.HistogramVec
	failures     *prometheus.CounterVec

	retries             *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec
	cacheEntries  *prometheus.GaugeVec
	deduplicated  *prometheus.CounterVec

	breakerState  *prometheus.GaugeVec
	limiterTokens *prometheus.GaugeVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector on registry.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "OData requests completed, by entity set and response status.",
		}, []string{"method", "entity_set", "status_code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from Execute to the decoded response, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "entity_set"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "OData requests currently executing.",
		}, []string{"method", "entity_set"}),
		responseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_size_bytes",
			Help:      "Size of OData response payloads read from the network.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "entity_set"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Failed OData requests, by error type and OData error code.",
		}, []string{"type", "method", "entity_set", "odata_code"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retry attempts sent after a failed first attempt.",
		}, []string{"method", "entity_set"}),
		retryBudgetExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retry_budget_exceeded_total",
			Help:      "Retries refused because the retry budget was spent.",
		}, []string{"entity_set"}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_requests_total",
			Help:      "Response cache lookups, by result.",
		}, []string{"entity_set", "result"}),
		cacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_entries",
			Help:      "Responses currently held in the cache.",
		}, []string{"cache"}),
		deduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deduplicated_requests_total",
			Help:      "Requests answered by an identical request already in flight.",
		}, []string{"method", "entity_set"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"breaker"}),
		limiterTokens: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limiter_tokens",
			Help:      "Tokens left in a rate limiter bucket.",
		}, []string{"limiter"}),
		registerer: registry,
	}
}

// RecordRequest records a finished request. statusCode is 0 when no
// response was received.
func (mc *MetricsCollector) RecordRequest(method, entitySet string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requests.WithLabelValues(method, entitySet, strconv.Itoa(statusCode)).Inc()
	mc.duration.WithLabelValues(method, entitySet).Observe(duration.Seconds())
}

// TrackInFlight counts a request as in flight until the returned func is
// called.
func (mc *MetricsCollector) TrackInFlight(method, entitySet string) func() {
	if mc == nil {
		return func() {}
	}
	gauge := mc.inFlight.WithLabelValues(method, entitySet)
	gauge.Inc()
	return gauge.Dec
}

func (mc *MetricsCollector) RecordResponseSize(method, entitySet string, size int) {
	if mc == nil {
		return
	}
	mc.responseSize.WithLabelValues(method, entitySet).Observe(float64(size))
}

// RecordError counts a failed request once, labelled from its final error.
// Service errors carry the code from the OData error payload.
func (mc *MetricsCollector) RecordError(method, entitySet string, err error) {
	if mc == nil || err == nil {
		return
	}
	errType, code := errorLabels(err)
	mc.failures.WithLabelValues(errType, method, entitySet, code).Inc()
}

func errorLabels(err error) (errType, odataCode string) {
	var transportErr *TransportError
	switch {
	case IsCancellation(err):
		return "Cancelled", ""
	case errors.As(err, &transportErr):
		return transportErr.Type, transportErr.ODataCode
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout, ""
	case errors.Is(err, context.Canceled):
		return "Cancelled", ""
	}
	return "Unknown", ""
}

func (mc *MetricsCollector) RecordRetry(method, entitySet string) {
	if mc == nil {
		return
	}
	mc.retries.WithLabelValues(method, entitySet).Inc()
}

func (mc *MetricsCollector) RecordRetryBudgetExceeded(entitySet string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(entitySet).Inc()
}

// RecordCacheLookup counts a cache lookup as a hit or a miss.
func (mc *MetricsCollector) RecordCacheLookup(entitySet string, hit bool) {
	if mc == nil {
		return
	}
	result := cacheResultMiss
	if hit {
		result = cacheResultHit
	}
	mc.cacheRequests.WithLabelValues(entitySet, result).Inc()
}

func (mc *MetricsCollector) RecordCacheEntries(cache string, n int) {
	if mc == nil {
		return
	}
	mc.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

func (mc *MetricsCollector) RecordDeduplicated(method, entitySet string) {
	if mc == nil {
		return
	}
	mc.deduplicated.WithLabelValues(method, entitySet).Inc()
}

// RecordCircuitBreakerState sets the breaker gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(breaker string, state CircuitState) {
	if mc == nil {
		return
	}
	var value float64
	switch state {
	case StateOpen:
		value = 1
	case StateHalfOpen:
		value = 2
	}
	mc.breakerState.WithLabelValues(breaker).Set(value)
}

func (mc *MetricsCollector) RecordRateLimiterTokens(limiter string, tokens float64) {
	if mc == nil {
		return
	}
	mc.limiterTokens.WithLabelValues(limiter).Set(tokens)
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on another Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	registry, _ := mc.registerer.(*prometheus.Registry)
	return registry
}
