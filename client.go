package odata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Client executes OData requests over HTTP. It layers rate limiting,
// circuit breaking, opt-in retries, response caching, de-duplication,
// middleware, metrics and tracing around the standard net/http Client. It
// owns the base configuration requests are built from and is safe for
// concurrent use.
type Client struct {
	config            Config
	httpClient        *http.Client
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	timeout           time.Duration
	retryPolicy       RetryPolicy
	retryBudget       *RetryBudget
	breakerConfig     *CircuitBreakerConfig
	circuitBreaker    *CircuitBreaker
	middleware        []Middleware
	limiters          *RateLimiterRegistry
	cache             Cache
	cacheTTL          time.Duration
	cacheKeyFunc      func(*http.Request) string
	cacheCondition    CacheCondition
	httpCacheSemantic bool
	metrics           *MetricsCollector
	tracer            trace.Tracer
	debug             *DebugConfig
	logger            Logger
	deduplication     *singleflight.Group
	dedupKeyFunc      DeduplicationKeyFunc
	dedupCondition    DeduplicationCondition
	validationError   error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		config: Config{
			Header:  make(http.Header),
			Timeout: DefaultTimeout,
		},
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxRetries:        0,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   ExponentialJitter,
		timeout:           DefaultTimeout,
		middleware:        []Middleware{},
		cacheTTL:          5 * time.Minute,
		cacheKeyFunc:      DefaultCacheKeyFunc,
		cacheCondition:    DefaultCacheCondition,
		debug:             DefaultDebugConfig(),
		dedupKeyFunc:      DefaultDeduplicationKeyFunc,
		dedupCondition:    DefaultDeduplicationCondition,
	}

	for _, option := range options {
		option(client)
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicyWithStrategy(client.maxRetries, client.initialBackoff,
			client.maxBackoff, client.backoffMultiplier, client.jitter, client.backoffStrategy)
	}
	if client.breakerConfig != nil {
		client.circuitBreaker = newCircuitBreaker(client.config.BaseURL, *client.breakerConfig, client.onCircuitStateChange)
	}
	if client.debug != nil && client.debug.Enabled && client.logger == nil {
		client.logger = NewSimpleLogger()
	}
	if client.tracer == nil {
		client.tracer = defaultTracer()
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Config returns a copy of the base configuration.
func (c *Client) Config() Config {
	return c.config.clone()
}

// Execute sends the request described by d. It implements Executor.
//
// A 2xx response yields a RawResponse. Anything else is a *TransportError,
// except when ctx was cancelled through Request.Cancel, in which case the
// *CancellationError is returned.
func (c *Client) Execute(ctx context.Context, d *Descriptor) (*RawResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d == nil {
		return nil, &TransportError{Type: ErrorTypeValidation, Message: "nil request descriptor", Timestamp: time.Now()}
	}
	if c.validationError != nil {
		return nil, c.validationError
	}
	if cancelErr, ok := cancellationCause(ctx); ok {
		return nil, cancelErr
	}

	start := time.Now()
	requestID := c.newRequestID()

	req, err := c.newHTTPRequest(ctx, d)
	if err != nil {
		return nil, &TransportError{
			Type:      ErrorTypeValidation,
			Message:   "cannot build request",
			Cause:     err,
			RequestID: requestID,
			Method:    string(d.Method),
			URL:       d.URL,
			Timestamp: time.Now(),
		}
	}
	endpoint := getEndpointFromRequest(req)

	ctx, span := c.startSpan(ctx, req, d, endpoint)
	defer span.End()
	req = req.WithContext(ctx)

	if c.debugEnabled(logRequests) {
		c.logger.Debug("Starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String(), "endpoint", endpoint)
	}

	entitySet := entitySetFromPath(req.URL.Path)
	finished := c.metrics.TrackInFlight(req.Method, entitySet)
	raw, err := c.dispatch(req, requestID, start)
	finished()

	if err != nil {
		if cancelErr, ok := cancellationCause(ctx); ok {
			err = cancelErr
		}
	}

	statusCode := 0
	if raw != nil {
		statusCode = raw.StatusCode
	} else {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			statusCode = transportErr.StatusCode
		}
	}
	duration := time.Since(start)
	c.metrics.RecordRequest(req.Method, entitySet, statusCode, duration)
	c.metrics.RecordError(req.Method, entitySet, err)
	endSpan(span, statusCode, err)

	if err != nil {
		if c.debugEnabled(logRequests) {
			c.logger.Warn("Request failed", "requestID", requestID, "endpoint", endpoint, "duration", duration, "error", err.Error())
		}
		return nil, err
	}

	if d.Method != MethodGet {
		c.invalidateCache(d)
	}
	if c.debugEnabled(logRequests) {
		c.logger.Debug("Request completed", "requestID", requestID, "statusCode", statusCode, "duration", duration)
	}
	return raw, nil
}

// dispatch coalesces identical in-flight requests when de-duplication is
// enabled. The shared call is detached from any single caller's context;
// each caller still returns as soon as its own context is done.
func (c *Client) dispatch(req *http.Request, requestID string, start time.Time) (*RawResponse, error) {
	if c.deduplication == nil || !c.dedupCondition(req) {
		return c.fetch(req, requestID, start)
	}

	key := c.dedupKeyFunc(req)
	ch := c.deduplication.DoChan(key, func() (any, error) {
		shared := req.WithContext(context.WithoutCancel(req.Context()))
		return c.fetch(shared, requestID, start)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordDeduplicated(req.Method, entitySetFromPath(req.URL.Path))
			if c.debugEnabled(nil) {
				c.logger.Debug("Deduplication hit", "requestID", requestID, "dedupKey", key)
			}
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RawResponse).clone(), nil
	case <-req.Context().Done():
		return nil, c.createTransportError(ErrorTypeNetwork, "request abandoned", context.Cause(req.Context()), requestID, req, 0, time.Since(start))
	}
}

// fetch serves req from the cache or the network and reads the body.
func (c *Client) fetch(req *http.Request, requestID string, start time.Time) (*RawResponse, error) {
	entitySet := entitySetFromPath(req.URL.Path)

	cacheEnabled := c.shouldCacheRequest(req)
	var cacheKey string
	if cacheEnabled {
		cacheKey = c.cacheKeyFunc(req)
		if entry, found := c.cache.Get(cacheKey); found {
			if c.debugEnabled(logCache) {
				c.logger.Debug("Cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			c.metrics.RecordCacheLookup(entitySet, true)
			return entry.rawResponse(requestID), nil
		}
		c.metrics.RecordCacheLookup(entitySet, false)
		if c.debugEnabled(logCache) {
			c.logger.Debug("Cache miss", "requestID", requestID, "cacheKey", cacheKey)
		}
	}

	resp, err := c.doWithRetry(req, 0, requestID, start)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.createTransportError(ErrorTypeNetwork, "cannot read response body", err, requestID, req, 0, time.Since(start))
	}
	c.metrics.RecordResponseSize(req.Method, entitySet, len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.createStatusError(resp, body, requestID, req, time.Since(start))
	}

	raw := &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		RequestID:  requestID,
	}
	if cacheEnabled {
		c.storeInCache(cacheKey, req, raw, requestID)
	}
	return raw, nil
}

// Do sends a prepared *http.Request through rate limiting, circuit breaking,
// the retry policy and middleware. The caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	resp, err := c.doWithRetry(req, 0, c.newRequestID(), time.Now())
	c.metrics.RecordError(req.Method, entitySetFromPath(req.URL.Path), err)
	return resp, err
}

func (c *Client) doWithRetry(req *http.Request, attempt int, requestID string, startTime time.Time) (*http.Response, error) {
	endpoint := getEndpointFromRequest(req)

	if c.limiters != nil {
		allowed, key := c.limiters.Allow(req)
		if !allowed {
			if c.debugEnabled(logRateLimit) {
				c.logger.Warn("Rate limit exceeded", "requestID", requestID, "endpoint", endpoint, "limiter", key)
			}
			return nil, c.createTransportError(ErrorTypeRateLimit, "rate limit exceeded", nil, requestID, req, attempt, time.Since(startTime))
		}
		if limiter, _ := c.limiters.Limiter(req); limiter != nil {
			c.metrics.RecordRateLimiterTokens(key, limiter.Tokens())
		}
	}

	var done func(err error)
	if c.circuitBreaker != nil {
		var ok bool
		done, ok = c.circuitBreaker.Allow()
		if !ok {
			if c.debugEnabled(logCircuit) {
				c.logger.Warn("Circuit breaker open", "requestID", requestID, "endpoint", endpoint, "state", c.circuitBreaker.State().String())
			}
			return nil, c.createTransportError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, requestID, req, attempt, time.Since(startTime))
		}
	}

	if attempt > 0 {
		if c.debugEnabled(logRetries) {
			c.logger.Info("Retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", c.maxRetries, "endpoint", endpoint)
		}
		c.metrics.RecordRetry(req.Method, entitySetFromPath(req.URL.Path))
	}

	attemptReq, err := requestForAttempt(req, attempt)
	if err != nil {
		if done != nil {
			done(errAttemptAbandoned)
		}
		return nil, c.createTransportError(ErrorTypeNetwork, "cannot rewind request body", err, requestID, req, attempt, time.Since(startTime))
	}

	resp, err := c.executeMiddleware(attemptReq)

	cancelled := err != nil && req.Context().Err() != nil
	failed := (err != nil && !cancelled) || (resp != nil && resp.StatusCode >= 500)
	if done != nil {
		done(breakerOutcome(err, cancelled, failed))
		c.metrics.RecordCircuitBreakerState(c.breakerName(), c.circuitBreaker.State())
	}
	if failed {
		if c.debugEnabled(logCircuit) {
			if err != nil {
				c.logger.Warn("Attempt failed", "requestID", requestID, "error", err.Error())
			} else {
				c.logger.Warn("Attempt failed", "requestID", requestID, "statusCode", resp.StatusCode)
			}
		}
	}

	if delay, retry := c.retryPolicy.ShouldRetry(req, resp, err, attempt); retry {
		if resp != nil {
			drainAndClose(resp)
		}
		if c.retryBudget != nil && !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(entitySetFromPath(req.URL.Path))
			if c.debugEnabled(logRetries) {
				c.logger.Warn("Retry budget exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			return nil, c.createTransportError(ErrorTypeRetryBudgetExceeded, "retry budget exceeded", err, requestID, req, attempt, time.Since(startTime))
		}

		if c.debugEnabled(logRetries) {
			c.logger.Info("Scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay, "endpoint", endpoint)
		}

		if sleepErr := sleepContext(req.Context(), delay); sleepErr != nil {
			return nil, c.createTransportError(ErrorTypeNetwork, "request cancelled during backoff", context.Cause(req.Context()), requestID, req, attempt, time.Since(startTime))
		}
		return c.doWithRetry(req, attempt+1, requestID, startTime)
	}

	if err != nil {
		errType := ErrorTypeNetwork
		if isTimeout(err) {
			errType = ErrorTypeTimeout
		}
		return nil, c.createTransportError(errType, "network request failed", err, requestID, req, attempt, time.Since(startTime))
	}

	return resp, nil
}

func breakerOutcome(err error, cancelled, failed bool) error {
	switch {
	case cancelled:
		return errAttemptAbandoned
	case err != nil:
		return err
	case failed:
		return errServerFailure
	}
	return nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// resolve makes path absolute against the descriptor's base URL and origin,
// falling back to the client's.
func (c *Client) resolve(d *Descriptor, path string) string {
	if isAbsoluteURL(path) {
		return path
	}
	cfg := Config{BaseURL: d.BaseURL, Origin: d.Origin}
	if cfg.BaseURL == "" {
		cfg.BaseURL = c.config.BaseURL
	}
	if cfg.Origin == "" {
		cfg.Origin = c.config.Origin
	}
	return cfg.resolve(path)
}

// newHTTPRequest resolves d against the base URL and origin and sets the
// OData headers.
func (c *Client) newHTTPRequest(ctx context.Context, d *Descriptor) (*http.Request, error) {
	if !d.Method.Valid() {
		return nil, &InvalidMethodError{Op: "execute", Method: d.Method}
	}

	target := c.resolve(d, d.URL)
	if !isAbsoluteURL(target) {
		return nil, fmt.Errorf("odata: cannot resolve %q to an absolute URL; set a base URL or origin", d.URL)
	}
	if q := d.Query.Encode(); q != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q
	}

	var body io.Reader
	if d.Body != nil {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, string(d.Method), target, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("OData-MaxVersion", "4.0")
	if d.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range c.config.Header {
		req.Header[key] = append([]string(nil), values...)
	}
	for key, values := range d.Header {
		req.Header[key] = append([]string(nil), values...)
	}
	return req, nil
}

func (c *Client) createTransportError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration) *TransportError {
	return &TransportError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL.String(),
		Endpoint:   getEndpointFromRequest(req),
		Attempt:    attempt,
		MaxRetries: c.maxRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
	}
}

// createStatusError turns a non-2xx response into a TransportError,
// picking up the OData error code and message when present.
func (c *Client) createStatusError(resp *http.Response, body []byte, requestID string, req *http.Request, duration time.Duration) *TransportError {
	errType := ErrorTypeClient
	if resp.StatusCode >= 500 {
		errType = ErrorTypeServer
	}
	message := http.StatusText(resp.StatusCode)
	if message == "" {
		message = "unexpected status"
	}
	err := c.createTransportError(errType, message, nil, requestID, req, 0, duration)
	err.StatusCode = resp.StatusCode
	err.Body = body
	if code, msg, ok := parseODataError(body); ok {
		err.ODataCode = code
		if msg != "" {
			err.Message = msg
		}
	}
	return err
}

func (c *Client) newRequestID() string {
	if c.debug != nil && c.debug.RequestIDGen != nil {
		return c.debug.RequestIDGen()
	}
	return ""
}

func (c *Client) breakerName() string {
	if c.config.BaseURL != "" {
		return c.config.BaseURL
	}
	return "default"
}

func (c *Client) onCircuitStateChange(from, to CircuitState) {
	c.metrics.RecordCircuitBreakerState(c.breakerName(), to)
	if c.debugEnabled(logCircuit) {
		c.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// requestForAttempt returns req for the first attempt and a copy with a
// fresh body for retries.
func requestForAttempt(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drainAndClose(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *RawResponse) clone() *RawResponse {
	if r == nil {
		return nil
	}
	out := *r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	if r.Body != nil {
		out.Body = bytes.Clone(r.Body)
	}
	return &out
}

// getEndpointFromRequest returns host + path with key predicates removed,
// keeping metric label cardinality bounded by the entity model.
func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(req.URL.Host)

	path := stripKeyPredicates(req.URL.Path)
	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}

// stripKeyPredicates drops "(...)" groups: /Products(5)/Category -> /Products/Category.
func stripKeyPredicates(path string) string {
	if !strings.Contains(path, "(") {
		return path
	}
	var b strings.Builder
	depth := 0
	for _, r := range path {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// entitySetFromPath returns the last resource segment of path, ignoring
// $ref, $count and $value and dropping key predicates.
func entitySetFromPath(path string) string {
	segments := strings.Split(strings.Trim(stripKeyPredicates(path), "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		switch segments[i] {
		case "", "$ref", "$count", "$value":
			continue
		}
		return segments[i]
	}
	return "unknown"
}
