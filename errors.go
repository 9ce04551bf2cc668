package odata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types carried by TransportError.Type.
const (
	ErrorTypeNetwork             = "Network"
	ErrorTypeTimeout             = "Timeout"
	ErrorTypeServer              = "Server"
	ErrorTypeClient              = "Client"
	ErrorTypeRateLimit           = "RateLimit"
	ErrorTypeCircuitOpen         = "CircuitOpen"
	ErrorTypeRetryBudgetExceeded = "RetryBudgetExceeded"
	ErrorTypeValidation          = "Validation"
	ErrorTypeDecode              = "Decode"
)

// Sentinel errors for common failure scenarios
var (
	// ErrInvalidMethod matches every *InvalidMethodError.
	ErrInvalidMethod = errors.New("odata: invalid request method")

	// ErrCancelled matches every *CancellationError.
	ErrCancelled = errors.New("odata: request cancelled")

	// ErrRequestSent is recorded when a request is mutated or executed again
	// after Execute was called. Use Clone to issue it a second time.
	ErrRequestSent = errors.New("odata: request already sent")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("odata: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("odata: rate limited")

	// ErrRetryBudgetExceeded is returned when retry budget is exhausted
	ErrRetryBudgetExceeded = errors.New("odata: retry budget exceeded")
)

// InvalidMethodError reports a builder call that does not apply to the
// request's HTTP method, such as Select on a POST.
type InvalidMethodError struct {
	Op     string
	Method Method
}

func (e *InvalidMethodError) Error() string {
	return fmt.Sprintf("odata: invalid request method %s for '%s'", e.Method, e.Op)
}

// Is makes errors.Is(err, ErrInvalidMethod) hold.
func (e *InvalidMethodError) Is(target error) bool {
	return target == ErrInvalidMethod
}

// CancellationError is the outcome of a request whose cancellation handle
// was signalled through Request.Cancel.
type CancellationError struct {
	Message string
}

func (e *CancellationError) Error() string {
	if e.Message == "" {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.Message
}

// Is makes errors.Is(err, ErrCancelled) hold.
func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// IsCancellation reports whether err stems from Request.Cancel.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// TransportError is returned by the Client for network failures, non-2xx
// responses and refusals by the reliability layers.
type TransportError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	StatusCode int
	ODataCode  string
	Body       []byte
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: %s (status %d)", e.Type, e.Message, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrRetryBudgetExceeded:
		return e.Type == ErrorTypeRetryBudgetExceeded
	}
	if targetErr, ok := target.(*TransportError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *TransportError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.ODataCode != "" {
		info += fmt.Sprintf("OData Code: %s\n", e.ODataCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, and rate limiting (429).
// Cancellations and 4xx client errors (except 429) are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsCancellation(err) || errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch transportErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen, ErrorTypeRetryBudgetExceeded:
			return true
		case ErrorTypeClient:
			return transportErr.StatusCode == http.StatusTooManyRequests
		default:
			return false
		}
	}

	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded)
}

// odataErrorBody is the JSON error envelope defined by OData v4.
type odataErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseODataError extracts code and message from an OData error payload.
func parseODataError(body []byte) (code, message string, ok bool) {
	if len(body) == 0 {
		return "", "", false
	}
	var envelope odataErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", "", false
	}
	if envelope.Error.Code == "" && envelope.Error.Message == "" {
		return "", "", false
	}
	return envelope.Error.Code, envelope.Error.Message, true
}
