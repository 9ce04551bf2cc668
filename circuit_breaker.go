package odata

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	// errAttemptAbandoned reports an attempt whose outcome says nothing about
	// the service: the caller cancelled it or its body could not be rewound.
	// The breaker counts it as neither success nor failure.
	errAttemptAbandoned = errors.New("odata: attempt abandoned")
	errServerFailure    = errors.New("odata: server failure")
)

// CircuitBreaker stops sending requests to a failing service for
// RecoveryTimeout once FailureThreshold consecutive attempts failed, then
// lets SuccessThreshold trial requests through before closing again.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	cb     *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker("default", config, nil)
}

func newCircuitBreaker(name string, config CircuitBreakerConfig, onChange func(from, to CircuitState)) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.SuccessThreshold),
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, errAttemptAbandoned)
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(fromGobreakerState(from), fromGobreakerState(to))
		}
	}

	return &CircuitBreaker{
		config: config,
		cb:     gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
	}
}

// Allow reports whether a request may proceed. When it may, done must be
// called with the outcome of the attempt: nil for success, any other error
// for a failure.
func (b *CircuitBreaker) Allow() (done func(err error), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() CircuitState {
	return fromGobreakerState(b.cb.State())
}

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() CircuitBreakerConfig {
	return b.config
}

func fromGobreakerState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
