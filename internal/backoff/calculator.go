package backoff

import "time"

// maxAttempt bounds the sequence walked by Delay.
const maxAttempt = 30

// Calculator turns an attempt number into a delay using a strategy.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a calculator for strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// Delay returns the wait before retry number attempt (0-based). Each call
// walks a fresh sequence, so a Calculator is safe for concurrent use.
func (c *Calculator) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxAttempt {
		attempt = maxAttempt
	}
	b := c.strategy.New(p)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exponential returns a calculator using ExponentialJitterStrategy.
func Exponential() *Calculator {
	return NewCalculator(ExponentialJitterStrategy{})
}

// Decorrelated returns a calculator using DecorrelatedJitterStrategy.
func Decorrelated() *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{})
}
