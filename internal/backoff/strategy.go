// Package backoff computes retry delays for the OData client on top of
// github.com/cenkalti/backoff.
package backoff

import (
	"math/rand"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Params are the knobs shared by every strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy builds a fresh, stateful backoff sequence.
type Strategy interface {
	New(p Params) cbackoff.BackOff
}

// ExponentialJitterStrategy grows the delay by Multiplier each attempt and
// randomizes it by ±Jitter.
type ExponentialJitterStrategy struct{}

// New returns a capped exponential backoff.
func (ExponentialJitterStrategy) New(p Params) cbackoff.BackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = clampJitter(p.Jitter)
	b.Reset()
	return &capped{BackOff: b, max: p.Max}
}

// DecorrelatedJitterStrategy implements the decorrelated jitter scheme:
// each delay is drawn from [Initial, min(Max, 3*previous)].
type DecorrelatedJitterStrategy struct{}

// New returns a decorrelated jitter backoff.
func (DecorrelatedJitterStrategy) New(p Params) cbackoff.BackOff {
	return &decorrelated{params: p, rnd: rand.Float64}
}

type decorrelated struct {
	params Params
	prev   time.Duration
	rnd    func() float64
}

func (d *decorrelated) NextBackOff() time.Duration {
	base := d.params.Initial
	if d.prev == 0 {
		d.prev = base
		return base
	}
	upper := d.prev * 3
	if upper <= 0 || upper > d.params.Max {
		upper = d.params.Max
	}
	if upper < base {
		upper = base
	}
	next := base + time.Duration(d.rnd()*float64(upper-base))
	d.prev = next
	return next
}

func (d *decorrelated) Reset() {
	d.prev = 0
}

// capped keeps randomized delays at or below max.
type capped struct {
	cbackoff.BackOff
	max time.Duration
}

func (c *capped) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next == cbackoff.Stop {
		return next
	}
	if c.max > 0 && next > c.max {
		return c.max
	}
	return next
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
