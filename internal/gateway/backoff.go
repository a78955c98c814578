package gateway

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential reconnect delay with full jitter.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff waits 1s doubling up to 2m.
func DefaultBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 2 * time.Minute, Multiplier: 2}
}

// Delay returns the wait before reconnect attempt n (starting at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	ceiling := float64(lo) * math.Pow(mult, float64(attempt-1))
	if ceiling > float64(hi) || math.IsInf(ceiling, 0) {
		ceiling = float64(hi)
	}

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	// Half fixed, half jittered, so the delay never collapses to zero.
	d := time.Duration(ceiling/2 + rnd()*ceiling/2)
	if d < lo {
		d = lo
	}
	return d
}
