package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Default global request budget.
const (
	DefaultGlobalRate  = 50
	DefaultGlobalBurst = 50
)

// errLimitExceeded is returned when a single request can never fit the
// global burst. golang.org/x/time/rate exports no such sentinel.
var errLimitExceeded = errors.New("ratelimit: request exceeds global burst")

// GlobalLimiter bounds requests across all buckets. It combines a rolling
// token bucket with a pause deadline set by server global rejections.
type GlobalLimiter struct {
	limiter *rate.Limiter
	clock   clock.Clock

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewGlobalLimiter creates a limiter admitting perSecond requests with the
// given burst. Non-positive values fall back to the defaults.
func NewGlobalLimiter(perSecond float64, burst int, clk clock.Clock) *GlobalLimiter {
	if perSecond <= 0 {
		perSecond = DefaultGlobalRate
	}
	if burst <= 0 {
		burst = DefaultGlobalBurst
	}
	if clk == nil {
		clk = clock.New()
	}
	return &GlobalLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:   clk,
	}
}

// Pause blocks every admission for at least d. Pauses only ever extend.
func (g *GlobalLimiter) Pause(d time.Duration) time.Time {
	if g == nil {
		return time.Time{}
	}
	until := g.clock.Now().Add(d)
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
	return g.pausedUntil
}

// PausedUntil returns the active pause deadline, zero when not paused.
func (g *GlobalLimiter) PausedUntil() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clock.Now().Before(g.pausedUntil) {
		return g.pausedUntil
	}
	return time.Time{}
}

// Wait blocks until a global slot is available and no pause is active.
func (g *GlobalLimiter) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}

	var r *rate.Reservation
	for {
		if err := g.waitPause(ctx); err != nil {
			if r != nil {
				r.CancelAt(g.clock.Now())
			}
			return err
		}
		if r != nil {
			return nil
		}

		now := g.clock.Now()
		r = g.limiter.ReserveN(now, 1)
		if !r.OK() {
			return errLimitExceeded
		}

		delay := r.DelayFrom(now)
		if delay <= 0 {
			continue
		}
		timer := g.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.CancelAt(g.clock.Now())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitPause blocks only while a global pause is active. It does not take a
// slot.
func (g *GlobalLimiter) WaitPause(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.waitPause(ctx)
}

// Try takes a global slot without blocking. When none is free it returns
// the time until one is.
func (g *GlobalLimiter) Try() (bool, time.Duration) {
	if g == nil {
		return true, 0
	}
	now := g.clock.Now()
	if until := g.PausedUntil(); !until.IsZero() {
		return false, until.Sub(now)
	}
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (g *GlobalLimiter) waitPause(ctx context.Context) error {
	for {
		until := g.PausedUntil()
		if until.IsZero() {
			return nil
		}
		timer := g.clock.Timer(until.Sub(g.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
