package ratelimit

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/observability"
)

// Controller admits REST requests against the global limiter and the
// bucket ledger.
type Controller struct {
	ledger *Ledger
	global *GlobalLimiter
	stats  StatsRecorder
	clock  clock.Clock
	logger observability.Logger
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	GlobalRate  float64
	GlobalBurst int
	Clock       clock.Clock
	Logger      observability.Logger
	Stats       StatsRecorder
}

// NewController creates a controller with a fresh ledger and global limiter.
func NewController(cfg ControllerConfig) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Controller{
		ledger: NewLedger(WithClock(clk), WithLogger(logger)),
		global: NewGlobalLimiter(cfg.GlobalRate, cfg.GlobalBurst, clk),
		stats:  cfg.Stats,
		clock:  clk,
		logger: logger,
	}
}

// Ledger exposes the bucket ledger.
func (c *Controller) Ledger() *Ledger {
	return c.ledger
}

// Global exposes the global limiter.
func (c *Controller) Global() *GlobalLimiter {
	return c.global
}

// Acquire waits for the request's turn in its bucket, then for the global
// limiter, and takes a slot in both. The head of a bucket keeps its place
// while it waits on the global limiter, so a global pause never reorders a
// bucket's queue.
func (c *Controller) Acquire(ctx context.Context, method, path string) (*Permit, error) {
	route := NewRoute(method, path)
	start := c.clock.Now()

	permit, err := c.ledger.Reserve(ctx, route, c.admitGlobal())
	waited := c.clock.Since(start)
	if err != nil {
		c.record(context.WithoutCancel(ctx), StatsEvent{Route: route.Key(), Bucket: c.ledger.BucketFor(route), Outcome: OutcomeCancelled, Waited: waited})
		return nil, err
	}

	c.record(ctx, StatsEvent{Route: route.Key(), Bucket: c.ledger.BucketFor(route), Outcome: OutcomeAdmitted, Waited: waited})
	if waited > 0 {
		c.logger.Debug("Request admitted after wait",
			zap.String("route", route.Key()),
			zap.Duration("waited", waited))
	}
	return permit, nil
}

// admitGlobal takes one global slot per request. If the bucket slot is lost
// after that, later attempts keep the slot and only honor a global pause.
func (c *Controller) admitGlobal() AdmitFunc {
	held := false
	return func(ctx context.Context) error {
		if held {
			return c.global.WaitPause(ctx)
		}
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
		held = true
		return nil
	}
}

// TryAcquire admits without waiting or returns ErrMustWait with the
// expected wait.
func (c *Controller) TryAcquire(method, path string) (*Permit, time.Duration, error) {
	route := NewRoute(method, path)

	if until := c.global.PausedUntil(); !until.IsZero() {
		c.record(context.Background(), StatsEvent{Route: route.Key(), Outcome: OutcomeMustWait, Global: true})
		return nil, until.Sub(c.clock.Now()), ErrMustWait
	}

	permit, wait, err := c.ledger.TryReserve(route)
	if err != nil {
		c.record(context.Background(), StatsEvent{Route: route.Key(), Bucket: c.ledger.BucketFor(route), Outcome: OutcomeMustWait})
		return nil, wait, err
	}

	if ok, wait := c.global.Try(); !ok {
		permit.Release()
		c.record(context.Background(), StatsEvent{Route: route.Key(), Outcome: OutcomeMustWait, Global: true})
		return nil, wait, ErrMustWait
	}

	c.record(context.Background(), StatsEvent{Route: route.Key(), Bucket: c.ledger.BucketFor(route), Outcome: OutcomeAdmitted})
	return permit, 0, nil
}

// PauseGlobal suspends admissions on every bucket for at least d.
func (c *Controller) PauseGlobal(d time.Duration) time.Time {
	until := c.global.Pause(d)
	c.logger.Warn("Global rate limit pause",
		zap.Duration("retry_after", d),
		zap.Time("until", until))
	return until
}

// Backoff empties the bucket for route until d has elapsed.
func (c *Controller) Backoff(route Route, d time.Duration) {
	c.ledger.Backoff(route, d)
	c.record(context.Background(), StatsEvent{Route: route.Key(), Bucket: c.ledger.BucketFor(route), Outcome: OutcomeLimited})
}

// RecordGlobalLimit counts a server global rejection.
func (c *Controller) RecordGlobalLimit(route Route) {
	c.record(context.Background(), StatsEvent{Route: route.Key(), Outcome: OutcomeLimited, Global: true})
}

func (c *Controller) record(ctx context.Context, ev StatsEvent) {
	if c.stats == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	if err := c.stats.Record(ctx, ev); err != nil {
		c.logger.Debug("Failed to record rate limit stats", zap.Error(err))
	}
}
