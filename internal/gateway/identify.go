package gateway

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultIdentifyWindow is how long an identify bucket stays closed after use.
const DefaultIdentifyWindow = 5 * time.Second

// IdentifyGate spaces identifies across shards. Shards map to
// maxConcurrency buckets by index modulo; each bucket admits one identify per
// window. Resumes do not pass through the gate.
type IdentifyGate struct {
	window  time.Duration
	clock   clock.Clock
	buckets []*identifyBucket
}

type identifyBucket struct {
	sem  chan struct{}
	next time.Time
}

// NewIdentifyGate creates a gate with maxConcurrency buckets.
func NewIdentifyGate(maxConcurrency int, window time.Duration, clk clock.Clock) *IdentifyGate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if window <= 0 {
		window = DefaultIdentifyWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	g := &IdentifyGate{
		window:  window,
		clock:   clk,
		buckets: make([]*identifyBucket, maxConcurrency),
	}
	for i := range g.buckets {
		g.buckets[i] = &identifyBucket{sem: make(chan struct{}, 1)}
	}
	return g
}

// MaxConcurrency is the number of identify buckets.
func (g *IdentifyGate) MaxConcurrency() int {
	return len(g.buckets)
}

// Bucket returns the bucket index for shard.
func (g *IdentifyGate) Bucket(shard int) int {
	if shard < 0 {
		shard = -shard
	}
	return shard % len(g.buckets)
}

// Wait blocks until shard may identify. The bucket is held while waiting for
// its window, so shards in the same bucket are admitted one at a time.
func (g *IdentifyGate) Wait(ctx context.Context, shard int) error {
	b := g.buckets[g.Bucket(shard)]

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sem }()

	if wait := b.next.Sub(g.clock.Now()); wait > 0 {
		timer := g.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	b.next = g.clock.Now().Add(g.window)
	return nil
}
