package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/observability"
)

// ErrMustWait is returned by TryReserve when no slot is free right now.
var ErrMustWait = errors.New("ratelimit: must wait")

// AdmitFunc runs while a reservation holds the head of its bucket queue,
// before the slot is taken. An error abandons the reservation. When the
// slot is lost while admit runs, admit runs again once the waiter is back
// at the head.
type AdmitFunc func(ctx context.Context) error

// Ledger tracks rate limit buckets for every route group.
//
// Routes map to bucket keys and bucket keys map to bucket state. Discovering
// that a route shares a server bucket retargets the route entry; bucket
// state is never copied. Lock order is table lock, then bucket lock.
type Ledger struct {
	mu      sync.RWMutex
	routes  map[string]string
	buckets map[string]*bucket

	clock  clock.Clock
	logger observability.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the clock used for windows and reset timers.
func WithClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger observability.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		routes:  make(map[string]string),
		buckets: make(map[string]*bucket),
		clock:   clock.New(),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Permit is an admitted request slot. Exactly one of Complete or Release
// takes effect.
type Permit struct {
	ledger     *Ledger
	route      Route
	bucket     *bucket
	admittedAt time.Time
	once       sync.Once
}

// Route returns the route group the permit was taken for.
func (p *Permit) Route() Route {
	return p.route
}

// AdmittedAt is when the slot was taken.
func (p *Permit) AdmittedAt() time.Time {
	return p.admittedAt
}

// Complete records the server's answer for the request.
func (p *Permit) Complete(h Headers) {
	if p == nil {
		return
	}
	p.once.Do(func() { p.ledger.complete(p, h) })
}

// Release returns the slot for a request that never resolved at the server.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.ledger.release(p) })
}

// Reserve waits in the route's bucket queue until it is at the head with a
// free slot, runs admit, then takes the slot. Cancellation before the slot
// is taken leaves the bucket untouched.
func (l *Ledger) Reserve(ctx context.Context, route Route, admit AdmitFunc) (*Permit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	l.withBucket(route, func(b *bucket) {
		b.enqueue(w)
		l.settle(b, l.clock.Now())
	})

	for {
		select {
		case <-ctx.Done():
			l.abandon(w)
			return nil, ctx.Err()
		case <-w.ready:
		}

		if !l.signaled(w) {
			continue
		}

		if admit != nil {
			if err := admit(ctx); err != nil {
				l.abandon(w)
				return nil, err
			}
		}

		if p := l.commit(w, route); p != nil {
			return p, nil
		}
	}
}

// TryReserve takes a slot only if one is free and nobody is queued ahead.
// Otherwise it returns ErrMustWait with the time until the bucket resets
// (zero when the wait is for an in-flight request to resolve).
func (l *Ledger) TryReserve(route Route) (*Permit, time.Duration, error) {
	var (
		permit *Permit
		wait   time.Duration
	)
	now := l.clock.Now()
	l.withBucket(route, func(b *bucket) {
		b.refill(now)
		if b.queue.Len() == 0 && !b.admitting && b.remaining > 0 {
			b.take()
			permit = &Permit{ledger: l, route: route, bucket: b, admittedAt: now}
			return
		}
		if !b.resetAt.IsZero() && b.resetAt.After(now) {
			wait = b.resetAt.Sub(now)
		}
	})
	if permit == nil {
		return nil, wait, ErrMustWait
	}
	return permit, 0, nil
}

// Backoff empties the route's bucket for at least d.
func (l *Ledger) Backoff(route Route, d time.Duration) {
	now := l.clock.Now()
	l.withBucket(route, func(b *bucket) {
		b.backoff(now.Add(d))
		l.settle(b, now)
	})
	l.logger.Debug("Bucket backoff",
		zap.String("route", route.Key()),
		zap.Duration("retry_after", d))
}

// BucketFor returns the bucket key a route currently maps to.
func (l *Ledger) BucketFor(route Route) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if key, ok := l.routes[route.Key()]; ok {
		return key
	}
	return defaultBucketKey(route)
}

// Snapshot lists every live bucket ordered by key.
func (l *Ledger) Snapshot() []BucketSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	routesByBucket := make(map[string][]string, len(l.buckets))
	for route, key := range l.routes {
		routesByBucket[key] = append(routesByBucket[key], route)
	}

	out := make([]BucketSnapshot, 0, len(l.buckets))
	for key, b := range l.buckets {
		b.mu.Lock()
		snap := b.snapshot()
		b.mu.Unlock()
		snap.Routes = routesByBucket[key]
		sort.Strings(snap.Routes)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// withBucket runs fn under the table read lock and the route's bucket lock,
// creating the route's default bucket on first use.
func (l *Ledger) withBucket(route Route, fn func(b *bucket)) {
	l.mu.RLock()
	b := l.lookupLocked(route)
	if b == nil {
		l.mu.RUnlock()
		l.mu.Lock()
		if l.lookupLocked(route) == nil {
			key := defaultBucketKey(route)
			l.routes[route.Key()] = key
			l.buckets[key] = newBucket(key)
		}
		l.mu.Unlock()
		l.mu.RLock()
		b = l.lookupLocked(route)
	}
	defer l.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (l *Ledger) lookupLocked(route Route) *bucket {
	key, ok := l.routes[route.Key()]
	if !ok {
		return nil
	}
	return l.buckets[key]
}

func (l *Ledger) signaled(w *waiter) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := w.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	return w.signaled
}

func (l *Ledger) abandon(w *waiter) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := w.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(w)
	l.settle(b, l.clock.Now())
}

// commit takes the slot for a signalled head waiter. When the slot vanished
// while admit ran, the waiter keeps its place and waits again.
func (l *Ledger) commit(w *waiter, route Route) *Permit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := w.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if !w.signaled {
		return nil
	}

	now := l.clock.Now()
	b.refill(now)
	if b.remaining <= 0 {
		w.signaled = false
		b.admitting = false
		l.settle(b, now)
		return nil
	}

	b.take()
	b.remove(w)
	l.settle(b, now)
	return &Permit{ledger: l, route: route, bucket: b, admittedAt: now}
}

func (l *Ledger) complete(p *Permit, h Headers) {
	now := l.clock.Now()

	if !h.Present {
		l.release(p)
		return
	}

	if h.Bucket != "" {
		want := bucketKey(h.Bucket, p.route.Major)
		l.mu.RLock()
		current := l.routes[p.route.Key()]
		l.mu.RUnlock()
		if current != want {
			l.mu.Lock()
			l.discoverLocked(p.route, h.Bucket)
			l.mu.Unlock()
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	origin := p.bucket
	origin.mu.Lock()
	if origin.inFlight > 0 {
		origin.inFlight--
	}
	l.settle(origin, now)
	origin.mu.Unlock()

	current := l.lookupLocked(p.route)
	if current == nil {
		return
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	current.apply(h, now)
	l.settle(current, now)
}

func (l *Ledger) release(p *Permit) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := p.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	b.giveBack()
	l.settle(b, l.clock.Now())
}

// discoverLocked points route at the server bucket id. An existing bucket
// with that id absorbs the route's waiters in arrival order; otherwise an
// undiscovered default bucket is renamed in place. Requires the table write
// lock, so no other goroutine holds a bucket lock.
func (l *Ledger) discoverLocked(route Route, id string) {
	routeKey := route.Key()
	key := bucketKey(id, route.Major)
	current := l.buckets[l.routes[routeKey]]

	if target, ok := l.buckets[key]; ok {
		if current != nil && current != target {
			current.mu.Lock()
			target.mu.Lock()
			moved := 0
			for e := current.queue.Front(); e != nil; {
				next := e.Next()
				w := e.Value.(*waiter)
				current.queue.Remove(e)
				w.signaled = false
				target.enqueue(w)
				moved++
				e = next
			}
			current.admitting = false
			target.mu.Unlock()
			current.mu.Unlock()

			if current.id == "" {
				if current.timer != nil {
					current.timer.Stop()
				}
				delete(l.buckets, current.key)
			}
			l.logger.Debug("Merged route into shared bucket",
				zap.String("route", routeKey),
				zap.String("bucket", key),
				zap.Int("moved_waiters", moved))
		}
		l.routes[routeKey] = key
		return
	}

	if current != nil && current.id == "" {
		delete(l.buckets, current.key)
		current.mu.Lock()
		current.key = key
		current.id = id
		current.mu.Unlock()
		l.buckets[key] = current
		l.routes[routeKey] = key
		l.logger.Debug("Discovered bucket",
			zap.String("route", routeKey),
			zap.String("bucket", key))
		return
	}

	b := newBucket(key)
	b.id = id
	l.buckets[key] = b
	l.routes[routeKey] = key
}

// settle hands the slot to the next waiter and arms the reset timer when
// waiters are blocked on an empty bucket. Requires the bucket lock.
func (l *Ledger) settle(b *bucket, now time.Time) {
	b.dispatch(now)
	if b.queue.Len() == 0 || b.remaining > 0 || b.resetAt.IsZero() {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	d := b.resetAt.Sub(now)
	if d < 0 {
		d = 0
	}
	b.timer = l.clock.AfterFunc(d, func() { l.wake(b) })
}

func (l *Ledger) wake(b *bucket) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	l.settle(b, l.clock.Now())
}

func defaultBucketKey(route Route) string {
	return "route:" + route.Key()
}

func bucketKey(id, major string) string {
	if major == "" {
		return id
	}
	return id + ":" + major
}
