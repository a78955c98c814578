package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultLimit is the capacity of a bucket the server has not described yet.
const defaultLimit = 1

// bucket is the accounting state of one physical rate limit bucket. All
// fields are guarded by mu.
type bucket struct {
	mu sync.Mutex

	key string
	// id is the server bucket hash, empty until discovered.
	id string

	limit     int
	remaining int
	inFlight  int
	resetAt   time.Time
	// resetAfter is the last window length the server reported.
	resetAfter time.Duration

	queue *list.List
	// admitting is set while the signalled head waiter runs its admit hook.
	admitting bool

	timer *clock.Timer
}

// waiter is one pending reservation. bucket and elem are guarded by the
// ledger lock plus the owning bucket's lock.
type waiter struct {
	bucket   *bucket
	elem     *list.Element
	ready    chan struct{}
	signaled bool
}

func newBucket(key string) *bucket {
	return &bucket{
		key:       key,
		limit:     defaultLimit,
		remaining: defaultLimit,
		queue:     list.New(),
	}
}

func (b *bucket) enqueue(w *waiter) {
	w.bucket = b
	w.elem = b.queue.PushBack(w)
}

func (b *bucket) remove(w *waiter) {
	if w.elem != nil {
		b.queue.Remove(w.elem)
		w.elem = nil
	}
	if w.signaled {
		w.signaled = false
		b.admitting = false
	}
}

func (b *bucket) head() *waiter {
	front := b.queue.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*waiter)
}

// refill opens a new window once the reset deadline has passed.
func (b *bucket) refill(now time.Time) {
	if b.resetAt.IsZero() || now.Before(b.resetAt) {
		return
	}
	b.remaining = b.limit
	b.resetAt = time.Time{}
}

// dispatch signals the head of the queue when a slot is free. Only one
// waiter is signalled at a time so arrival order is kept.
func (b *bucket) dispatch(now time.Time) {
	if b.admitting {
		return
	}
	b.refill(now)
	if b.remaining <= 0 {
		return
	}
	w := b.head()
	if w == nil {
		return
	}
	w.signaled = true
	b.admitting = true
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// take consumes a slot for an admitted request.
func (b *bucket) take() {
	b.remaining--
	b.inFlight++
}

// giveBack returns a slot that never reached the server.
func (b *bucket) giveBack() {
	if b.inFlight > 0 {
		b.inFlight--
	}
	if b.remaining < b.limit {
		b.remaining++
	}
}

// apply folds response headers into the bucket. The caller has already
// removed its own request from inFlight.
func (b *bucket) apply(h Headers, now time.Time) {
	if !h.Present {
		if b.remaining < b.limit {
			b.remaining++
		}
		return
	}

	remaining := h.Remaining - b.inFlight
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(h.ResetAfter)
	if h.ResetAfter == 0 && !h.Reset.IsZero() {
		resetAt = h.Reset
	}

	sameWindow := !b.resetAt.IsZero() && now.Before(b.resetAt) && !resetAt.After(b.resetAt.Add(time.Second))
	if sameWindow {
		if remaining < b.remaining {
			b.remaining = remaining
		}
		if resetAt.After(b.resetAt) {
			b.resetAt = resetAt
		}
	} else {
		b.remaining = remaining
		b.resetAt = resetAt
	}

	if h.Limit > 0 {
		b.limit = h.Limit
	}
	if b.remaining > b.limit {
		b.remaining = b.limit
	}
	b.resetAfter = h.ResetAfter
}

// backoff empties the bucket until at least until.
func (b *bucket) backoff(until time.Time) {
	b.remaining = 0
	if until.After(b.resetAt) {
		b.resetAt = until
	}
}

// BucketSnapshot is a point-in-time view of a bucket.
type BucketSnapshot struct {
	Key       string    `json:"key"`
	ID        string    `json:"id,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	InFlight  int       `json:"in_flight"`
	Queued    int       `json:"queued"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Routes    []string  `json:"routes,omitempty"`
}

func (b *bucket) snapshot() BucketSnapshot {
	return BucketSnapshot{
		Key:       b.key,
		ID:        b.id,
		Limit:     b.limit,
		Remaining: b.remaining,
		InFlight:  b.inFlight,
		Queued:    b.queue.Len(),
		ResetAt:   b.resetAt,
	}
}
