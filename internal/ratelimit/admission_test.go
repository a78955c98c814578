package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestController(t *testing.T, mock *clock.Mock) (*Controller, *MemoryStats) {
	t.Helper()
	stats := NewMemoryStats()
	c := NewController(ControllerConfig{
		GlobalRate:  50,
		GlobalBurst: 50,
		Clock:       mock,
		Logger:      zaptest.NewLogger(t),
		Stats:       stats,
	})
	return c, stats
}

func TestControllerGlobalPausePreservesOrder(t *testing.T) {
	mock := clock.NewMock()
	c, _ := newTestController(t, mock)
	path := "/channels/111111111111/messages"

	p, err := c.Acquire(context.Background(), "POST", path)
	require.NoError(t, err)
	p.Complete(bucketHeaders("msgs", 10, 9, 10*time.Second))

	c.PauseGlobal(2 * time.Second)
	route := NewRoute("POST", path)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := c.Acquire(context.Background(), "POST", path)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release()
		}(i)
		// the head waits on the global gate, the rest stay queued behind it
		waitQueued(t, c.Ledger(), route, i+1)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "no bucket admits while globally paused")
	mu.Unlock()

	mock.Add(2 * time.Second)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestControllerPauseBlocksEveryBucket(t *testing.T) {
	mock := clock.NewMock()
	c, stats := newTestController(t, mock)

	c.PauseGlobal(2 * time.Second)

	_, wait, err := c.TryAcquire("GET", "/users/@me")
	require.ErrorIs(t, err, ErrMustWait)
	assert.Equal(t, 2*time.Second, wait)

	_, _, err = c.TryAcquire("GET", "/guilds/333333333333")
	require.ErrorIs(t, err, ErrMustWait)

	mock.Add(2 * time.Second)
	p, _, err := c.TryAcquire("GET", "/users/@me")
	require.NoError(t, err)
	p.Release()

	total := stats.Total()
	assert.Equal(t, int64(2), total[OutcomeMustWait])
	assert.Equal(t, int64(1), total[OutcomeAdmitted])
}

func TestControllerTryAcquireReleasesBucketOnGlobalLimit(t *testing.T) {
	mock := clock.NewMock()
	c := NewController(ControllerConfig{GlobalRate: 1, GlobalBurst: 1, Clock: mock})

	p, _, err := c.TryAcquire("GET", "/users/@me")
	require.NoError(t, err)
	p.Release()

	_, wait, err := c.TryAcquire("GET", "/guilds/333333333333")
	require.ErrorIs(t, err, ErrMustWait)
	assert.Equal(t, time.Second, wait)

	route := NewRoute("GET", "/guilds/333333333333")
	snap := snapshotFor(t, c.Ledger(), route)
	assert.Equal(t, 1, snap.Remaining)
	assert.Zero(t, snap.InFlight)
}

func TestControllerAcquireCancelled(t *testing.T) {
	mock := clock.NewMock()
	c, stats := newTestController(t, mock)

	c.PauseGlobal(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, "GET", "/users/@me")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	route := NewRoute("GET", "/users/@me")
	snap := snapshotFor(t, c.Ledger(), route)
	assert.Equal(t, 1, snap.Remaining)
	assert.Zero(t, snap.Queued)
	assert.Equal(t, int64(1), stats.Total()[OutcomeCancelled])
	assert.Equal(t, int64(1), stats.ByRoute()[route.Key()][OutcomeCancelled])
}

func TestGlobalLimiterWait(t *testing.T) {
	mock := clock.NewMock()
	g := NewGlobalLimiter(1, 1, mock)

	require.NoError(t, g.Wait(context.Background()))

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("second wait should block until a token refills")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not finish after refill")
	}
}

// A request whose bucket slot vanished while it waited on the global
// limiter keeps its global slot instead of reserving a second one.
func TestControllerLostBucketSlotKeepsGlobalSlot(t *testing.T) {
	mock := clock.NewMock()
	c := NewController(ControllerConfig{GlobalRate: 1, GlobalBurst: 1, Clock: mock})
	route := NewRoute("GET", "/users/@me")

	ok, _ := c.Global().Try()
	require.True(t, ok)

	done := make(chan *Permit, 1)
	go func() {
		p, err := c.Acquire(context.Background(), "GET", "/users/@me")
		assert.NoError(t, err)
		done <- p
	}()

	// Acquire is now waiting one second for the next global token.
	time.Sleep(20 * time.Millisecond)
	c.Backoff(route, 10*time.Second)
	mock.Add(time.Second)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("admitted while the bucket was backing off")
	default:
	}

	mock.Add(10 * time.Second)
	select {
	case p := <-done:
		require.NotNil(t, p)
		p.Release()
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after the backoff")
	}

	ok, wait := c.Global().Try()
	assert.True(t, ok, "a second global token was spent, wait %s", wait)
}

func TestGlobalLimiterPauseOnlyExtends(t *testing.T) {
	mock := clock.NewMock()
	g := NewGlobalLimiter(0, 0, mock)

	long := g.Pause(5 * time.Second)
	short := g.Pause(time.Second)
	assert.Equal(t, long, short)
	assert.Equal(t, mock.Now().Add(5*time.Second), g.PausedUntil())

	mock.Add(5 * time.Second)
	assert.True(t, g.PausedUntil().IsZero())
}
