package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/ratelimit"
	"github.com/shardline/shardline/internal/server/handlers"
)

type oneShard struct {
	status gateway.ShardStatus
}

func (o *oneShard) Status() []gateway.ShardStatus { return []gateway.ShardStatus{o.status} }

func (o *oneShard) ShardStatus(shard int) (gateway.ShardStatus, error) {
	if shard != o.status.Shard.Index {
		return gateway.ShardStatus{}, fmt.Errorf("%w: %d", gateway.ErrUnknownShard, shard)
	}
	return o.status, nil
}

func (o *oneShard) Restart(int) error { return nil }

func (o *oneShard) Send(context.Context, int, gateway.Command) error { return nil }

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(Options{Host: "127.0.0.1"})

	rec := serve(t, srv.Handler(), http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServerWithoutGateway(t *testing.T) {
	srv := New(Options{})

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv.Handler(), http.MethodGet, "/shards").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv.Handler(), http.MethodGet, "/shards/0").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv.Handler(), http.MethodGet, "/ratelimit/buckets").Code)
	assert.Equal(t, http.StatusOK, serve(t, srv.Handler(), http.MethodGet, "/health/ready").Code)
}

func TestServerReadinessFollowsShards(t *testing.T) {
	shard := &oneShard{status: gateway.ShardStatus{
		Shard: gateway.ShardID{Index: 0, Total: 1},
		State: gateway.StateDisconnected,
		Down:  true,
	}}
	ledger := ratelimit.NewLedger()
	srv := New(Options{
		Version:   "1.0.0",
		Shards:    shard,
		RateLimit: &handlers.RateLimitHandler{Buckets: ledger},
	})
	h := srv.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/shards/0").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/ratelimit/buckets").Code)

	shard.status = gateway.ShardStatus{Shard: gateway.ShardID{Index: 0, Total: 1}, State: gateway.StateReady}
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health/ready").Code)
}

func TestServerPprofIsOptIn(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, New(Options{}).Handler(), http.MethodGet, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, serve(t, New(Options{Pprof: true}).Handler(), http.MethodGet, "/debug/pprof/").Code)
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Options{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/health/live"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
