package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/gateway"
)

type fakeShards struct {
	mu       sync.Mutex
	statuses []gateway.ShardStatus
	restarts []int
	sent     []gateway.Command
}

func (f *fakeShards) Status() []gateway.ShardStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ShardStatus(nil), f.statuses...)
}

func (f *fakeShards) ShardStatus(shard int) (gateway.ShardStatus, error) {
	for _, st := range f.Status() {
		if st.Shard.Index == shard {
			return st, nil
		}
	}
	return gateway.ShardStatus{}, fmt.Errorf("%w: %d", gateway.ErrUnknownShard, shard)
}

func (f *fakeShards) Restart(shard int) error {
	st, err := f.ShardStatus(shard)
	if err != nil {
		return err
	}
	if !st.Down {
		return fmt.Errorf("%w: %d", gateway.ErrShardRunning, shard)
	}
	f.mu.Lock()
	f.restarts = append(f.restarts, shard)
	f.mu.Unlock()
	return nil
}

func (f *fakeShards) Send(_ context.Context, shard int, cmd gateway.Command) error {
	st, err := f.ShardStatus(shard)
	if err != nil {
		return err
	}
	if st.State != gateway.StateReady {
		return gateway.ErrShardNotReady
	}
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return nil
}

func newFakeShards() *fakeShards {
	return &fakeShards{statuses: []gateway.ShardStatus{
		{Shard: gateway.ShardID{Index: 0, Total: 2}, State: gateway.StateReady, SessionID: "abc"},
		{Shard: gateway.ShardID{Index: 1, Total: 2}, State: gateway.StateDisconnected, Down: true, LastError: "authentication failed"},
	}}
}

func shardRouter(shards ShardController) http.Handler {
	r := chi.NewRouter()
	r.Route("/shards", NewShardHandler(shards).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error.Code
}

func TestShardHandlerList(t *testing.T) {
	rec := do(t, shardRouter(newFakeShards()), http.MethodGet, "/shards", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Shards []struct {
			State string `json:"state"`
			Down  bool   `json:"down"`
		} `json:"shards"`
		Ready int `json:"ready"`
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Ready)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Shards, 2)
	assert.Equal(t, "ready", resp.Shards[0].State)
	assert.True(t, resp.Shards[1].Down)
}

func TestShardHandlerGet(t *testing.T) {
	h := shardRouter(newFakeShards())

	rec := do(t, h, http.MethodGet, "/shards/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"abc"`)

	rec = do(t, h, http.MethodGet, "/shards/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SHARD_NOT_FOUND", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/shards/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShardHandlerRestart(t *testing.T) {
	shards := newFakeShards()
	h := shardRouter(shards)

	rec := do(t, h, http.MethodPost, "/shards/1/restart", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{1}, shards.restarts)

	rec = do(t, h, http.MethodPost, "/shards/0/restart", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SHARD_RUNNING", errorCode(t, rec))
}

func TestShardHandlerSend(t *testing.T) {
	shards := newFakeShards()
	h := shardRouter(shards)

	rec := do(t, h, http.MethodPost, "/shards/0/commands", `{"op":3,"d":{"status":"idle","afk":false}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, shards.sent, 1)
	assert.Equal(t, gateway.OpPresenceUpdate, shards.sent[0].Op)

	rec = do(t, h, http.MethodPost, "/shards/1/commands", `{"op":3,"d":{}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SHARD_NOT_READY", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/shards/0/commands", `{"op":2,"d":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "identify is owned by the session")

	rec = do(t, h, http.MethodPost, "/shards/0/commands", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShardsChecker(t *testing.T) {
	shards := newFakeShards()
	err := ShardsChecker{Shards: shards}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDegraded), "a down shard is unhealthy")

	shards.statuses[1] = gateway.ShardStatus{Shard: gateway.ShardID{Index: 1, Total: 2}, State: gateway.StateResuming}
	err = ShardsChecker{Shards: shards}.CheckHealth(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)

	shards.statuses[1].State = gateway.StateReady
	assert.NoError(t, ShardsChecker{Shards: shards}.CheckHealth(context.Background()))
}
