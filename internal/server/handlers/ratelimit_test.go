package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/ratelimit"
)

type staticBuckets []ratelimit.BucketSnapshot

func (s staticBuckets) Snapshot() []ratelimit.BucketSnapshot { return s }

type pausedUntil time.Time

func (p pausedUntil) PausedUntil() time.Time { return time.Time(p) }

func rateLimitRouter(h *RateLimitHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/ratelimit", h.Routes)
	return r
}

func TestRateLimitHandlerBuckets(t *testing.T) {
	until := time.Now().Add(time.Second).UTC()
	h := rateLimitRouter(&RateLimitHandler{
		Buckets: staticBuckets{{Key: "abc:123", ID: "abc", Limit: 5, Remaining: 3}},
		Global:  pausedUntil(until),
	})

	rec := do(t, h, http.MethodGet, "/ratelimit/buckets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BucketsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, "abc", resp.Buckets[0].ID)
	assert.True(t, resp.GlobalPaused)
	require.NotNil(t, resp.PausedUntil)
	assert.True(t, until.Equal(*resp.PausedUntil))
}

func TestRateLimitHandlerUnconfigured(t *testing.T) {
	h := rateLimitRouter(&RateLimitHandler{})
	for _, path := range []string{"/ratelimit/buckets", "/ratelimit/stats", "/ratelimit/incidents"} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRateLimitHandlerStats(t *testing.T) {
	stats := ratelimit.NewMemoryStats()
	ctx := context.Background()
	require.NoError(t, stats.Record(ctx, ratelimit.StatsEvent{Route: "GET /users/@me", Outcome: ratelimit.OutcomeAdmitted, Waited: 20 * time.Millisecond}))
	require.NoError(t, stats.Record(ctx, ratelimit.StatsEvent{Route: "GET /users/@me", Outcome: ratelimit.OutcomeLimited}))

	rec := do(t, rateLimitRouter(&RateLimitHandler{Stats: stats}), http.MethodGet, "/ratelimit/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Total[ratelimit.OutcomeAdmitted])
	assert.Equal(t, int64(1), resp.ByRoute["GET /users/@me"][ratelimit.OutcomeLimited])
	assert.Equal(t, int64(20), resp.WaitedMS)
}

func TestRateLimitHandlerIncidents(t *testing.T) {
	ctx := context.Background()
	log := ratelimit.NewIncidentLog(10)
	now := time.Now()
	require.NoError(t, log.RecordIncident(ctx, ratelimit.Incident{Route: "GET /a", OccurredAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, log.RecordIncident(ctx, ratelimit.Incident{Route: "GET /b", OccurredAt: now}))
	h := rateLimitRouter(&RateLimitHandler{Incidents: log})

	decode := func(rec *httptest.ResponseRecorder) []ratelimit.Incident {
		var resp struct {
			Incidents []ratelimit.Incident `json:"incidents"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp.Incidents
	}

	rec := do(t, h, http.MethodGet, "/ratelimit/incidents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(rec), 2)

	rec = do(t, h, http.MethodGet, "/ratelimit/incidents?since=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recent := decode(rec)
	require.Len(t, recent, 1)
	assert.Equal(t, "GET /b", recent[0].Route)

	rec = do(t, h, http.MethodGet, "/ratelimit/incidents?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/ratelimit/incidents?route=GET+/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
}
