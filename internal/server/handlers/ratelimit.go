package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/ratelimit"
)

// BucketLister exposes the bucket ledger.
type BucketLister interface {
	Snapshot() []ratelimit.BucketSnapshot
}

// GlobalStatus exposes the global limiter.
type GlobalStatus interface {
	PausedUntil() time.Time
}

// StatsReader exposes in-process admission counters.
type StatsReader interface {
	Total() ratelimit.Counters
	ByRoute() map[string]ratelimit.Counters
	Waited() time.Duration
}

// IncidentReader lists and clears recorded 429s.
type IncidentReader interface {
	ListIncidents(ctx context.Context, q ratelimit.IncidentQuery) ([]ratelimit.Incident, error)
	ResetIncidents(ctx context.Context, route string) (int64, error)
}

// RateLimitHandler serves /ratelimit. Nil dependencies answer 503.
type RateLimitHandler struct {
	Buckets   BucketLister
	Global    GlobalStatus
	Stats     StatsReader
	Incidents IncidentReader
}

// Routes mounts the rate limit endpoints on r.
func (h *RateLimitHandler) Routes(r chi.Router) {
	r.Get("/buckets", h.ListBuckets)
	r.Get("/stats", h.GetStats)
	r.Get("/incidents", h.ListIncidents)
	r.Delete("/incidents", h.ResetIncidents)
}

// BucketsResponse is the body of GET /ratelimit/buckets.
type BucketsResponse struct {
	Buckets      []ratelimit.BucketSnapshot `json:"buckets"`
	GlobalPaused bool                       `json:"global_paused"`
	PausedUntil  *time.Time                 `json:"global_paused_until,omitempty"`
}

func (h *RateLimitHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	if h.Buckets == nil {
		unavailable(w, r, "rate limiter not configured")
		return
	}
	resp := BucketsResponse{Buckets: h.Buckets.Snapshot()}
	if h.Global != nil {
		if until := h.Global.PausedUntil(); !until.IsZero() {
			resp.GlobalPaused = true
			resp.PausedUntil = &until
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of GET /ratelimit/stats.
type StatsResponse struct {
	Total    ratelimit.Counters            `json:"total"`
	ByRoute  map[string]ratelimit.Counters `json:"by_route"`
	WaitedMS int64                         `json:"waited_ms"`
}

func (h *RateLimitHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.Stats == nil {
		unavailable(w, r, "admission statistics are not kept in memory")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Total:    h.Stats.Total(),
		ByRoute:  h.Stats.ByRoute(),
		WaitedMS: h.Stats.Waited().Milliseconds(),
	})
}

// ListIncidents accepts route, since (RFC 3339 or a duration such as 1h)
// and limit query parameters.
func (h *RateLimitHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if h.Incidents == nil {
		unavailable(w, r, "incident store not configured")
		return
	}
	q, err := incidentQuery(r, time.Now())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid incident query"))
		return
	}
	incidents, err := h.Incidents.ListIncidents(r.Context(), q)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "listing incidents failed"))
		return
	}
	if incidents == nil {
		incidents = []ratelimit.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

// ResetIncidents clears the incidents of ?route=, or all of them.
func (h *RateLimitHandler) ResetIncidents(w http.ResponseWriter, r *http.Request) {
	if h.Incidents == nil {
		unavailable(w, r, "incident store not configured")
		return
	}
	removed, err := h.Incidents.ResetIncidents(r.Context(), r.URL.Query().Get("route"))
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "resetting incidents failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func incidentQuery(r *http.Request, now time.Time) (ratelimit.IncidentQuery, error) {
	values := r.URL.Query()
	q := ratelimit.IncidentQuery{Route: values.Get("route")}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, &strconv.NumError{Func: "limit", Num: raw, Err: strconv.ErrSyntax}
		}
		q.Limit = limit
	}
	if raw := values.Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			q.Since = now.Add(-d)
		} else {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, err
			}
			q.Since = ts
		}
	}
	return q, nil
}

func unavailable(w http.ResponseWriter, r *http.Request, msg string) {
	respondWithError(w, r, apperrors.NewServiceUnavailableError(msg))
}
