package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/shardline/shardline/internal/metrics"
)

// Check results
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// ErrDegraded is returned by a checker that still works with reduced
// capacity.
var ErrDegraded = stderrors.New("degraded")

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthManager runs the registered checks for every probe. Readiness
// checks only run for the ready probe.
type HealthManager struct {
	mu        sync.RWMutex
	checkers  map[string]HealthChecker
	readiness map[string]HealthChecker
	version   string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers:  make(map[string]HealthChecker),
		readiness: make(map[string]HealthChecker),
		version:   version,
	}
}

// RegisterChecker registers a check used by every probe.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// RegisterReadinessChecker registers a check used by /health and
// /health/ready only. A process whose shards are reconnecting is alive but
// not ready.
func (hm *HealthManager) RegisterReadinessChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.readiness[name] = checker
}

func (hm *HealthManager) selected(withReadiness bool) map[string]HealthChecker {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]HealthChecker, len(hm.checkers)+len(hm.readiness))
	for name, c := range hm.checkers {
		out[name] = c
	}
	if withReadiness {
		for name, c := range hm.readiness {
			out[name] = c
		}
	}
	return out
}

func (hm *HealthManager) runHealthChecks(ctx context.Context, withReadiness bool) map[string]string {
	checkers := hm.selected(withReadiness)
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = StatusTimeout
			continue
		}
		start := time.Now()
		err := checkers[name].CheckHealth(ctx)
		metrics.RecordHealthCheck(name, err == nil, time.Since(start))
		switch {
		case err == nil:
			checks[name] = StatusHealthy
		case stderrors.Is(err, ErrDegraded):
			checks[name] = StatusDegraded
		default:
			checks[name] = StatusUnhealthy
		}
	}
	return checks
}

func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		if status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if status == StatusDegraded || status == StatusTimeout {
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

type probe struct {
	name      string
	timeout   time.Duration
	readiness bool
	failure   string
}

var (
	aggregateProbe = probe{name: "aggregate", timeout: 5 * time.Second, readiness: true, failure: "aggregate health check failed"}
	liveProbe      = probe{name: "live", timeout: 2 * time.Second, failure: "liveness probe failed"}
	readyProbe     = probe{name: "ready", timeout: 5 * time.Second, readiness: true, failure: "readiness probe failed"}
	startupProbe   = probe{name: "startup", timeout: 3 * time.Second, failure: "startup probe failed"}
)

func (hm *HealthManager) serveProbe(w http.ResponseWriter, r *http.Request, p probe) {
	checkCtx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx, p.readiness)
	status := hm.determineOverallStatus(checks)

	if status == StatusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", p.failure)
		respondWithError(w, r, enrichHealthEnvelope(envelope, p.name, status, checks))
		return
	}

	var response any = ProbeResponse{Status: status, Timestamp: time.Now().UTC()}
	if p == aggregateProbe {
		response = HealthResponse{
			Status:    status,
			Version:   hm.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, aggregateProbe)
}

// LivenessHandler handles liveness probe requests
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, liveProbe)
}

// ReadinessHandler handles readiness probe requests
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, readyProbe)
}

// StartupHandler handles startup probe requests
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, startupProbe)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	details := map[string]interface{}{
		"status": status,
		"probe":  probe,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
		"probe":  probe,
	}
	var unhealthy []string
	for name, result := range checks {
		if result != StatusHealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
