package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Incident is one 429 response as the server reported it.
type Incident struct {
	ID         int64         `json:"id,omitempty"`
	Route      string        `json:"route"`
	Bucket     string        `json:"bucket,omitempty"`
	Scope      string        `json:"scope,omitempty"`
	Global     bool          `json:"global"`
	RetryAfter time.Duration `json:"retry_after_ns"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// IncidentRecorder persists incidents for operators.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, incident Incident) error
}

// IncidentQuery narrows a listing. Zero fields match everything; Limit 0
// means no limit.
type IncidentQuery struct {
	Route string
	Since time.Time
	Limit int
}

func (q IncidentQuery) matches(in Incident) bool {
	if q.Route != "" && in.Route != q.Route {
		return false
	}
	return q.Since.IsZero() || !in.OccurredAt.Before(q.Since)
}

// IncidentStore records, lists and clears incidents.
type IncidentStore interface {
	IncidentRecorder
	ListIncidents(ctx context.Context, q IncidentQuery) ([]Incident, error)
	ResetIncidents(ctx context.Context, route string) (int64, error)
}

// IncidentLog keeps the most recent incidents in memory. It is used when no
// database is configured.
type IncidentLog struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	entries  []Incident
}

// NewIncidentLog creates a log holding at most capacity incidents.
func NewIncidentLog(capacity int) *IncidentLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &IncidentLog{capacity: capacity}
}

func (l *IncidentLog) RecordIncident(_ context.Context, incident Incident) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	incident.ID = l.nextID
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, incident)
	return nil
}

// ListIncidents returns matching incidents, newest first.
func (l *IncidentLog) ListIncidents(_ context.Context, q IncidentQuery) ([]Incident, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Incident
	for i := len(l.entries) - 1; i >= 0; i-- {
		if !q.matches(l.entries[i]) {
			continue
		}
		out = append(out, l.entries[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ResetIncidents drops incidents of route, or all of them for "".
func (l *IncidentLog) ResetIncidents(_ context.Context, route string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	var removed int64
	for _, in := range l.entries {
		if route == "" || in.Route == route {
			removed++
			continue
		}
		kept = append(kept, in)
	}
	l.entries = kept
	return removed, nil
}

var _ IncidentStore = (*IncidentLog)(nil)
