package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Outcome is the result of an admission decision.
type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeMustWait  Outcome = "must_wait"
	OutcomeLimited   Outcome = "limited"
)

// StatsEvent describes one admission decision.
//
// Route is the normalized route group; raw paths would blow up the number
// of keys a backing store has to hold.
type StatsEvent struct {
	Route   string
	Bucket  string
	Outcome Outcome
	Global  bool
	Waited  time.Duration
	At      time.Time
}

// StatsRecorder persists admission statistics. Callers treat errors as
// best-effort.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// Counters is a per-outcome tally.
type Counters map[Outcome]int64

// MemoryStats keeps admission statistics in process memory.
type MemoryStats struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	waited  time.Duration
}

// NewMemoryStats creates an empty in-memory recorder.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		total:   make(Counters),
		byRoute: make(map[string]Counters),
	}
}

func (s *MemoryStats) Record(_ context.Context, ev StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Outcome]++
	c := s.byRoute[ev.Route]
	if c == nil {
		c = make(Counters)
		s.byRoute[ev.Route] = c
	}
	c[ev.Outcome]++
	s.waited += ev.Waited
	return nil
}

// Total returns a copy of the overall counters.
func (s *MemoryStats) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Counters, len(s.total))
	for k, v := range s.total {
		out[k] = v
	}
	return out
}

// ByRoute returns a copy of the per-route counters.
func (s *MemoryStats) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for route, c := range s.byRoute {
		cp := make(Counters, len(c))
		for k, v := range c {
			cp[k] = v
		}
		out[route] = cp
	}
	return out
}

// Waited is the total time spent queued across all recorded events.
func (s *MemoryStats) Waited() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waited
}

// MultiStats fans each event out to every recorder.
type MultiStats []StatsRecorder

func (m MultiStats) Record(ctx context.Context, ev StatsEvent) error {
	var err error
	for _, r := range m {
		if r != nil {
			err = multierr.Append(err, r.Record(ctx, ev))
		}
	}
	return err
}
