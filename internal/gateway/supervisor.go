package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardline/shardline/internal/observability"
)

// DefaultRestartBackoff is the pause before restarting a shard after a
// non-authentication fatal error.
const DefaultRestartBackoff = 30 * time.Second

// SessionStartLimit is the identify budget reported by the REST API.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

// ResetAfterDuration converts ResetAfter from milliseconds.
func (l SessionStartLimit) ResetAfterDuration() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// BotGateway is the response of GET /gateway/bot.
type BotGateway struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// BotGatewayFetcher looks up the gateway URL and recommended sharding.
type BotGatewayFetcher interface {
	GatewayBot(ctx context.Context) (*BotGateway, error)
}

// SupervisorConfig configures a set of shards sharing one identify gate.
type SupervisorConfig struct {
	URL            string
	Token          string
	Intents        uint64
	LargeThreshold int
	Presence       json.RawMessage
	Compression    Compression

	// FirstShard..LastShard of TotalShards run in this process. A negative
	// LastShard runs through the last shard. A zero TotalShards is filled in
	// from the Fetcher.
	FirstShard  int
	LastShard   int
	TotalShards int

	MaxConcurrency int
	IdentifyWindow time.Duration

	CloseCodes *CloseCodeTable
	Validator  Validator
	Backoff    Backoff

	// Shards stopped by a fatal error other than authentication are
	// restarted through the identify gate after RestartBackoff. ParkFatal
	// leaves them down until Restart is called.
	ParkFatal      bool
	RestartBackoff time.Duration

	EventBuffer int
	Fetcher     BotGatewayFetcher

	HeartbeatJitter     func() float64
	InvalidSessionDelay func() time.Duration

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger observability.Logger
}

// Supervisor runs shards and fans their events into one stream.
type Supervisor struct {
	cfg    SupervisorConfig
	gate   *IdentifyGate
	events chan Event

	mu      sync.RWMutex
	shards  map[int]*shardRunner
	started bool
	cancel  context.CancelFunc
	group   errgroup.Group

	errMu sync.Mutex
	errs  error

	closeOnce sync.Once
	closeErr  error
}

type shardRunner struct {
	session *Session
	restart chan struct{}
	down    atomic.Bool
}

// NewSupervisor creates a supervisor. Shards are created by Start.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Supervisor{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		shards: make(map[int]*shardRunner),
	}
}

// Events is the merged event stream of every shard. It is closed by Close.
func (sv *Supervisor) Events() <-chan Event {
	return sv.events
}

// Start resolves sharding, then launches one goroutine per shard. Identifies
// are spaced by the identify gate.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	if sv.started {
		sv.mu.Unlock()
		return fmt.Errorf("gateway: supervisor already started")
	}
	sv.started = true
	sv.mu.Unlock()

	if err := sv.autoconfigure(ctx); err != nil {
		return err
	}
	cfg := sv.cfg
	if cfg.LastShard < 0 {
		cfg.LastShard = cfg.TotalShards - 1
	}
	if cfg.FirstShard < 0 || cfg.LastShard < cfg.FirstShard || cfg.LastShard >= cfg.TotalShards {
		return fmt.Errorf("gateway: invalid shard range [%d,%d] of %d", cfg.FirstShard, cfg.LastShard, cfg.TotalShards)
	}
	sv.cfg = cfg
	sv.gate = NewIdentifyGate(cfg.MaxConcurrency, cfg.IdentifyWindow, cfg.Clock)

	runCtx, cancel := context.WithCancel(ctx)

	sv.mu.Lock()
	sv.cancel = cancel
	for id := cfg.FirstShard; id <= cfg.LastShard; id++ {
		sv.shards[id] = &shardRunner{
			session: NewSession(sv.sessionConfig(id), sv.events),
			restart: make(chan struct{}, 1),
		}
	}
	runners := make(map[int]*shardRunner, len(sv.shards))
	for id, r := range sv.shards {
		runners[id] = r
	}
	sv.mu.Unlock()

	sv.cfg.Logger.Info("Starting shards",
		zap.Int("first", cfg.FirstShard),
		zap.Int("last", cfg.LastShard),
		zap.Int("total", cfg.TotalShards),
		zap.Int("max_concurrency", sv.gate.MaxConcurrency()))

	for _, r := range runners {
		sv.group.Go(func() error {
			return sv.runShard(runCtx, r)
		})
	}
	return nil
}

func (sv *Supervisor) autoconfigure(ctx context.Context) error {
	if sv.cfg.URL != "" && sv.cfg.TotalShards > 0 {
		return nil
	}
	if sv.cfg.Fetcher == nil {
		if sv.cfg.URL == "" {
			return fmt.Errorf("gateway: no gateway url configured")
		}
		sv.cfg.TotalShards = 1
		return nil
	}

	bot, err := sv.cfg.Fetcher.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("gateway: fetch bot gateway: %w", err)
	}
	if sv.cfg.URL == "" {
		sv.cfg.URL = bot.URL
	}
	if sv.cfg.TotalShards <= 0 {
		sv.cfg.TotalShards = max(bot.Shards, 1)
	}
	if sv.cfg.MaxConcurrency <= 0 {
		sv.cfg.MaxConcurrency = bot.SessionStartLimit.MaxConcurrency
	}

	limit := bot.SessionStartLimit
	if limit.Total > 0 && limit.Remaining == 0 {
		wait := limit.ResetAfterDuration()
		sv.cfg.Logger.Warn("Session start limit exhausted, waiting for reset",
			zap.Duration("reset_after", wait))
		timer := sv.cfg.Clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

func (sv *Supervisor) sessionConfig(id int) SessionConfig {
	return SessionConfig{
		Shard:               ShardID{Index: id, Total: sv.cfg.TotalShards},
		URL:                 sv.cfg.URL,
		Token:               sv.cfg.Token,
		Intents:             sv.cfg.Intents,
		LargeThreshold:      sv.cfg.LargeThreshold,
		Presence:            sv.cfg.Presence,
		Compression:         sv.cfg.Compression,
		Gate:                sv.gate,
		Validator:           sv.cfg.Validator,
		CloseCodes:          sv.cfg.CloseCodes,
		Backoff:             sv.cfg.Backoff,
		InvalidSessionDelay: sv.cfg.InvalidSessionDelay,
		HeartbeatJitter:     sv.cfg.HeartbeatJitter,
		Dialer:              sv.cfg.Dialer,
		Clock:               sv.cfg.Clock,
		Logger:              sv.cfg.Logger,
	}
}

// runShard keeps one shard alive. A fatal error parks the shard until it is
// restarted; the last fatal error is reported at shutdown.
func (sv *Supervisor) runShard(ctx context.Context, r *shardRunner) error {
	id := r.session.Shard().Index
	for {
		err := r.session.Run(ctx)
		if ctx.Err() != nil && !IsFatal(err) {
			return nil
		}
		r.down.Store(true)

		var (
			auto  <-chan time.Time
			timer *clock.Timer
		)
		if !sv.cfg.ParkFatal && !IsAuthentication(err) {
			timer = sv.cfg.Clock.Timer(sv.cfg.RestartBackoff)
			auto = timer.C
		}

		select {
		case <-ctx.Done():
			sv.recordErr(fmt.Errorf("shard %d: %w", id, err))
			return nil
		case <-r.restart:
			if timer != nil {
				timer.Stop()
			}
		case <-auto:
		}
		r.down.Store(false)
		sv.cfg.Logger.Info("Restarting shard",
			zap.Int("shard", id),
			zap.NamedError("after", err))
	}
}

func (sv *Supervisor) recordErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	sv.errMu.Lock()
	defer sv.errMu.Unlock()
	sv.errs = multierr.Append(sv.errs, err)
}

func (sv *Supervisor) runner(shard int) (*shardRunner, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	r, ok := sv.shards[shard]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, shard)
	}
	return r, nil
}

// Restart brings a shard that stopped on a fatal error back up. It is the
// only way to recover from an authentication failure.
func (sv *Supervisor) Restart(shard int) error {
	r, err := sv.runner(shard)
	if err != nil {
		return err
	}
	if !r.down.Load() {
		return fmt.Errorf("%w: %d", ErrShardRunning, shard)
	}
	select {
	case r.restart <- struct{}{}:
	default:
	}
	return nil
}

// Send writes a command on a shard. It fails with ErrShardNotReady unless the
// shard is Ready.
func (sv *Supervisor) Send(ctx context.Context, shard int, cmd Command) error {
	r, err := sv.runner(shard)
	if err != nil {
		return err
	}
	return r.session.Send(ctx, cmd)
}

// Status reports every shard in index order.
func (sv *Supervisor) Status() []ShardStatus {
	sv.mu.RLock()
	out := make([]ShardStatus, 0, len(sv.shards))
	for _, r := range sv.shards {
		out = append(out, r.status())
	}
	sv.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Shard.Index < out[j].Shard.Index })
	return out
}

// ShardStatus reports one shard.
func (sv *Supervisor) ShardStatus(shard int) (ShardStatus, error) {
	r, err := sv.runner(shard)
	if err != nil {
		return ShardStatus{}, err
	}
	return r.status(), nil
}

func (r *shardRunner) status() ShardStatus {
	st := r.session.Status()
	st.Down = r.down.Load()
	return st
}

// Close stops every shard, waits for them and closes Events. It returns the
// fatal errors of shards that were down at shutdown.
func (sv *Supervisor) Close() error {
	sv.closeOnce.Do(func() {
		sv.mu.RLock()
		cancel := sv.cancel
		sv.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		sv.recordErr(sv.group.Wait())
		close(sv.events)

		sv.errMu.Lock()
		sv.closeErr = sv.errs
		sv.errMu.Unlock()
	})
	return sv.closeErr
}
