package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shardline/shardline/internal/metrics"
	"github.com/shardline/shardline/internal/observability"
)

const (
	maxResumeRejections   = 2
	maxIdentifyRejections = 3

	// DefaultCommandsPerMinute is the server-side outbound limit per connection.
	DefaultCommandsPerMinute = 120
	heartbeatHeadroom        = 3

	closeNormal    = 1000
	closeResumable = 4000
)

var errReconnectRequested = errors.New("gateway: server requested reconnect")

// SessionConfig configures one shard session.
type SessionConfig struct {
	Shard          ShardID
	URL            string
	Token          string
	Intents        uint64
	LargeThreshold int
	Presence       json.RawMessage
	Properties     IdentifyProperties
	Compression    Compression

	// Gate spaces identifies across shards. Nil identifies without waiting.
	Gate       *IdentifyGate
	Validator  Validator
	CloseCodes *CloseCodeTable
	Backoff    Backoff

	CommandsPerMinute int

	// InvalidSessionDelay returns the pause before re-identifying after a
	// non-resumable invalid session. Defaults to a random 1-5s.
	InvalidSessionDelay func() time.Duration
	HeartbeatJitter     func() float64

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger observability.Logger
}

func (c *SessionConfig) setDefaults() {
	if c.Shard.Total < 1 {
		c.Shard.Total = 1
	}
	if c.Properties == (IdentifyProperties{}) {
		c.Properties = IdentifyProperties{OS: runtime.GOOS, Browser: "shardline", Device: "shardline"}
	}
	if c.Validator == nil {
		c.Validator = DefaultValidator{}
	}
	if c.CloseCodes == nil {
		c.CloseCodes = DefaultCloseCodes()
	}
	if c.Backoff.Min <= 0 && c.Backoff.Max <= 0 {
		def := DefaultBackoff()
		c.Backoff.Min, c.Backoff.Max, c.Backoff.Multiplier = def.Min, def.Max, def.Multiplier
	}
	if c.CommandsPerMinute <= heartbeatHeadroom {
		c.CommandsPerMinute = DefaultCommandsPerMinute
	}
	if c.InvalidSessionDelay == nil {
		c.InvalidSessionDelay = func() time.Duration {
			return time.Second + time.Duration(rand.Int64N(int64(4*time.Second)))
		}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
}

// Session drives one shard through identify, resume and reconnect. It owns
// the connection and reports everything upward as Events.
type Session struct {
	cfg     SessionConfig
	events  chan<- Event
	limiter *rate.Limiter

	mu             sync.RWMutex
	state          State
	seq            *uint64
	sessionID      string
	resumeURL      string
	driver         *Driver
	reconnects     int
	lastErr        error
	lastTransition time.Time
}

// NewSession creates a disconnected session that reports to events.
func NewSession(cfg SessionConfig, events chan<- Event) *Session {
	cfg.setDefaults()
	budget := cfg.CommandsPerMinute - heartbeatHeadroom
	return &Session{
		cfg:            cfg,
		events:         events,
		limiter:        rate.NewLimiter(rate.Every(time.Minute/time.Duration(budget)), budget),
		lastTransition: cfg.Clock.Now(),
	}
}

// Shard returns the shard this session serves.
func (s *Session) Shard() ShardID {
	return s.cfg.Shard
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot for operators.
func (s *Session) Status() ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := ShardStatus{
		Shard:          s.cfg.Shard,
		State:          s.state,
		SessionID:      s.sessionID,
		Reconnects:     s.reconnects,
		LastTransition: s.lastTransition,
	}
	if s.seq != nil {
		seq := *s.seq
		st.Sequence = &seq
	}
	if s.driver != nil {
		st.Latency = s.driver.Latency()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Send writes an application command. Only presence, voice state and member
// requests are accepted; the session owns every other opcode.
func (s *Session) Send(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
	default:
		return fmt.Errorf("gateway: %s is managed by the session", cmd.Op)
	}

	s.mu.RLock()
	state, driver := s.state, s.driver
	s.mu.RUnlock()
	if state != StateReady || driver == nil {
		return ErrShardNotReady
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return driver.Send(ctx, cmd)
}

// Run connects and keeps the session alive until ctx is cancelled or a fatal
// error occurs. Fatal errors emit EventShardDown and are returned.
func (s *Session) Run(ctx context.Context) error {
	var (
		attempt         int
		resumeRejects   int
		identifyRejects int
		immediate       = true
	)

	for {
		if !immediate {
			attempt++
			if err := s.sleep(ctx, s.cfg.Backoff.Delay(attempt)); err != nil {
				return s.stop(err)
			}
		}

		ready, err := s.connection(ctx)
		if ctx.Err() != nil {
			return s.stop(ctx.Err())
		}
		if ready {
			attempt, resumeRejects, identifyRejects = 0, 0, 0
		}
		prev := s.State()

		var invalid *InvalidSessionError
		switch {
		case IsFatal(err):
			return s.fatal(ctx, err)

		case errors.Is(err, errReconnectRequested):
			immediate = true

		case errors.As(err, &invalid) && invalid.Resumable:
			resumeRejects++
			if resumeRejects >= maxResumeRejections {
				return s.fatal(ctx, &FatalError{Kind: FatalResume, Reason: "resume rejected repeatedly", Err: err})
			}
			immediate = true

		case errors.As(err, &invalid):
			if prev == StateIdentifying {
				identifyRejects++
				if identifyRejects >= maxIdentifyRejections {
					return s.fatal(ctx, &FatalError{Kind: FatalIdentify, Reason: "identify rejected repeatedly", Err: err})
				}
			}
			immediate = true

		default:
			var ce *CloseError
			if errors.As(err, &ce) && s.cfg.CloseCodes.Classify(ce.Code).Action == ActionReidentify && s.clearSession() {
				// The next READY restarts the sequence.
				s.emit(ctx, Event{Kind: EventInvalidSession, Shard: s.cfg.Shard.Index, Err: err})
			}
			immediate = false
		}

		s.reconnecting(ctx, err)
	}
}

// connection runs one websocket connection to completion. It reports whether
// the session reached Ready on it.
func (s *Session) connection(ctx context.Context) (bool, error) {
	s.mu.RLock()
	seq, sessionID, resumeURL := s.seq, s.sessionID, s.resumeURL
	s.mu.RUnlock()
	resume := sessionID != "" && seq != nil

	endpoint := s.cfg.URL
	var cmd Command
	if resume {
		payload := Resume{Token: s.cfg.Token, SessionID: sessionID, Sequence: *seq}
		if err := s.cfg.Validator.ValidateResume(payload); err != nil {
			return false, &FatalError{Kind: FatalValidation, Err: err}
		}
		cmd = Command{Op: OpResume, Data: payload}
		if resumeURL != "" {
			endpoint = resumeURL
		}
	} else {
		payload := s.identifyPayload()
		if err := s.cfg.Validator.ValidateIdentify(payload); err != nil {
			return false, &FatalError{Kind: FatalValidation, Err: err}
		}
		cmd = Command{Op: OpIdentify, Data: payload}
	}

	s.setState(StateConnecting)
	spanCtx, span := observability.StartConnectSpan(ctx, s.cfg.Shard.Index, resume)
	driver, err := Dial(spanCtx, endpoint, DriverOptions{
		Compression:     s.cfg.Compression,
		Dialer:          s.cfg.Dialer,
		InitialSequence: seq,
		Jitter:          s.cfg.HeartbeatJitter,
		Clock:           s.cfg.Clock,
		Logger:          s.cfg.Logger,
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		return false, err
	}
	s.setDriver(driver)
	defer s.setDriver(nil)

	if resume {
		s.setState(StateResuming)
	} else {
		s.setState(StateIdentifying)
		if s.cfg.Gate != nil {
			if err := s.cfg.Gate.Wait(ctx, s.cfg.Shard.Index); err != nil {
				driver.Close(closeNormal, "shutting down")
				return false, err
			}
		}
	}

	if err := driver.Send(ctx, cmd); err != nil {
		driver.Abort()
		return false, err
	}
	s.cfg.Logger.Debug("Session payload sent",
		zap.Int("shard", s.cfg.Shard.Index),
		zap.Bool("resume", resume),
		zap.String("endpoint", endpoint))

	ready := false
	for {
		select {
		case <-ctx.Done():
			driver.Close(closeNormal, "shutting down")
			return ready, ctx.Err()

		case frame, ok := <-driver.Frames():
			if !ok {
				return ready, s.closeCause(driver.Err())
			}
			r, err := s.handle(ctx, driver, frame)
			ready = ready || r
			if err != nil {
				driver.Abort()
				return ready, err
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, driver *Driver, frame Frame) (bool, error) {
	switch frame.Op {
	case OpDispatch:
		return s.dispatch(ctx, frame)

	case OpReconnect:
		driver.Close(closeResumable, "reconnect requested")
		return false, errReconnectRequested

	case OpInvalidSession:
		var resumable bool
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &resumable); err != nil {
				return false, &ProtocolError{Reason: "malformed INVALID_SESSION", Err: err}
			}
		}
		if resumable {
			driver.Close(closeResumable, "session invalidated")
			return false, &InvalidSessionError{Resumable: true}
		}

		s.clearSession()
		s.emit(ctx, Event{Kind: EventInvalidSession, Shard: s.cfg.Shard.Index})
		if err := s.sleep(ctx, s.cfg.InvalidSessionDelay()); err != nil {
			driver.Close(closeNormal, "shutting down")
			return false, err
		}
		driver.Close(closeNormal, "session invalidated")
		return false, &InvalidSessionError{}

	case OpHello:
		return false, &ProtocolError{Reason: "unexpected HELLO on open connection"}

	default:
		s.cfg.Logger.Debug("Ignoring gateway frame",
			zap.Int("shard", s.cfg.Shard.Index),
			zap.Stringer("op", frame.Op))
		return false, nil
	}
}

func (s *Session) dispatch(ctx context.Context, frame Frame) (bool, error) {
	var seq uint64
	if frame.Sequence != nil {
		seq = *frame.Sequence

		s.mu.Lock()
		last := s.seq
		switch {
		case last != nil && seq <= *last:
			s.mu.Unlock()
			s.cfg.Logger.Debug("Dropping replayed dispatch",
				zap.Int("shard", s.cfg.Shard.Index),
				zap.Uint64("seq", seq),
				zap.Uint64("last", *last),
				zap.String("type", frame.Type))
			return false, nil
		case last != nil && seq > *last+1:
			expected := *last + 1
			s.mu.Unlock()
			return false, &ProtocolError{Reason: fmt.Sprintf("sequence gap: expected %d, got %d", expected, seq)}
		}
		s.seq = &seq
		s.mu.Unlock()
	}

	switch frame.Type {
	case EventReady:
		var ready Ready
		if err := json.Unmarshal(frame.Data, &ready); err != nil {
			return false, &ProtocolError{Reason: "malformed READY", Err: err}
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.mu.Unlock()
		s.setState(StateReady)
		s.cfg.Logger.Info("Shard ready",
			zap.Int("shard", s.cfg.Shard.Index),
			zap.Int("total", s.cfg.Shard.Total),
			zap.String("session_id", ready.SessionID))
		s.emit(ctx, Event{Kind: EventShardReady, Shard: s.cfg.Shard.Index, Type: frame.Type, Sequence: seq, Data: frame.Data})
		return true, nil

	case EventResumed:
		if s.State() == StateReady {
			return false, nil
		}
		s.setState(StateReady)
		s.cfg.Logger.Info("Shard resumed",
			zap.Int("shard", s.cfg.Shard.Index),
			zap.Uint64("seq", seq))
		s.emit(ctx, Event{Kind: EventShardResumed, Shard: s.cfg.Shard.Index, Type: frame.Type, Sequence: seq})
		return true, nil
	}

	s.emit(ctx, Event{Kind: EventDispatch, Shard: s.cfg.Shard.Index, Type: frame.Type, Sequence: seq, Data: frame.Data})
	return false, nil
}

func (s *Session) identifyPayload() Identify {
	return Identify{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.Shard.Index, s.cfg.Shard.Total},
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	}
}

func (s *Session) closeCause(err error) error {
	var ce *CloseError
	if errors.As(err, &ce) {
		return s.cfg.CloseCodes.errorFor(ce)
	}
	if err == nil {
		return &TransportError{Op: "read", Err: io.EOF}
	}
	return err
}

func (s *Session) reconnecting(ctx context.Context, cause error) {
	s.mu.Lock()
	s.reconnects++
	s.lastErr = cause
	s.mu.Unlock()
	s.setState(StateReconnecting)

	s.cfg.Logger.Warn("Shard reconnecting",
		zap.Int("shard", s.cfg.Shard.Index),
		zap.Error(cause))
	metrics.RecordReconnect(s.cfg.Shard.Index, reconnectReason(cause))
	s.emit(ctx, Event{Kind: EventReconnecting, Shard: s.cfg.Shard.Index, Err: cause})
}

func (s *Session) fatal(ctx context.Context, err error) error {
	s.clearSession()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateDisconnected)

	s.cfg.Logger.Error("Shard down",
		zap.Int("shard", s.cfg.Shard.Index),
		zap.Error(err))
	s.emit(ctx, Event{Kind: EventShardDown, Shard: s.cfg.Shard.Index, Err: err})
	return err
}

func (s *Session) stop(err error) error {
	s.setState(StateDisconnected)
	return err
}

// clearSession drops the resume state and reports whether there was any.
func (s *Session) clearSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.sessionID != "" || s.seq != nil
	s.seq = nil
	s.sessionID = ""
	s.resumeURL = ""
	return held
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.lastTransition = s.cfg.Clock.Now()
	s.mu.Unlock()
	metrics.SetShardState(s.cfg.Shard.Index, int(state))
}

func (s *Session) setDriver(d *Driver) {
	s.mu.Lock()
	prev := s.driver
	s.driver = d
	s.mu.Unlock()
	if d == nil && prev != nil {
		if latency := prev.Latency(); latency > 0 {
			metrics.RecordHeartbeatLatency(s.cfg.Shard.Index, latency)
		}
	}
}

// emit blocks until the event is consumed or ctx ends.
func (s *Session) emit(ctx context.Context, ev Event) {
	if s.events == nil {
		return
	}
	metrics.RecordGatewayEvent(ev.Shard, string(ev.Kind))
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.cfg.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reconnectReason(err error) string {
	var (
		ce      *CloseError
		invalid *InvalidSessionError
		proto   *ProtocolError
	)
	switch {
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, errReconnectRequested):
		return "reconnect_requested"
	case errors.As(err, &invalid):
		return "invalid_session"
	case errors.As(err, &ce):
		return fmt.Sprintf("close_%d", ce.Code)
	case errors.As(err, &proto):
		return "protocol"
	default:
		return "transport"
	}
}
