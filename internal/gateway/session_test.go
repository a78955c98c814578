package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sessionHarness struct {
	g       *fakeGateway
	session *Session
	events  chan Event
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
}

func startSession(t *testing.T, mutate func(*SessionConfig)) *sessionHarness {
	t.Helper()
	g := newFakeGateway(t)
	events := make(chan Event, 64)
	cfg := SessionConfig{
		Shard:               ShardID{Index: 0, Total: 1},
		URL:                 g.URL(),
		Token:               "token",
		Intents:             1 << 0,
		Backoff:             Backoff{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		InvalidSessionDelay: func() time.Duration { return 10 * time.Millisecond },
		HeartbeatJitter:     func() float64 { return 0.99 },
		Logger:              zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &sessionHarness{
		g:       g,
		session: NewSession(cfg, events),
		events:  events,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer close(h.done)
		h.err = h.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(testTimeout):
			t.Error("session did not stop")
		}
	})
	return h
}

// identify accepts a connection, checks the Identify and answers READY.
func (h *sessionHarness) identify(t *testing.T, seq uint64) *fakeConn {
	t.Helper()
	conn := h.g.accept(t)
	f := conn.expect(t, OpIdentify)

	var id Identify
	require.NoError(t, json.Unmarshal(f.Data, &id))
	assert.Equal(t, "token", id.Token)
	assert.Equal(t, [2]int{0, 1}, id.Shard)

	conn.ready(t, seq, "session-1", h.g.URL())
	ev := expectEvent(t, h.events, EventShardReady)
	assert.Equal(t, EventReady, ev.Type)
	return conn
}

func (h *sessionHarness) expectResume(t *testing.T) (*fakeConn, Resume) {
	t.Helper()
	conn := h.g.accept(t)
	f := conn.expect(t, OpResume)
	var r Resume
	require.NoError(t, json.Unmarshal(f.Data, &r))
	return conn, r
}

func (h *sessionHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(testTimeout):
		t.Fatal("session still running")
		return nil
	}
}

func TestSessionIdentifyAndReady(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.dispatch(t, 2, "MESSAGE_CREATE", map[string]string{"content": "hi"})
	ev := expectEvent(t, h.events, EventDispatch)
	assert.Equal(t, "MESSAGE_CREATE", ev.Type)
	assert.Equal(t, uint64(2), ev.Sequence)
	assert.JSONEq(t, `{"content":"hi"}`, string(ev.Data))

	st := h.session.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "session-1", st.SessionID)
	require.NotNil(t, st.Sequence)
	assert.Equal(t, uint64(2), *st.Sequence)
}

// Sequences stay gap-free and non-decreasing across a disconnect and resume.
func TestSessionResumeAfterDisconnect(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.dispatch(t, 2, "MESSAGE_CREATE", nil)
	expectEvent(t, h.events, EventDispatch)

	conn.drop()
	expectEvent(t, h.events, EventReconnecting)

	conn, resume := h.expectResume(t)
	assert.Equal(t, "session-1", resume.SessionID)
	assert.Equal(t, uint64(2), resume.Sequence)

	// Replay includes an already delivered event.
	conn.dispatch(t, 2, "MESSAGE_CREATE", nil)
	conn.dispatch(t, 3, "MESSAGE_UPDATE", nil)
	conn.dispatch(t, 4, EventResumed, nil)
	conn.dispatch(t, 5, "MESSAGE_DELETE", nil)

	var seqs []uint64
	ev := expectEvent(t, h.events, EventDispatch)
	seqs = append(seqs, ev.Sequence)
	expectEvent(t, h.events, EventShardResumed)
	ev = expectEvent(t, h.events, EventDispatch)
	seqs = append(seqs, ev.Sequence)

	assert.Equal(t, []uint64{3, 5}, seqs)
	assert.Equal(t, StateReady, h.session.State())
}

func TestSessionDuplicateResumedIsDropped(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.drop()
	expectEvent(t, h.events, EventReconnecting)
	conn, _ = h.expectResume(t)

	conn.dispatch(t, 2, EventResumed, nil)
	conn.dispatch(t, 2, EventResumed, nil)
	require.NoError(t, conn.send(Frame{Op: OpDispatch, Type: EventResumed}))
	conn.dispatch(t, 3, "PRESENCE_UPDATE", nil)

	expectEvent(t, h.events, EventShardResumed)
	ev := expectEvent(t, h.events, EventDispatch)
	assert.Equal(t, uint64(3), ev.Sequence)
}

func TestSessionSequenceGapForcesResume(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.dispatch(t, 3, "MESSAGE_CREATE", nil)

	ev := expectEvent(t, h.events, EventReconnecting)
	var perr *ProtocolError
	require.ErrorAs(t, ev.Err, &perr)

	_, resume := h.expectResume(t)
	assert.Equal(t, uint64(1), resume.Sequence)
}

func TestSessionReconnectOpcode(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.op(t, OpReconnect, nil)
	assert.Equal(t, closeResumable, conn.waitClosed(t))
	expectEvent(t, h.events, EventReconnecting)

	_, resume := h.expectResume(t)
	assert.Equal(t, "session-1", resume.SessionID)
}

func TestSessionInvalidSessionReidentifies(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 5)

	conn.op(t, OpInvalidSession, false)
	expectEvent(t, h.events, EventInvalidSession)
	assert.Equal(t, closeNormal, conn.waitClosed(t))
	expectEvent(t, h.events, EventReconnecting)

	conn = h.identify(t, 1)
	conn.dispatch(t, 2, "GUILD_CREATE", nil)
	ev := expectEvent(t, h.events, EventDispatch)
	assert.Equal(t, uint64(2), ev.Sequence)
}

// A close that forbids resuming restarts the sequence, so the application
// is told before the new READY arrives.
func TestSessionReidentifyCloseSignalsInvalidSession(t *testing.T) {
	for _, code := range []int{4007, 4009} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			h := startSession(t, nil)
			conn := h.identify(t, 1)
			conn.dispatch(t, 2, "MESSAGE_CREATE", nil)
			conn.dispatch(t, 3, "MESSAGE_CREATE", nil)
			expectEvent(t, h.events, EventDispatch)
			last := expectEvent(t, h.events, EventDispatch)
			require.Equal(t, uint64(3), last.Sequence)

			conn.closeWith(code, "session gone")
			ev := expectEvent(t, h.events, EventInvalidSession)
			var ce *CloseError
			require.ErrorAs(t, ev.Err, &ce)
			assert.Equal(t, code, ce.Code)
			expectEvent(t, h.events, EventReconnecting)

			conn = h.identify(t, 1)
			conn.dispatch(t, 2, "GUILD_CREATE", nil)
			assert.Equal(t, uint64(2), expectEvent(t, h.events, EventDispatch).Sequence)
		})
	}
}

func TestSessionResumeRejectedTwiceIsFatal(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	conn.drop()
	expectEvent(t, h.events, EventReconnecting)

	conn, _ = h.expectResume(t)
	conn.op(t, OpInvalidSession, true)
	expectEvent(t, h.events, EventReconnecting)

	conn, _ = h.expectResume(t)
	conn.op(t, OpInvalidSession, true)

	ev := expectEvent(t, h.events, EventShardDown)
	var fatal *FatalError
	require.ErrorAs(t, ev.Err, &fatal)
	assert.Equal(t, FatalResume, fatal.Kind)

	require.ErrorAs(t, h.result(t), &fatal)
	assert.Equal(t, StateDisconnected, h.session.State())
}

func TestSessionIdentifyRejectionCap(t *testing.T) {
	h := startSession(t, nil)

	for i := 1; i <= maxIdentifyRejections; i++ {
		conn := h.g.accept(t)
		conn.expect(t, OpIdentify)
		conn.op(t, OpInvalidSession, false)
		expectEvent(t, h.events, EventInvalidSession)
		if i < maxIdentifyRejections {
			expectEvent(t, h.events, EventReconnecting)
		}
	}

	ev := expectEvent(t, h.events, EventShardDown)
	var fatal *FatalError
	require.ErrorAs(t, ev.Err, &fatal)
	assert.Equal(t, FatalIdentify, fatal.Kind)
}

func TestSessionAuthenticationFailureIsFatal(t *testing.T) {
	h := startSession(t, nil)
	conn := h.g.accept(t)
	conn.expect(t, OpIdentify)
	conn.closeWith(4004, "Authentication failed.")

	ev := expectEvent(t, h.events, EventShardDown)
	assert.True(t, IsAuthentication(ev.Err))

	err := h.result(t)
	assert.True(t, IsAuthentication(err))
	assert.Equal(t, StateDisconnected, h.session.State())
}

func TestSessionDisallowedIntentsIsFatal(t *testing.T) {
	h := startSession(t, nil)
	conn := h.g.accept(t)
	conn.expect(t, OpIdentify)
	conn.closeWith(4014, "Disallowed intent(s).")

	ev := expectEvent(t, h.events, EventShardDown)
	var fatal *FatalError
	require.ErrorAs(t, ev.Err, &fatal)
	assert.Equal(t, FatalIntents, fatal.Kind)
	assert.Equal(t, 4014, fatal.Code)
}

func TestSessionInvalidPayloadIsFatal(t *testing.T) {
	h := startSession(t, func(cfg *SessionConfig) {
		cfg.Shard = ShardID{Index: 3, Total: 2}
	})

	ev := expectEvent(t, h.events, EventShardDown)
	var fatal *FatalError
	require.ErrorAs(t, ev.Err, &fatal)
	assert.Equal(t, FatalValidation, fatal.Kind)
}

func TestSessionSend(t *testing.T) {
	h := startSession(t, nil)

	err := h.session.Send(context.Background(), Command{Op: OpPresenceUpdate, Data: map[string]string{"status": "dnd"}})
	assert.ErrorIs(t, err, ErrShardNotReady)

	conn := h.identify(t, 1)

	require.NoError(t, h.session.Send(context.Background(), Command{Op: OpPresenceUpdate, Data: map[string]string{"status": "dnd"}}))
	conn.expect(t, OpPresenceUpdate)

	assert.Error(t, h.session.Send(context.Background(), Command{Op: OpIdentify}))
}

func TestSessionShutdownClosesNormally(t *testing.T) {
	h := startSession(t, nil)
	conn := h.identify(t, 1)

	h.cancel()
	assert.ErrorIs(t, h.result(t), context.Canceled)
	assert.Equal(t, closeNormal, conn.waitClosed(t))
	assert.Equal(t, StateDisconnected, h.session.State())
}

// Two unacknowledged heartbeats at 45s move the session to Reconnecting.
func TestSessionHeartbeatTimeoutReconnects(t *testing.T) {
	mock := clock.NewMock()
	h := startSession(t, func(cfg *SessionConfig) {
		cfg.Clock = mock
		cfg.HeartbeatJitter = func() float64 { return 0 }
	})
	h.g.setInterval(45000)

	conn := h.g.accept(t)
	conn.expect(t, OpIdentify)
	conn.ready(t, 1, "session-1", h.g.URL())
	expectEvent(t, h.events, EventShardReady)

	conn.waitHeartbeats(t, 1)
	mock.Add(45 * time.Second)
	conn.waitHeartbeats(t, 2)
	mock.Add(45 * time.Second)

	ev := expectEvent(t, h.events, EventReconnecting)
	assert.ErrorIs(t, ev.Err, ErrHeartbeatTimeout)
	assert.Equal(t, StateReconnecting, h.session.State())
}
