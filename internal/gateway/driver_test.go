package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialFake(t *testing.T, g *fakeGateway, opts DriverOptions) (*Driver, *fakeConn) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Jitter == nil {
		opts.Jitter = func() float64 { return 0.99 }
	}
	d, err := Dial(context.Background(), g.URL(), opts)
	require.NoError(t, err)
	t.Cleanup(d.Abort)
	return d, g.accept(t)
}

func TestGatewayURL(t *testing.T) {
	got, err := gatewayURL("wss://gateway.example.com/?v=6", CompressionZlibStream)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.com/?compress=zlib-stream&encoding=json&v=10", got)

	got, err = gatewayURL("https://gateway.example.com", CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.com?encoding=json&v=10", got)

	_, err = gatewayURL("ftp://gateway.example.com", CompressionNone)
	assert.Error(t, err)
}

func TestDialReadsHello(t *testing.T) {
	g := newFakeGateway(t)
	g.setInterval(41250)

	d, conn := dialFake(t, g, DriverOptions{})

	assert.Equal(t, 41250*time.Millisecond, d.HeartbeatInterval())
	assert.Equal(t, "10", conn.query.Get("v"))
	assert.Equal(t, "json", conn.query.Get("encoding"))
	assert.Empty(t, conn.query.Get("compress"))
	assert.NoError(t, d.Err())
}

func TestDialFailsWithTransportError(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/", DriverOptions{HandshakeTimeout: time.Second})
	require.Error(t, err)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "dial", terr.Op)
}

func TestDriverDeliversFrames(t *testing.T) {
	g := newFakeGateway(t)
	d, conn := dialFake(t, g, DriverOptions{})

	conn.dispatch(t, 7, "MESSAGE_CREATE", map[string]string{"id": "1"})

	select {
	case f := <-d.Frames():
		assert.Equal(t, OpDispatch, f.Op)
		assert.Equal(t, "MESSAGE_CREATE", f.Type)
		require.NotNil(t, f.Sequence)
		assert.Equal(t, uint64(7), *f.Sequence)
		assert.JSONEq(t, `{"id":"1"}`, string(f.Data))
	case <-time.After(testTimeout):
		t.Fatal("no frame delivered")
	}
}

func TestDriverZlibStream(t *testing.T) {
	g := newFakeGateway(t)
	g.setInterval(30000)

	d, conn := dialFake(t, g, DriverOptions{Compression: CompressionZlibStream})
	assert.Equal(t, "zlib-stream", conn.query.Get("compress"))
	assert.Equal(t, 30*time.Second, d.HeartbeatInterval())

	for seq := uint64(1); seq <= 3; seq++ {
		conn.dispatch(t, seq, "TYPING_START", map[string]uint64{"n": seq})
	}
	for seq := uint64(1); seq <= 3; seq++ {
		select {
		case f := <-d.Frames():
			require.NotNil(t, f.Sequence)
			assert.Equal(t, seq, *f.Sequence)
		case <-time.After(testTimeout):
			t.Fatalf("frame %d not delivered", seq)
		}
	}
}

// A 45s interval with no acknowledgements fails on the second missed ack.
func TestDriverHeartbeatTimeout(t *testing.T) {
	g := newFakeGateway(t)
	g.setInterval(45000)
	mock := clock.NewMock()

	d, conn := dialFake(t, g, DriverOptions{Clock: mock, Jitter: func() float64 { return 0 }})

	first := conn.expect(t, OpHeartbeat)
	assert.Equal(t, "null", string(first.Data))

	mock.Add(45 * time.Second)
	conn.expect(t, OpHeartbeat)

	mock.Add(45 * time.Second)

	select {
	case <-d.Done():
	case <-time.After(testTimeout):
		t.Fatal("driver did not give up on heartbeats")
	}
	require.ErrorIs(t, d.Err(), ErrHeartbeatTimeout)

	var terr *TransportError
	require.ErrorAs(t, d.Err(), &terr)
	assert.Equal(t, "heartbeat", terr.Op)

	// Non-graceful: no close frame reaches the server.
	assert.Equal(t, 0, conn.waitClosed(t))

	_, open := <-d.Frames()
	assert.False(t, open)
}

func TestDriverAckKeepsConnectionAlive(t *testing.T) {
	g := newFakeGateway(t)
	mock := clock.NewMock()

	d, conn := dialFake(t, g, DriverOptions{Clock: mock, Jitter: func() float64 { return 0 }})

	for i := 0; i < 4; i++ {
		conn.expect(t, OpHeartbeat)
		conn.op(t, OpHeartbeatAck, nil)
		mock.Add(45 * time.Second)
	}
	conn.expect(t, OpHeartbeat)
	assert.NoError(t, d.Err())
}

func TestDriverHeartbeatCarriesSequence(t *testing.T) {
	g := newFakeGateway(t)
	seq := uint64(42)
	d, conn := dialFake(t, g, DriverOptions{InitialSequence: &seq})

	conn.op(t, OpHeartbeat, nil)
	beat := conn.expect(t, OpHeartbeat)
	assert.Equal(t, "42", string(beat.Data))

	conn.dispatch(t, 43, "GUILD_CREATE", map[string]string{})
	<-d.Frames()

	conn.op(t, OpHeartbeat, nil)
	beat = conn.expect(t, OpHeartbeat)
	assert.Equal(t, "43", string(beat.Data))
}

func TestDriverServerClose(t *testing.T) {
	g := newFakeGateway(t)
	d, conn := dialFake(t, g, DriverOptions{})

	conn.closeWith(4004, "Authentication failed.")

	select {
	case <-d.Done():
	case <-time.After(testTimeout):
		t.Fatal("driver did not observe close")
	}
	var ce *CloseError
	require.ErrorAs(t, d.Err(), &ce)
	assert.Equal(t, 4004, ce.Code)
	assert.Equal(t, "Authentication failed.", ce.Reason)
}

func TestDriverCloseSendsCode(t *testing.T) {
	g := newFakeGateway(t)
	d, conn := dialFake(t, g, DriverOptions{})

	d.Close(4000, "reconnect")
	assert.Equal(t, 4000, conn.waitClosed(t))
	assert.ErrorIs(t, d.Err(), ErrClosed)
	assert.ErrorIs(t, d.Send(context.Background(), Command{Op: OpPresenceUpdate}), ErrClosed)
}

func TestDriverSendSerializesCommand(t *testing.T) {
	g := newFakeGateway(t)
	d, conn := dialFake(t, g, DriverOptions{})

	require.NoError(t, d.Send(context.Background(), Command{Op: OpPresenceUpdate, Data: map[string]string{"status": "idle"}}))
	f := conn.expect(t, OpPresenceUpdate)

	var body map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Equal(t, "idle", body["status"])
}
