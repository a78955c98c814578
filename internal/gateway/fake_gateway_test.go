package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeGateway is an in-process gateway server. Each accepted connection gets
// a Hello and is handed to the test through accept.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *fakeConn

	mu       sync.Mutex
	interval int64
	all      []*fakeConn
}

type fakeConn struct {
	ws     *websocket.Conn
	query  url.Values
	frames chan Frame

	writeMu sync.Mutex
	zbuf    *bytes.Buffer
	zw      *zlib.Writer

	closeMu   sync.Mutex
	closeCode int

	heartbeats atomic.Int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:        t,
		conns:    make(chan *fakeConn, 16),
		interval: 45000,
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(func() {
		g.mu.Lock()
		for _, c := range g.all {
			_ = c.ws.Close()
		}
		g.mu.Unlock()
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) setInterval(ms int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = ms
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{ws: ws, query: r.URL.Query(), frames: make(chan Frame, 64)}
	if c.query.Get("compress") == string(CompressionZlibStream) {
		c.zbuf = &bytes.Buffer{}
		c.zw = zlib.NewWriter(c.zbuf)
	}

	g.mu.Lock()
	interval := g.interval
	g.all = append(g.all, c)
	g.mu.Unlock()

	if err := c.send(Frame{Op: OpHello, Data: mustJSON(Hello{HeartbeatInterval: interval})}); err != nil {
		_ = ws.Close()
		return
	}
	go c.readLoop()
	g.conns <- c
}

// accept returns the next connection the client opened.
func (g *fakeGateway) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(testTimeout):
		t.Fatal("no gateway connection")
		return nil
	}
}

func (c *fakeConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.closeMu.Lock()
				c.closeCode = ce.Code
				c.closeMu.Unlock()
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		if f.Op == OpHeartbeat {
			c.heartbeats.Add(1)
		}
		c.frames <- f
	}
}

func (c *fakeConn) send(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.zw == nil {
		return c.ws.WriteMessage(websocket.TextMessage, raw)
	}

	c.zbuf.Reset()
	if _, err := c.zw.Write(raw); err != nil {
		return err
	}
	if err := c.zw.Flush(); err != nil {
		return err
	}
	// Split every payload to exercise buffering up to the flush suffix.
	compressed := append([]byte(nil), c.zbuf.Bytes()...)
	mid := len(compressed) / 2
	if err := c.ws.WriteMessage(websocket.BinaryMessage, compressed[:mid]); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, compressed[mid:])
}

func (c *fakeConn) op(t *testing.T, op Opcode, data any) {
	t.Helper()
	require.NoError(t, c.send(Frame{Op: op, Data: mustJSON(data)}))
}

func (c *fakeConn) dispatch(t *testing.T, seq uint64, typ string, data any) {
	t.Helper()
	require.NoError(t, c.send(Frame{Op: OpDispatch, Sequence: &seq, Type: typ, Data: mustJSON(data)}))
}

func (c *fakeConn) ready(t *testing.T, seq uint64, sessionID, resumeURL string) {
	t.Helper()
	c.dispatch(t, seq, EventReady, Ready{Version: APIVersion, SessionID: sessionID, ResumeGatewayURL: resumeURL})
}

// expect waits for a client frame with op, skipping heartbeats unless op is
// OpHeartbeat.
func (c *fakeConn) expect(t *testing.T, op Opcode) Frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(t, ok, "connection closed while waiting for %s", op)
			if f.Op == op {
				return f
			}
			if f.Op == OpHeartbeat {
				continue
			}
			t.Fatalf("expected %s, got %s", op, f.Op)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
		}
	}
}

// waitClosed waits for the client to end the connection and returns the close
// code it sent, 0 for none.
func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				c.closeMu.Lock()
				defer c.closeMu.Unlock()
				return c.closeCode
			}
		case <-deadline:
			t.Fatal("client did not close the connection")
			return 0
		}
	}
}

// waitHeartbeats waits until the client has sent n heartbeats in total.
func (c *fakeConn) waitHeartbeats(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return c.heartbeats.Load() >= n }, testTimeout, time.Millisecond)
}

func (c *fakeConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// drop ends the connection without a close frame.
func (c *fakeConn) drop() {
	_ = c.ws.Close()
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, events)
	require.Equal(t, kind, ev.Kind, "unexpected event %+v", ev)
	return ev
}
