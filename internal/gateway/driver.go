package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/observability"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 16 << 20

	// missedAckLimit consecutive unacknowledged heartbeats end the connection.
	missedAckLimit = 2
)

// DriverOptions configures one gateway connection.
type DriverOptions struct {
	Compression      Compression
	Dialer           *websocket.Dialer
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64

	// InitialSequence seeds the heartbeat sequence when resuming.
	InitialSequence *uint64

	// Jitter returns a value in [0,1) scaling the first heartbeat delay.
	Jitter func() float64

	Clock  clock.Clock
	Logger observability.Logger
}

// Driver owns one websocket connection: the Hello handshake, transparent
// decompression, heartbeating and serialized writes.
type Driver struct {
	conn     *websocket.Conn
	opts     DriverOptions
	interval time.Duration
	inflater *Inflater

	writeMu sync.Mutex

	frames  chan Frame
	done    chan struct{}
	acks    chan struct{}
	beatReq chan struct{}

	failOnce sync.Once
	err      error

	seqMu sync.Mutex
	seq   *uint64

	latency atomic.Int64
}

// Dial connects to endpoint and completes the Hello handshake. The heartbeat
// loop starts before Dial returns.
func Dial(ctx context.Context, endpoint string, opts DriverOptions) (*Driver, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	target, err := gatewayURL(endpoint, opts.Compression)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, target, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(opts.ReadLimit)

	d := &Driver{
		conn:    conn,
		opts:    opts,
		frames:  make(chan Frame),
		done:    make(chan struct{}),
		acks:    make(chan struct{}, 1),
		beatReq: make(chan struct{}, 1),
	}
	if opts.Compression == CompressionZlibStream {
		d.inflater = NewInflater()
	}
	if opts.InitialSequence != nil {
		seq := *opts.InitialSequence
		d.seq = &seq
	}

	if err := d.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go d.readLoop()
	go d.heartbeatLoop()

	opts.Logger.Debug("Gateway connection established",
		zap.String("endpoint", endpoint),
		zap.Duration("heartbeat_interval", d.interval),
		zap.String("compression", string(opts.Compression)))
	return d, nil
}

// gatewayURL adds the protocol query parameters to endpoint.
func gatewayURL(endpoint string, compression Compression) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(APIVersion))
	q.Set("encoding", "json")
	if compression == CompressionZlibStream {
		q.Set("compress", string(CompressionZlibStream))
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Driver) handshake(ctx context.Context) error {
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = d.conn.SetReadDeadline(deadline)
	defer func() { _ = d.conn.SetReadDeadline(time.Time{}) }()

	frame, err := d.readFrame()
	if err != nil {
		return err
	}
	if frame.Op != OpHello {
		return &ProtocolError{Reason: fmt.Sprintf("expected HELLO, got %s", frame.Op)}
	}
	var hello Hello
	if err := json.Unmarshal(frame.Data, &hello); err != nil {
		return &ProtocolError{Reason: "malformed HELLO", Err: err}
	}
	if hello.HeartbeatInterval <= 0 {
		return &ProtocolError{Reason: "HELLO without heartbeat interval"}
	}
	d.interval = hello.Interval()
	return nil
}

// HeartbeatInterval is the interval the server announced in Hello.
func (d *Driver) HeartbeatInterval() time.Duration {
	return d.interval
}

// Latency is the round trip of the last acknowledged heartbeat.
func (d *Driver) Latency() time.Duration {
	return time.Duration(d.latency.Load())
}

// Frames delivers decoded frames other than heartbeat traffic. It is closed
// when the connection ends; Err then reports why.
func (d *Driver) Frames() <-chan Frame {
	return d.frames
}

// Done is closed when the connection has ended.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Err returns the reason the connection ended, nil while it is open.
func (d *Driver) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Send writes one command. Writes are serialized.
func (d *Driver) Send(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Op, err)
	}
	return d.write(ctx, payload)
}

func (d *Driver) write(ctx context.Context, payload []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if ctx != nil {
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(deadline)
	if err := d.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		d.fail(terr)
		return terr
	}
	return nil
}

// Close sends a close frame with code and ends the connection. Code 1000
// invalidates the session server-side; 4000 keeps it resumable.
func (d *Driver) Close(code int, reason string) {
	d.writeMu.Lock()
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	d.writeMu.Unlock()
	d.fail(ErrClosed)
}

// Abort ends the connection without a close frame.
func (d *Driver) Abort() {
	d.fail(ErrClosed)
}

func (d *Driver) fail(err error) {
	d.failOnce.Do(func() {
		d.err = err
		close(d.done)
		_ = d.conn.Close()
	})
}

func (d *Driver) readFrame() (Frame, error) {
	for {
		kind, data, err := d.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Frame{}, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return Frame{}, &TransportError{Op: "read", Err: err}
		}

		if d.inflater != nil && kind == websocket.BinaryMessage {
			payload, complete, err := d.inflater.Write(data)
			if err != nil {
				return Frame{}, err
			}
			if !complete {
				continue
			}
			data = payload
		}

		return decodeFrame(data)
	}
}

func (d *Driver) readLoop() {
	defer close(d.frames)
	for {
		frame, err := d.readFrame()
		if err != nil {
			d.fail(err)
			return
		}

		switch frame.Op {
		case OpHeartbeatAck:
			notify(d.acks)
			continue
		case OpHeartbeat:
			notify(d.beatReq)
			continue
		}

		if frame.Sequence != nil {
			d.observeSequence(*frame.Sequence)
		}

		select {
		case d.frames <- frame:
		case <-d.done:
			return
		}
	}
}

func (d *Driver) observeSequence(seq uint64) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.seq == nil || seq > *d.seq {
		d.seq = &seq
	}
}

func (d *Driver) sequence() *uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.seq == nil {
		return nil
	}
	seq := *d.seq
	return &seq
}

func (d *Driver) heartbeatLoop() {
	clk := d.opts.Clock
	first := time.Duration(float64(d.interval) * d.opts.Jitter())
	timer := clk.Timer(first)
	defer func() { timer.Stop() }()

	var (
		acked  = true
		missed = 0
		sentAt time.Time
	)

	for {
		select {
		case <-d.done:
			return
		case <-d.acks:
			acked = true
			missed = 0
			if !sentAt.IsZero() {
				d.latency.Store(int64(clk.Since(sentAt)))
			}
			continue
		case <-d.beatReq:
			if err := d.beat(); err != nil {
				return
			}
			continue
		case <-timer.C:
		}

		if !acked {
			missed++
			if missed >= missedAckLimit {
				d.opts.Logger.Warn("Heartbeat not acknowledged, dropping connection",
					zap.Int("missed", missed),
					zap.Duration("interval", d.interval))
				d.fail(&TransportError{Op: "heartbeat", Err: ErrHeartbeatTimeout})
				return
			}
		}

		acked = false
		sentAt = clk.Now()
		timer = clk.Timer(d.interval)
		if err := d.beat(); err != nil {
			return
		}
	}
}

func (d *Driver) beat() error {
	var seq any
	if s := d.sequence(); s != nil {
		seq = *s
	}
	return d.Send(context.Background(), Command{Op: OpHeartbeat, Data: seq})
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
