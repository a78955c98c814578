package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrHeartbeatTimeout is wrapped in a TransportError when two
	// consecutive heartbeats go unacknowledged.
	ErrHeartbeatTimeout = errors.New("gateway: heartbeat not acknowledged")

	// ErrShardNotReady is returned by Send outside the Ready state.
	ErrShardNotReady = errors.New("gateway: shard not ready")

	// ErrClosed is the driver error after a local Close or Abort.
	ErrClosed = errors.New("gateway: connection closed")

	// ErrUnknownShard is returned for shard ids the supervisor does not own.
	ErrUnknownShard = errors.New("gateway: unknown shard")

	// ErrShardRunning is returned by Restart for a shard that is not down.
	ErrShardRunning = errors.New("gateway: shard is running")
)

// TransportError is a connection-level failure. Sessions recover from it by
// reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected frame. The connection is reset.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway protocol: %s: %v", e.Reason, e.Err)
	}
	return "gateway protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CloseError is a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed with %d: %s", e.Code, e.Reason)
}

// AuthenticationError means the token was rejected. It is never retried
// automatically.
type AuthenticationError struct {
	Code   int
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("gateway authentication failed (%d): %s", e.Code, e.Reason)
}

// FatalError ends a session without automatic retry.
type FatalError struct {
	Kind   FatalKind
	Code   int
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("gateway fatal %s", e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// InvalidSessionError reports an OpInvalidSession from the server.
type InvalidSessionError struct {
	Resumable bool
}

func (e *InvalidSessionError) Error() string {
	if e.Resumable {
		return "gateway session invalidated (resumable)"
	}
	return "gateway session invalidated"
}

// IsFatal reports whether err ends a session for good.
func IsFatal(err error) bool {
	var auth *AuthenticationError
	var fatal *FatalError
	return errors.As(err, &auth) || errors.As(err, &fatal)
}

// IsAuthentication reports whether err is a rejected token.
func IsAuthentication(err error) bool {
	var auth *AuthenticationError
	return errors.As(err, &auth)
}
