package rest

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is returned when the server rejects the token (401).
var ErrInvalidSession = errors.New("rest: invalid session or token")

// RateLimitedError is returned when a request stays rate limited after the
// retry budget is spent, or immediately for a global limit.
type RateLimitedError struct {
	Route      string
	Bucket     string
	Global     bool
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rest: %s rate limited on %s, retry after %s", scope, e.Route, e.RetryAfter)
}

// TransportError is a request that never produced a response.
type TransportError struct {
	Route string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rest: %s: %v", e.Route, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is any other non-success response.
type ServerError struct {
	Status  int
	Code    int
	Message string
	Body    []byte
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rest: server returned %d", e.Status)
}
