package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateReconnecting; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("gateway: unknown state %q", text)
}

// ShardID identifies one shard of a sharded bot.
type ShardID struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

func (s ShardID) String() string {
	return fmt.Sprintf("[%d/%d]", s.Index, s.Total)
}

// EventKind classifies an Event.
type EventKind string

const (
	EventDispatch       EventKind = "dispatch"
	EventShardReady     EventKind = "ready"
	EventShardResumed   EventKind = "resumed"
	EventReconnecting   EventKind = "reconnecting"
	EventInvalidSession EventKind = "invalid_session"
	EventShardDown      EventKind = "shard_down"
)

// Event is what a shard reports upward. Dispatch events carry the raw
// payload in Data; lifecycle events carry the cause in Err where there is one.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Shard    int             `json:"shard"`
	Type     string          `json:"type,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Err      error           `json:"-"`
}

// ShardStatus is a point-in-time view of one shard.
type ShardStatus struct {
	Shard          ShardID       `json:"shard"`
	State          State         `json:"state"`
	SessionID      string        `json:"session_id,omitempty"`
	Sequence       *uint64       `json:"sequence,omitempty"`
	Latency        time.Duration `json:"latency_ns"`
	Reconnects     int           `json:"reconnects"`
	LastError      string        `json:"last_error,omitempty"`
	LastTransition time.Time     `json:"last_transition"`
	// Down is set by the supervisor for a shard stopped on a fatal error.
	Down bool `json:"down,omitempty"`
}
