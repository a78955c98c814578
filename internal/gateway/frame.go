package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIVersion is the only gateway protocol version spoken.
const APIVersion = 10

// Opcode identifies a gateway payload.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("OP_%d", int(o))
	}
}

// Frame is the gateway envelope. Only the fields the session needs are
// decoded; Data is left raw for the application.
type Frame struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *uint64         `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// Command is an outbound payload.
type Command struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Hello is the payload of OpHello.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// Ready is the subset of the READY dispatch the session tracks.
type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard,omitempty"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of OpIdentify.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       json.RawMessage    `json:"presence,omitempty"`
	Intents        uint64             `json:"intents"`
}

// Resume is the payload of OpResume.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  uint64 `json:"seq"`
}

// Dispatch event types the session reacts to.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// decodeFrame parses a raw payload into a Frame.
func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	return f, nil
}
