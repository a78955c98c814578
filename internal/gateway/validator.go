package gateway

import (
	"fmt"
)

// Intent bits that need explicit approval for verified bots.
const (
	IntentGuildMembers   uint64 = 1 << 1
	IntentGuildPresences uint64 = 1 << 8
	IntentMessageContent uint64 = 1 << 15

	// AllIntents covers every defined intent bit.
	AllIntents uint64 = 1<<26 - 1
)

// Validator checks outbound session payloads before they are sent.
type Validator interface {
	ValidateIdentify(Identify) error
	ValidateResume(Resume) error
}

// DefaultValidator rejects payloads the server would close the session for.
type DefaultValidator struct{}

func (DefaultValidator) ValidateIdentify(id Identify) error {
	if id.Token == "" {
		return fmt.Errorf("identify: token is required")
	}
	index, total := id.Shard[0], id.Shard[1]
	if total < 1 {
		return fmt.Errorf("identify: shard total must be at least 1, got %d", total)
	}
	if index < 0 || index >= total {
		return fmt.Errorf("identify: shard index %d outside [0,%d)", index, total)
	}
	if id.Intents&^AllIntents != 0 {
		return fmt.Errorf("identify: unknown intent bits %#x", id.Intents&^AllIntents)
	}
	if id.LargeThreshold != 0 && (id.LargeThreshold < 50 || id.LargeThreshold > 250) {
		return fmt.Errorf("identify: large_threshold %d outside [50,250]", id.LargeThreshold)
	}
	return nil
}

func (DefaultValidator) ValidateResume(r Resume) error {
	if r.Token == "" {
		return fmt.Errorf("resume: token is required")
	}
	if r.SessionID == "" {
		return fmt.Errorf("resume: session id is required")
	}
	return nil
}
