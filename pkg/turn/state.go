package turn

import (
	"fmt"

	"github.com/teslashibe/go-realtalk/pkg/history"
)

// State is the phase of the current turn.
type State int

const (
	Idle State = iota
	Listening
	Transcribed
	AwaitingCompletion
	Speaking
)

var stateNames = [...]string{
	Idle:               "IDLE",
	Listening:          "LISTENING",
	Transcribed:        "TRANSCRIBED",
	AwaitingCompletion: "AWAITING_COMPLETION",
	Speaking:           "SPEAKING",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("turn: unknown state %q", b)
}

// switchable reports whether the active conversation may change in s.
func (s State) switchable() bool {
	return s == Idle || s == AwaitingCompletion
}

// Snapshot is a consistent view of the orchestrator.
type Snapshot struct {
	State          State          `json:"state"`
	ConversationID int64          `json:"conversation_id"`
	Transcript     []history.Turn `json:"transcript"`
}
