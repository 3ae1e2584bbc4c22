package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid client message")

// validActions is the set of allowed client→server actions.
var validActions = map[string]bool{
	ActionStart:   true,
	ActionResume:  true,
	ActionMessage: true,
	ActionCancel:  true,
	ActionResize:  true,
	ActionSignal:  true,
}

var validSignals = map[string]bool{
	SignalInterrupt: true,
	SignalTerminate: true,
	SignalKill:      true,
	SignalEOF:       true,
}

// ValidateClientMessage parses and validates a raw JSON message from a
// client.
func ValidateClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidMessage, err)
	}

	if msg.Action == "" {
		return nil, fmt.Errorf("%w: missing 'action' field", ErrInvalidMessage)
	}
	if !validActions[msg.Action] {
		return nil, fmt.Errorf("%w: unknown action: %s", ErrInvalidMessage, msg.Action)
	}

	switch msg.Action {
	case ActionStart:
		if msg.Prompt == "" {
			return nil, fmt.Errorf("%w: missing required field 'prompt' for %s", ErrInvalidMessage, msg.Action)
		}
	case ActionMessage:
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: missing required field 'text' for %s", ErrInvalidMessage, msg.Action)
		}
	case ActionResize:
		if msg.Rows <= 0 || msg.Cols <= 0 {
			return nil, fmt.Errorf("%w: 'rows' and 'cols' must be positive for %s", ErrInvalidMessage, msg.Action)
		}
		if msg.Rows > math.MaxUint16 || msg.Cols > math.MaxUint16 {
			return nil, fmt.Errorf("%w: 'rows' and 'cols' out of range for %s", ErrInvalidMessage, msg.Action)
		}
	case ActionSignal:
		if !validSignals[msg.Signal] {
			return nil, fmt.Errorf("%w: unknown signal %q", ErrInvalidMessage, msg.Signal)
		}
	}

	return &msg, nil
}
