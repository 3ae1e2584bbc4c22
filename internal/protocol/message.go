package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server → Client envelope types.
const (
	TypeLog        = "log"
	TypeStatus     = "status"
	TypeComplete   = "complete"
	TypeCheckpoint = "checkpoint"
	TypeFile       = "file"
	TypeError      = "error"
	TypePing       = "ping"
)

// Log levels carried by log envelopes.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// File actions.
const (
	FileCreated  = "created"
	FileModified = "modified"
)

// CheckpointPhaseComplete is the only checkpoint type emitted today.
const CheckpointPhaseComplete = "phase_complete"

// Envelope is one discrete message sent to a client. Only the fields that
// belong to Type are serialized.
type Envelope struct {
	Type           string    `json:"type"`
	Level          string    `json:"level,omitempty"`
	Message        string    `json:"message,omitempty"`
	Value          string    `json:"value,omitempty"`
	Success        bool      `json:"success,omitempty"`
	ExitCode       int       `json:"exit_code,omitempty"`
	CheckpointType string    `json:"checkpoint_type,omitempty"`
	CanResume      bool      `json:"can_resume,omitempty"`
	Action         string    `json:"action,omitempty"`
	Path           string    `json:"path,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

type logWire struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type statusWire struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type completeWire struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

type checkpointWire struct {
	Type           string    `json:"type"`
	CheckpointType string    `json:"checkpoint_type"`
	Message        string    `json:"message"`
	CanResume      bool      `json:"can_resume"`
	Timestamp      time.Time `json:"timestamp"`
}

type fileWire struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

type errorWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pingWire struct {
	Type string `json:"type"`
}

// MarshalJSON writes the wire shape for the envelope's type.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeLog:
		return json.Marshal(logWire{e.Type, e.Level, e.Message, e.Timestamp})
	case TypeStatus:
		return json.Marshal(statusWire{e.Type, e.Value, e.Timestamp})
	case TypeComplete:
		return json.Marshal(completeWire{e.Type, e.Success, e.ExitCode, e.Timestamp})
	case TypeCheckpoint:
		return json.Marshal(checkpointWire{e.Type, e.CheckpointType, e.Message, e.CanResume, e.Timestamp})
	case TypeFile:
		return json.Marshal(fileWire{e.Type, e.Action, e.Path, e.Timestamp})
	case TypeError:
		return json.Marshal(errorWire{e.Type, e.Message})
	case TypePing:
		return json.Marshal(pingWire{e.Type})
	}
	return nil, fmt.Errorf("unknown envelope type %q", e.Type)
}

// UnmarshalJSON accepts any of the wire shapes.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Envelope(p)
	return nil
}

// Log creates a log envelope.
func Log(level, message string) Envelope {
	return Envelope{Type: TypeLog, Level: level, Message: message}
}

// Status creates a status envelope.
func Status(value string) Envelope {
	return Envelope{Type: TypeStatus, Value: value}
}

// Complete creates the terminal envelope of a run.
func Complete(success bool, exitCode int) Envelope {
	return Envelope{Type: TypeComplete, Success: success, ExitCode: exitCode}
}

// Checkpoint creates a checkpoint envelope.
func Checkpoint(checkpointType, message string, canResume bool) Envelope {
	return Envelope{Type: TypeCheckpoint, CheckpointType: checkpointType, Message: message, CanResume: canResume}
}

// File creates a file mutation envelope.
func File(action, path string) Envelope {
	return Envelope{Type: TypeFile, Action: action, Path: path}
}

// Error creates an error envelope.
func Error(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

// Ping creates a keepalive envelope.
func Ping() Envelope {
	return Envelope{Type: TypePing}
}

// Client → Server actions.
const (
	ActionStart   = "start"
	ActionResume  = "resume"
	ActionMessage = "message"
	ActionCancel  = "cancel"
	ActionResize  = "resize"
	ActionSignal  = "signal"
)

// Signal names accepted by the signal action.
const (
	SignalInterrupt = "interrupt"
	SignalTerminate = "terminate"
	SignalKill      = "kill"
	SignalEOF       = "eof"
)

// ClientMessage is a message received from a client.
type ClientMessage struct {
	Action      string `json:"action"`
	Prompt      string `json:"prompt,omitempty"`
	Text        string `json:"text,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`
	OwnerKey    string `json:"owner_key,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Signal      string `json:"signal,omitempty"`
}
