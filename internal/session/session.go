// Package session maps owner keys to at most one live process.
//
// An owner key groups every run that belongs to one long-lived task. The
// Registry reuses a live process across runs and reconnects for the same
// key, and spawns a new one once the previous process has exited.
package session

import "time"

// Process is the subset of a process session the registry needs.
type Process interface {
	ID() string
	ExitCode() (int, bool)
	Close() error
}

// State is the lifecycle state reported for an entry.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateTerminated State = "terminated"
)

// Info is a snapshot of one registry entry.
type Info struct {
	OwnerKey         string    `json:"ownerKey"`
	SessionID        string    `json:"sessionId"`
	State            State     `json:"state"`
	CorrelationToken string    `json:"correlationToken,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	ExitCode         *int      `json:"exitCode,omitempty"`
}
