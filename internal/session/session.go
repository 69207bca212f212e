// Package session owns the long-lived child processes: piped interactive
// sessions and PTY-backed terminal sessions, both kept in a single shared
// registry and reclaimed by an idle sweep.
package session

import (
	"errors"
	"time"
)

type Kind string

const (
	KindInteractive Kind = "interactive"
	KindTerminal    Kind = "terminal"
)

type Status string

// Valid transitions: running -> finished (clean exit), running -> error
// (abnormal exit), or removal on explicit kill. A non-running session is a
// terminal record destined for removal, never resurrected.
const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrNotRunning   = errors.New("session not running")
	ErrSessionLimit = errors.New("session limit exceeded")
)

// Info is a read-only snapshot of one session, tagged with its kind.
type Info struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env,omitempty"`
	PID          int               `json:"pid"`
	StartTime    time.Time         `json:"start_time"`
	LastActivity time.Time         `json:"last_activity"`
	Status       Status            `json:"status"`
}

// StartOptions is shared by both managers. Zero Command launches the default
// shell.
type StartOptions struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	// Terminal sessions only.
	Cols           uint16
	Rows           uint16
	InitialCommand string
}

// Session is the polymorphic registry entry implemented by both kinds.
type Session interface {
	ID() string
	Kind() Kind
	Info() Info
	LastActivity() time.Time
	Running() bool

	// Kill signals the process and releases its resources. Idempotent.
	Kill() error
}
