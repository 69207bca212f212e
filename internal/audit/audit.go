// Package audit records what ran, what was denied, and why. The core only
// depends on the Recorder interface; persistence is a pluggable store.
package audit

import "time"

// Entry is one auditable event.
type Entry struct {
	Time      time.Time `json:"time"`
	Operation string    `json:"operation"` // execute, session_start, session_input, session_kill
	Command   string    `json:"command,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Risk      string    `json:"risk,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  int       `json:"exit_code"`
}

type Recorder interface {
	Record(Entry)
}

// Nop discards every entry. Used when no audit store is configured and in
// tests.
type Nop struct{}

func (Nop) Record(Entry) {}
