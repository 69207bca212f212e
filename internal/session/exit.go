package session

import (
	"os"
	"syscall"
)

// ExitOutcome is the canonical shape of a process exit, converted once at
// the process boundary. Signal-terminated exits report Code 128+signal.
type ExitOutcome struct {
	Code   int
	Signal syscall.Signal
}

func outcomeFromState(ps *os.ProcessState) ExitOutcome {
	if ps == nil {
		return ExitOutcome{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitOutcome{Code: 128 + int(sig), Signal: sig}
	}
	return ExitOutcome{Code: ps.ExitCode()}
}

// Graceful reports whether the exit should be treated as an ordinary end of
// session: a zero exit code or one of the common graceful-termination
// signals. A terminal session is expected to die from a plain shell exit or
// a SIGTERM, and neither is a fault.
func (o ExitOutcome) Graceful() bool {
	if o.Signal != 0 {
		switch o.Signal {
		case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM:
			return true
		}
		return false
	}
	return o.Code == 0
}

func (o ExitOutcome) status() Status {
	if o.Graceful() {
		return StatusFinished
	}
	return StatusError
}
