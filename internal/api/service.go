// Package api is the control surface: every execute and session operation
// enters here, passes the security gate, and leaves an audit trail.
package api

import (
	"context"
	"strings"

	"termbridge/internal/audit"
	"termbridge/internal/executor"
	"termbridge/internal/security"
	"termbridge/internal/session"
	"termbridge/internal/viewer"
)

// DeniedError reports a command the validator refused. The full result is
// kept so callers can surface the reason and suggestions.
type DeniedError struct {
	Result security.Result
}

func (e *DeniedError) Error() string {
	return "command denied: " + e.Result.Reason
}

// Service wires the validator, executor, session managers and viewer behind
// one facade. All mutating operations validate first and audit afterwards.
type Service struct {
	validator   *security.Validator
	executor    *executor.Executor
	interactive *session.InteractiveManager
	terminals   *session.TerminalManager
	registry    *session.Registry
	viewer      *viewer.Service
	audit       audit.Recorder
}

func NewService(
	validator *security.Validator,
	exec *executor.Executor,
	interactive *session.InteractiveManager,
	terminals *session.TerminalManager,
	registry *session.Registry,
	viewerSvc *viewer.Service,
	recorder audit.Recorder,
) *Service {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		validator:   validator,
		executor:    exec,
		interactive: interactive,
		terminals:   terminals,
		registry:    registry,
		viewer:      viewerSvc,
		audit:       recorder,
	}
}

// Validate runs the security gate without executing anything.
func (s *Service) Validate(command string) security.Result {
	return s.validator.Validate(command)
}

// ExecuteCommand validates and runs one bounded command.
func (s *Service) ExecuteCommand(ctx context.Context, req executor.Request) (executor.Result, error) {
	line := commandLine(req.Command, req.Args)
	check := s.validator.Validate(line)
	if !check.Allowed {
		s.audit.Record(audit.Entry{
			Operation: "execute",
			Command:   line,
			Risk:      string(check.Risk),
			Allowed:   false,
			Reason:    check.Reason,
		})
		return executor.Result{}, &DeniedError{Result: check}
	}

	result, err := s.executor.Execute(ctx, req)
	entry := audit.Entry{
		Operation: "execute",
		Command:   line,
		Risk:      string(check.Risk),
		Allowed:   true,
		ExitCode:  result.ExitCode,
	}
	if err != nil {
		entry.Reason = err.Error()
	}
	s.audit.Record(entry)
	return result, err
}

// StartInteractive validates the session command and spawns a piped session.
func (s *Service) StartInteractive(opts session.StartOptions) (session.Info, error) {
	if err := s.gateStart(opts); err != nil {
		return session.Info{}, err
	}
	id, err := s.interactive.Start(opts)
	if err != nil {
		return session.Info{}, err
	}
	info := s.infoByID(id)
	s.audit.Record(audit.Entry{
		Operation: "session_start",
		Command:   commandLine(opts.Command, opts.Args),
		SessionID: id,
		Allowed:   true,
	})
	return info, nil
}

// TerminalSession is a started PTY session plus its viewer URL.
type TerminalSession struct {
	Info    session.Info `json:"info"`
	ViewURL string       `json:"view_url,omitempty"`
}

// StartTerminal validates the session command, spawns a PTY session and
// registers it with the viewer.
func (s *Service) StartTerminal(opts session.StartOptions) (TerminalSession, error) {
	if err := s.gateStart(opts); err != nil {
		return TerminalSession{}, err
	}
	sess, err := s.terminals.Start(opts)
	if err != nil {
		return TerminalSession{}, err
	}
	var url string
	if s.viewer != nil {
		s.viewer.AddSession(sess)
		url = s.viewer.SessionURL(sess.ID())
	}
	s.audit.Record(audit.Entry{
		Operation: "session_start",
		Command:   commandLine(opts.Command, opts.Args),
		SessionID: sess.ID(),
		Allowed:   true,
	})
	return TerminalSession{Info: sess.Info(), ViewURL: url}, nil
}

// gateStart validates both the session command and any initial command. A
// denial leaves no session behind.
func (s *Service) gateStart(opts session.StartOptions) error {
	if opts.Command != "" {
		check := s.validator.Validate(commandLine(opts.Command, opts.Args))
		if !check.Allowed {
			s.recordDeniedStart(opts, check)
			return &DeniedError{Result: check}
		}
	}
	if opts.InitialCommand != "" {
		check := s.validator.Validate(opts.InitialCommand)
		if !check.Allowed {
			s.recordDeniedStart(opts, check)
			return &DeniedError{Result: check}
		}
	}
	return nil
}

func (s *Service) recordDeniedStart(opts session.StartOptions, check security.Result) {
	s.audit.Record(audit.Entry{
		Operation: "session_start",
		Command:   commandLine(opts.Command, opts.Args),
		Risk:      string(check.Risk),
		Allowed:   false,
		Reason:    check.Reason,
	})
}

// SendInput routes input to whichever kind of session owns the id.
func (s *Service) SendInput(id, text string, addNewline bool) error {
	sess, ok := s.registry.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	var err error
	switch sess.Kind() {
	case session.KindTerminal:
		err = s.terminals.SendInput(id, text, addNewline)
	default:
		err = s.interactive.SendInput(id, text, addNewline)
	}
	if err == nil {
		s.audit.Record(audit.Entry{
			Operation: "session_input",
			SessionID: id,
			Allowed:   true,
		})
	}
	return err
}

// SessionOutput is the kind-dependent read result: a drain for piped
// sessions, a scrollback snapshot for terminal sessions.
type SessionOutput struct {
	Kind   session.Kind            `json:"kind"`
	Status session.Status          `json:"status"`
	Piped  *session.OutputSnapshot `json:"piped,omitempty"`
	Lines  []session.Line          `json:"lines,omitempty"`
}

// ReadOutput drains an interactive session or snapshots a terminal buffer.
func (s *Service) ReadOutput(id string) (SessionOutput, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return SessionOutput{}, session.ErrNotFound
	}
	switch sess.Kind() {
	case session.KindTerminal:
		buf, err := s.terminals.GetBuffer(id)
		if err != nil {
			return SessionOutput{}, err
		}
		return SessionOutput{
			Kind:   session.KindTerminal,
			Status: sess.Info().Status,
			Lines:  buf.Lines(),
		}, nil
	default:
		snap, err := s.interactive.ReadOutput(id)
		if err != nil {
			return SessionOutput{}, err
		}
		return SessionOutput{
			Kind:   session.KindInteractive,
			Status: snap.Status,
			Piped:  &snap,
		}, nil
	}
}

// Resize adjusts a terminal session's window. Piped sessions have no window.
func (s *Service) Resize(id string, cols, rows uint16) error {
	return s.terminals.Resize(id, cols, rows)
}

// KillSession terminates a session of either kind. Terminal sessions are
// detached from the viewer first so every watcher sees a clean close.
func (s *Service) KillSession(id string) error {
	sess, ok := s.registry.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	var err error
	switch sess.Kind() {
	case session.KindTerminal:
		if s.viewer != nil {
			s.viewer.RemoveSession(id)
		}
		err = s.terminals.Kill(id)
	default:
		err = s.interactive.Kill(id)
	}
	if err == nil {
		s.audit.Record(audit.Entry{
			Operation: "session_kill",
			SessionID: id,
			Allowed:   true,
		})
	}
	return err
}

// ListSessions returns every live session of both kinds, oldest first.
func (s *Service) ListSessions() []session.Info {
	return s.registry.List()
}

func (s *Service) infoByID(id string) session.Info {
	if sess, ok := s.registry.Get(id); ok {
		return sess.Info()
	}
	return session.Info{ID: id}
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
