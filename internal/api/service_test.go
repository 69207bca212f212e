package api

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"termbridge/internal/audit"
	"termbridge/internal/executor"
	"termbridge/internal/security"
	"termbridge/internal/session"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
}

// memRecorder collects audit entries for assertions.
type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *memRecorder) Record(e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *memRecorder) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

func newService(t *testing.T, policy security.Policy) (*Service, *memRecorder) {
	t.Helper()
	reg := session.NewRegistry(10, time.Hour)
	t.Cleanup(func() {
		reg.KillAll()
		reg.Close()
	})
	rec := &memRecorder{}
	svc := NewService(
		security.NewValidator(policy),
		executor.New(10*time.Second),
		session.NewInteractiveManager(reg),
		session.NewTerminalManager(reg, 200),
		reg,
		nil, // no viewer in service tests
		rec,
	)
	return svc, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestExecuteCommandAllowedAndAudited(t *testing.T) {
	skipOnWindows(t)
	svc, rec := newService(t, security.Policy{Tier: security.TierModerate})

	res, err := svc.ExecuteCommand(context.Background(), executor.Request{Command: "echo", Args: []string{"gated"}})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if !strings.Contains(res.Stdout, "gated") {
		t.Errorf("stdout = %q", res.Stdout)
	}

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Operation != "execute" || !e.Allowed || e.ExitCode != 0 {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.Command, "echo gated") {
		t.Errorf("audited command = %q", e.Command)
	}
}

func TestExecuteCommandDenied(t *testing.T) {
	svc, rec := newService(t, security.Policy{
		Tier:            security.TierModerate,
		BlockedCommands: []string{"forbidden-tool"},
	})

	_, err := svc.ExecuteCommand(context.Background(), executor.Request{Command: "forbidden-tool"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Result.Allowed {
		t.Error("denied result marked allowed")
	}

	entries := rec.all()
	if len(entries) != 1 || entries[0].Allowed {
		t.Errorf("denied execute not audited: %+v", entries)
	}
}

func TestStartInteractiveDeniedLeavesNoSession(t *testing.T) {
	svc, _ := newService(t, security.Policy{Tier: security.TierStrict})

	_, err := svc.StartInteractive(session.StartOptions{
		Command: "sh", Args: []string{"-c", "rm -rf /data"},
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if got := svc.ListSessions(); len(got) != 0 {
		t.Errorf("sessions after denied start = %d, want 0", len(got))
	}
}

func TestStartTerminalDeniedInitialCommand(t *testing.T) {
	skipOnWindows(t)
	svc, _ := newService(t, security.Policy{Tier: security.TierStrict})

	_, err := svc.StartTerminal(session.StartOptions{
		Command:        "/bin/sh",
		InitialCommand: "sudo reboot",
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if got := svc.ListSessions(); len(got) != 0 {
		t.Errorf("sessions after denied start = %d, want 0", len(got))
	}
}

func TestSendInputDispatchesByKind(t *testing.T) {
	skipOnWindows(t)
	svc, _ := newService(t, security.Policy{Tier: security.TierPermissive})

	info, err := svc.StartInteractive(session.StartOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}
	ts, err := svc.StartTerminal(session.StartOptions{Command: "/bin/sh"})
	if err != nil {
		t.Fatalf("StartTerminal: %v", err)
	}

	if err := svc.SendInput(info.ID, "piped-marker", true); err != nil {
		t.Errorf("interactive input: %v", err)
	}
	if err := svc.SendInput(ts.Info.ID, "echo pty-marker", true); err != nil {
		t.Errorf("terminal input: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		out, err := svc.ReadOutput(info.ID)
		return err == nil && strings.Contains(out.Piped.Stdout, "piped-marker")
	})
	waitFor(t, 5*time.Second, func() bool {
		out, err := svc.ReadOutput(ts.Info.ID)
		if err != nil {
			return false
		}
		for _, line := range out.Lines {
			if line.Type == session.LineOutput && strings.Contains(line.Text, "pty-marker") {
				return true
			}
		}
		return false
	})
}

func TestReadOutputShapesPerKind(t *testing.T) {
	skipOnWindows(t)
	svc, _ := newService(t, security.Policy{Tier: security.TierPermissive})

	info, err := svc.StartInteractive(session.StartOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}
	out, err := svc.ReadOutput(info.ID)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if out.Kind != session.KindInteractive || out.Piped == nil || out.Lines != nil {
		t.Errorf("interactive output shape = %+v", out)
	}

	ts, err := svc.StartTerminal(session.StartOptions{Command: "/bin/sh"})
	if err != nil {
		t.Fatalf("StartTerminal: %v", err)
	}
	out, err = svc.ReadOutput(ts.Info.ID)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if out.Kind != session.KindTerminal || out.Piped != nil {
		t.Errorf("terminal output shape = %+v", out)
	}
}

func TestKillSessionBothKinds(t *testing.T) {
	skipOnWindows(t)
	svc, rec := newService(t, security.Policy{Tier: security.TierPermissive})

	info, err := svc.StartInteractive(session.StartOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}
	ts, err := svc.StartTerminal(session.StartOptions{Command: "/bin/sh"})
	if err != nil {
		t.Fatalf("StartTerminal: %v", err)
	}

	if err := svc.KillSession(info.ID); err != nil {
		t.Errorf("kill interactive: %v", err)
	}
	if err := svc.KillSession(ts.Info.ID); err != nil {
		t.Errorf("kill terminal: %v", err)
	}
	if got := svc.ListSessions(); len(got) != 0 {
		t.Errorf("sessions after kills = %d, want 0", len(got))
	}

	kills := 0
	for _, e := range rec.all() {
		if e.Operation == "session_kill" {
			kills++
		}
	}
	if kills != 2 {
		t.Errorf("session_kill entries = %d, want 2", kills)
	}
}

func TestKillUnknownSession(t *testing.T) {
	svc, _ := newService(t, security.Policy{})
	if err := svc.KillSession("nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsCombined(t *testing.T) {
	skipOnWindows(t)
	svc, _ := newService(t, security.Policy{Tier: security.TierPermissive})

	if _, err := svc.StartInteractive(session.StartOptions{Command: "cat"}); err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}
	if _, err := svc.StartTerminal(session.StartOptions{Command: "/bin/sh"}); err != nil {
		t.Fatalf("StartTerminal: %v", err)
	}

	infos := svc.ListSessions()
	if len(infos) != 2 {
		t.Fatalf("sessions = %d, want 2", len(infos))
	}
	kinds := map[session.Kind]bool{}
	for _, info := range infos {
		kinds[info.Kind] = true
	}
	if !kinds[session.KindInteractive] || !kinds[session.KindTerminal] {
		t.Errorf("kinds = %v", kinds)
	}
}
