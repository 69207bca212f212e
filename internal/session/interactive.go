package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Interactive is a long-lived child process with piped stdio, no PTY.
// Output accumulates per-session until the caller drains it.
type Interactive struct {
	id      string
	command string
	args    []string
	cwd     string
	env     map[string]string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu           sync.Mutex
	stdout       strings.Builder
	stderr       strings.Builder
	status       Status
	exit         ExitOutcome
	startTime    time.Time
	lastActivity time.Time

	killOnce sync.Once
	done     chan struct{}
}

func (s *Interactive) ID() string            { return s.id }
func (s *Interactive) Kind() Kind            { return KindInteractive }
func (s *Interactive) Done() <-chan struct{} { return s.done }

func (s *Interactive) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return Info{
		ID:           s.id,
		Kind:         KindInteractive,
		Command:      s.command,
		Args:         s.args,
		Cwd:          s.cwd,
		Env:          s.env,
		PID:          pid,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
		Status:       s.status,
	}
}

func (s *Interactive) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Interactive) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// Kill signals the child and releases the pipes. Safe to call more than
// once and after the process has already exited.
func (s *Interactive) Kill() error {
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Signal(syscall.SIGTERM)
		}
		s.stdin.Close()
	})
	return nil
}

func (s *Interactive) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// OutputSnapshot is what a drain returns: everything accumulated since the
// previous read.
type OutputSnapshot struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	HasMore bool   `json:"has_more"`
	Status  Status `json:"status"`
}

// InteractiveManager owns the piped sessions in the shared registry.
type InteractiveManager struct {
	registry *Registry
}

func NewInteractiveManager(registry *Registry) *InteractiveManager {
	return &InteractiveManager{registry: registry}
}

// Start spawns a child with piped stdio and registers the session. The
// default shell is used when no command is given.
func (m *InteractiveManager) Start(opts StartOptions) (string, error) {
	command := opts.Command
	if command == "" {
		command = defaultShell()
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	now := time.Now()
	sess := &Interactive{
		id:           uuid.New().String(),
		command:      command,
		args:         opts.Args,
		cwd:          opts.Cwd,
		env:          opts.Env,
		cmd:          cmd,
		stdin:        stdin,
		status:       StatusRunning,
		startTime:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	// Check the limit before spawning so a denied start has no side effects.
	if err := m.registry.Add(sess); err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		m.registry.Remove(sess.id)
		return "", fmt.Errorf("spawn %q: %w", command, err)
	}

	go sess.drainPipe(stdout, &sess.stdout)
	go sess.drainPipe(stderr, &sess.stderr)
	go func() {
		cmd.Wait()
		outcome := outcomeFromState(cmd.ProcessState)
		sess.mu.Lock()
		sess.exit = outcome
		if outcome.Code == 0 {
			sess.status = StatusFinished
		} else {
			sess.status = StatusError
		}
		sess.mu.Unlock()
		close(sess.done)
	}()

	return sess.id, nil
}

func (s *Interactive) drainPipe(r io.Reader, dst *strings.Builder) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			dst.Write(buf[:n])
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// SendInput writes text to the session's stdin, optionally appending a
// newline so line-oriented programs see a complete command.
func (m *InteractiveManager) SendInput(id, text string, addNewline bool) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	if !sess.Running() {
		return ErrNotRunning
	}
	if addNewline && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(sess.stdin, text); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	sess.touch()
	return nil
}

// ReadOutput drains what has accumulated since the last read.
func (m *InteractiveManager) ReadOutput(id string) (OutputSnapshot, error) {
	sess, err := m.get(id)
	if err != nil {
		return OutputSnapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	snap := OutputSnapshot{
		Stdout:  sess.stdout.String(),
		Stderr:  sess.stderr.String(),
		HasMore: sess.status == StatusRunning,
		Status:  sess.status,
	}
	sess.stdout.Reset()
	sess.stderr.Reset()
	sess.lastActivity = time.Now()
	return snap, nil
}

// Kill terminates the session and removes it from the registry.
func (m *InteractiveManager) Kill(id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	sess.Kill()
	m.registry.Remove(id)
	return nil
}

// List returns snapshots of the interactive sessions only.
func (m *InteractiveManager) List() []Info {
	all := m.registry.List()
	out := all[:0]
	for _, info := range all {
		if info.Kind == KindInteractive {
			out = append(out, info)
		}
	}
	return out
}

func (m *InteractiveManager) get(id string) (*Interactive, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.(*Interactive)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
