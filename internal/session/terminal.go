package session

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 24
)

// Terminal is a PTY-backed session. The PTY handle is exclusively owned
// here; other components relay input through the manager, never directly.
type Terminal struct {
	id      string
	command string
	args    []string
	cwd     string
	env     map[string]string

	cmd    *exec.Cmd
	ptmx   *os.File
	buffer *TerminalBuffer

	mu           sync.Mutex
	status       Status
	exit         ExitOutcome
	startTime    time.Time
	lastActivity time.Time

	// streamMu serializes buffer appends with subscriber registration so a
	// new subscriber's replay is a strict prefix of its live stream.
	streamMu     sync.Mutex
	subscribers  map[chan []byte]struct{}
	streamClosed bool

	viewerMu sync.Mutex
	viewers  map[string]struct{}

	killOnce sync.Once
	done     chan struct{}
}

func (t *Terminal) ID() string              { return t.id }
func (t *Terminal) Kind() Kind              { return KindTerminal }
func (t *Terminal) Done() <-chan struct{}   { return t.done }
func (t *Terminal) Buffer() *TerminalBuffer { return t.buffer }

func (t *Terminal) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := 0
	if t.cmd.Process != nil {
		pid = t.cmd.Process.Pid
	}
	return Info{
		ID:           t.id,
		Kind:         KindTerminal,
		Command:      t.command,
		Args:         t.args,
		Cwd:          t.cwd,
		Env:          t.env,
		PID:          pid,
		StartTime:    t.startTime,
		LastActivity: t.lastActivity,
		Status:       t.status,
	}
}

func (t *Terminal) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Terminal) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusRunning
}

func (t *Terminal) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitOutcome is valid once Done is closed.
func (t *Terminal) ExitOutcome() ExitOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit
}

func (t *Terminal) Kill() error {
	t.killOnce.Do(func() {
		if t.cmd.Process != nil {
			t.cmd.Process.Signal(syscall.SIGTERM)
		}
		t.ptmx.Close()
	})
	return nil
}

func (t *Terminal) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// Attach returns a snapshot of the retained buffer plus a live output
// channel. Snapshot and subscription happen under one lock, so everything
// after the snapshot arrives on the channel exactly once and in order.
func (t *Terminal) Attach() ([]Line, <-chan []byte, func()) {
	ch := make(chan []byte, 256)

	t.streamMu.Lock()
	replay := t.buffer.Lines()
	if t.streamClosed {
		close(ch)
	} else {
		t.subscribers[ch] = struct{}{}
	}
	t.streamMu.Unlock()

	unsub := func() {
		t.streamMu.Lock()
		delete(t.subscribers, ch)
		t.streamMu.Unlock()
	}
	return replay, ch, unsub
}

// AddViewer and RemoveViewer track attached viewer connection IDs.
func (t *Terminal) AddViewer(connID string) {
	t.viewerMu.Lock()
	t.viewers[connID] = struct{}{}
	t.viewerMu.Unlock()
}

func (t *Terminal) RemoveViewer(connID string) {
	t.viewerMu.Lock()
	delete(t.viewers, connID)
	t.viewerMu.Unlock()
}

func (t *Terminal) Viewers() []string {
	t.viewerMu.Lock()
	defer t.viewerMu.Unlock()
	ids := make([]string, 0, len(t.viewers))
	for id := range t.viewers {
		ids = append(ids, id)
	}
	return ids
}

func (t *Terminal) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			t.streamMu.Lock()
			t.buffer.Append(string(data), LineOutput)
			for ch := range t.subscribers {
				select {
				case ch <- data:
				default:
					// Slow subscriber, drop the chunk for it.
				}
			}
			t.streamMu.Unlock()
			t.touch()
		}
		if err != nil {
			break
		}
	}

	t.streamMu.Lock()
	t.buffer.Flush(LineOutput)
	t.streamClosed = true
	for ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, ch)
	}
	t.streamMu.Unlock()
}

// TerminalManager owns the PTY sessions in the shared registry.
type TerminalManager struct {
	registry    *Registry
	bufferLines int
}

func NewTerminalManager(registry *Registry, bufferLines int) *TerminalManager {
	return &TerminalManager{registry: registry, bufferLines: bufferLines}
}

// Start allocates a PTY and spawns the requested command, or the default
// shell, attached to it.
func (m *TerminalManager) Start(opts StartOptions) (*Terminal, error) {
	command := opts.Command
	if command == "" {
		command = defaultShell()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = terminalEnv(opts.Env)

	now := time.Now()
	sess := &Terminal{
		id:           uuid.New().String(),
		command:      command,
		args:         opts.Args,
		cwd:          opts.Cwd,
		env:          opts.Env,
		cmd:          cmd,
		buffer:       NewTerminalBuffer(m.bufferLines),
		status:       StatusRunning,
		startTime:    now,
		lastActivity: now,
		subscribers:  make(map[chan []byte]struct{}),
		viewers:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}

	if err := m.registry.Add(sess); err != nil {
		return nil, err
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		m.registry.Remove(sess.id)
		return nil, fmt.Errorf("start pty: %w", err)
	}
	sess.ptmx = ptmx

	go sess.readLoop()
	go func() {
		cmd.Wait()
		outcome := outcomeFromState(cmd.ProcessState)
		sess.mu.Lock()
		sess.exit = outcome
		sess.status = outcome.status()
		sess.mu.Unlock()
		close(sess.done)
	}()

	// Inject the initial command exactly as if the user had typed it.
	if opts.InitialCommand != "" {
		if err := m.SendInput(sess.id, opts.InitialCommand, true); err != nil {
			return sess, nil
		}
	}
	return sess, nil
}

// SendInput writes text into the PTY and echoes it into the scrollback as
// an input line.
func (m *TerminalManager) SendInput(id, text string, addNewline bool) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if !sess.Running() {
		return ErrNotRunning
	}
	payload := text
	if addNewline && !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	sess.buffer.AppendLine(strings.TrimSuffix(text, "\n"), LineInput)
	if _, err := sess.ptmx.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	sess.touch()
	return nil
}

func (m *TerminalManager) Resize(id string, cols, rows uint16) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if !sess.Running() {
		return ErrNotRunning
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	sess.touch()
	return nil
}

// GetBuffer returns the session's scrollback buffer.
func (m *TerminalManager) GetBuffer(id string) (*TerminalBuffer, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.buffer, nil
}

// Kill terminates the session and removes it from the registry.
func (m *TerminalManager) Kill(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Kill()
	m.registry.Remove(id)
	return nil
}

// List returns snapshots of the terminal sessions only.
func (m *TerminalManager) List() []Info {
	all := m.registry.List()
	out := all[:0]
	for _, info := range all {
		if info.Kind == KindTerminal {
			out = append(out, info)
		}
	}
	return out
}

// Get returns the live session, for components that need to attach to its
// output stream.
func (m *TerminalManager) Get(id string) (*Terminal, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.(*Terminal)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// terminalEnv sets the terminal environment variables for full-color
// capability.
func terminalEnv(extra map[string]string) []string {
	env := buildEnv(extra)
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}
