// Package executor runs bounded one-shot commands with a hard wall-clock
// timeout. The policy check happens in the caller before Execute is invoked.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout is returned when the child did not exit before the deadline.
// The child has been force-killed by the time Execute returns.
var ErrTimeout = errors.New("command timed out")

// Request describes one command to run.
type Request struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	// ShellMode hands the command line to the shell verbatim, so pipes and
	// redirections work. When false the command is executed directly and
	// metacharacters are not interpreted.
	ShellMode bool

	// Timeout of zero falls back to the executor default.
	Timeout time.Duration
}

// Result holds the three outcomes of a completed run. Immutable once
// produced.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type Executor struct {
	defaultTimeout time.Duration
}

func New(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{defaultTimeout: defaultTimeout}
}

// Execute spawns one child process and collects stdout, stderr and the exit
// code by accumulation. Acceptable for bounded one-shot commands; sessions
// use the streaming managers instead.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if req.ShellMode {
		line := req.Command
		if len(req.Args) > 0 {
			line += " " + strings.Join(req.Args, " ")
		}
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd.exe", "/c", line)
		} else {
			cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
		}
	} else {
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	}
	cmd.Dir = req.Cwd
	cmd.Env = mergedEnv(req.Env)

	// On deadline, kill the whole process group so a backgrounded grandchild
	// cannot hold the pipes open past the timeout; WaitDelay abandons the
	// pipe copies as a backstop even if something survives the kill.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd, err),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result, not an error.
			return result, nil
		}
		return result, fmt.Errorf("spawn %q: %w", req.Command, err)
	}
	return result, nil
}

// exitCode normalizes the exit outcome. A signal-terminated child reports
// 128+signal, never zero, so failures are not masked.
func exitCode(cmd *exec.Cmd, err error) int {
	ps := cmd.ProcessState
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
