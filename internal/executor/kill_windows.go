//go:build windows

package executor

import "os/exec"

// Windows has no process groups in the POSIX sense; WaitDelay covers
// abandoned pipes after the direct child is killed.
func setProcessGroup(_ *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
