// Package preflight verifies the host can actually run sessions before the
// servers come up.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// ShellStatus reports whether one shell candidate is usable.
type ShellStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
}

// CheckAll probes the default shell and the POSIX fallback. The boolean is
// false when no shell at all can host a session.
func CheckAll() ([]ShellStatus, bool) {
	var shells []ShellStatus

	if custom := os.Getenv("SHELL"); custom != "" {
		shells = append(shells, checkShell(custom))
	}
	if runtime.GOOS == "windows" {
		shells = append(shells, checkShell("cmd.exe"))
	} else {
		shells = append(shells, checkShell("/bin/sh"))
	}

	anyOk := false
	for _, sh := range shells {
		if sh.Available {
			anyOk = true
			fmt.Printf("✓ %s found (%s)\n", sh.Name, sh.Path)
		} else {
			fmt.Printf("⚠ %s is not available.\n", sh.Name)
		}
	}
	return shells, anyOk
}

func checkShell(name string) ShellStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ShellStatus{Name: name, Available: false}
	}
	return ShellStatus{Name: name, Path: path, Available: true}
}
