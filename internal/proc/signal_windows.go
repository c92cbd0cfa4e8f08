//go:build windows

package proc

import (
	"os"
	"os/exec"
)

func setProcAttrs(cmd *exec.Cmd) {}

// Windows has no cooperative process-group signal; both stop paths kill.
func signalStop(pid int) error { return kill(pid) }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func alivePID(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) is not supported on Windows; FindProcess succeeding is the
	// best available probe.
	_ = p
	return true
}

func decodeExit(cmd *exec.Cmd, err error) (int, string) {
	ps := cmd.ProcessState
	if ps == nil {
		return -1, ""
	}
	_ = err
	return ps.ExitCode(), ""
}
