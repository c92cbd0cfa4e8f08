//go:build !windows

package proc

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// setProcAttrs puts the child in its own process group so stop/kill
// signals reach the whole monitor tree.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalStop(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// alivePID reports liveness via signal 0; a zombie child (exited but not
// yet reaped) counts as dead.
func alivePID(pid int) bool {
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombie returns true if /proc/<pid>/status reports state Z (Linux only;
// elsewhere the file does not exist and the check is a no-op).
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func decodeExit(cmd *exec.Cmd, err error) (int, string) {
	ps := cmd.ProcessState
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	_ = err
	return ps.ExitCode(), ""
}
