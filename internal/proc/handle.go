package proc

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Status is a point-in-time copy of a handle's observed process state.
type Status struct {
	SessionID  string    `json:"session_id"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitCode   int       `json:"exit_code"`
	ExitSignal string    `json:"exit_signal,omitempty"`
	ExitErr    error     `json:"-"`
}

// Handle owns exactly one monitor process. It is created per session and
// discarded once the process is confirmed gone; the supervisor holds at
// most one live handle at a time.
type Handle struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	stopping bool
	waitDone chan struct{} // closed by the reaper when cmd.Wait returns
}

func New(spec Spec) *Handle {
	return &Handle{spec: spec, status: Status{SessionID: spec.SessionID, ExitCode: -1}}
}

func (h *Handle) Spec() Spec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec
}

// Start spawns the monitor and attaches stdout/stderr to the given writers.
// exec.Cmd owns the output copying, so Wait (run by the internal reaper)
// returns only after both streams are drained.
func (h *Handle) Start(stdout, stderr io.Writer) error {
	h.mu.Lock()
	if h.cmd != nil {
		h.mu.Unlock()
		return errors.New("process already started on this handle")
	}
	spec := h.spec
	h.mu.Unlock()

	cmd := spec.BuildCommand()
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcAttrs(cmd)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	h.mu.Lock()
	h.cmd = cmd
	h.waitDone = make(chan struct{})
	h.status.Running = true
	h.status.PID = cmd.Process.Pid
	h.status.StartedAt = time.Now()
	done := h.waitDone
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()
		h.markExited(cmd, err)
		close(done)
	}()
	return nil
}

func (h *Handle) markExited(cmd *exec.Cmd, err error) {
	code, sig := decodeExit(cmd, err)
	h.mu.Lock()
	h.status.Running = false
	h.status.StoppedAt = time.Now()
	h.status.ExitErr = err
	h.status.ExitCode = code
	h.status.ExitSignal = sig
	h.mu.Unlock()
}

// WaitDone returns the channel closed once the process has been reaped.
// Nil before Start.
func (h *Handle) WaitDone() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.PID
}

func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) SetStopRequested(v bool) {
	h.mu.Lock()
	h.stopping = v
	h.mu.Unlock()
}

func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// DetectAlive probes process liveness without racing the reaper.
func (h *Handle) DetectAlive() bool {
	h.mu.Lock()
	cmd := h.cmd
	running := h.status.Running
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return false
	}
	return alivePID(cmd.Process.Pid)
}

// SignalStop sends the cooperative stop signal to the monitor's process
// group.
func (h *Handle) SignalStop() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return signalStop(cmd.Process.Pid)
}

// Kill forcefully terminates the monitor's process group.
func (h *Handle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return kill(cmd.Process.Pid)
}
