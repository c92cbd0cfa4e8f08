package proc

import (
	"errors"
	"sync"
	"time"

	"github.com/invigil-dev/invigil/internal/metrics"
)

// Termination methods reported by Terminate.
const (
	MethodNone     = "none"     // process was already gone
	MethodGraceful = "graceful" // exited after the cooperative signal
	MethodForced   = "forced"   // exited only after the kill escalation
)

// killConfirmWait bounds how long we wait for the reaper after a forced
// kill before declaring the termination unconfirmed.
const killConfirmWait = 2 * time.Second

// ErrUnconfirmed is returned when even a forced kill could not be
// confirmed within its grace window.
var ErrUnconfirmed = errors.New("termination could not be confirmed")

// TerminationResult reports how a process came down. Err is non-nil only
// in the unconfirmed case; escalation itself is not an error.
type TerminationResult struct {
	SessionID string `json:"session_id,omitempty"`
	Method    string `json:"method"`
	Err       error  `json:"-"`
}

// Terminate runs the graceful-then-forceful protocol against h: send the
// cooperative stop signal, race the process-exit observation against
// timeout, and escalate to an unconditional kill if the window lapses.
func Terminate(h *Handle, timeout time.Duration) TerminationResult {
	res := terminate(h, timeout)
	if res.Err != nil {
		metrics.IncTermination("failed")
	} else {
		metrics.IncTermination(res.Method)
	}
	return res
}

func terminate(h *Handle, timeout time.Duration) TerminationResult {
	sid := h.Spec().SessionID
	if !h.DetectAlive() {
		return TerminationResult{SessionID: sid, Method: MethodNone}
	}
	h.SetStopRequested(true)

	done := h.WaitDone()
	if done == nil {
		// Never started through this handle; nothing to reap.
		return TerminationResult{SessionID: sid, Method: MethodNone}
	}

	if err := h.SignalStop(); err == nil {
		select {
		case <-done:
			return TerminationResult{SessionID: sid, Method: MethodGraceful}
		case <-time.After(timeout):
		}
	}

	if err := h.Kill(); err != nil {
		return TerminationResult{SessionID: sid, Method: MethodForced, Err: err}
	}
	select {
	case <-done:
		return TerminationResult{SessionID: sid, Method: MethodForced}
	case <-time.After(killConfirmWait):
		return TerminationResult{SessionID: sid, Method: MethodForced, Err: ErrUnconfirmed}
	}
}

// TerminateAll applies the termination protocol to every handle
// concurrently and aggregates per-handle results. One handle failing never
// blocks the attempts on the others.
func TerminateAll(handles []*Handle, timeout time.Duration) []TerminationResult {
	results := make([]TerminationResult, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			results[i] = Terminate(h, timeout)
		}(i, h)
	}
	wg.Wait()
	return results
}
