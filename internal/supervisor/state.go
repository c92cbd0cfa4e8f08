package supervisor

// State is the supervisor's lifecycle state machine:
// Idle -> Starting -> Running -> Stopping -> Stopped | Failed.
// An unexpected child exit while Running moves straight to Failed.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// startable reports whether a new session may begin from this state
// (the single-monitor invariant rejects everything else).
func (s State) startable() bool {
	return s == StateIdle || s == StateStopped || s == StateFailed
}
