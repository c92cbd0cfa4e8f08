// Package supervisor owns the lifecycle of the external monitor process:
// it is the only writer of the process handle, converts the monitor's file
// output into classified host events, and guarantees deterministic
// teardown under stop, crash, and host shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/invigil-dev/invigil/internal/event"
	"github.com/invigil-dev/invigil/internal/history"
	"github.com/invigil-dev/invigil/internal/interpreter"
	"github.com/invigil-dev/invigil/internal/logger"
	"github.com/invigil-dev/invigil/internal/metrics"
	"github.com/invigil-dev/invigil/internal/proc"
)

var (
	ErrAlreadyActive = errors.New("a monitoring session is already active")
	ErrNotRunning    = errors.New("no monitoring session is running")
	ErrStopping      = errors.New("session is stopping")
	ErrShutdown      = errors.New("supervisor is shut down")
)

// Callbacks is the host-facing bridge contract. All callbacks are invoked
// from the supervisor's dispatch goroutine, never from the caller of Start.
// Nil members are skipped.
type Callbacks struct {
	OnOutput          func(line, stream string)
	OnLogAlert        func(a event.Alert)
	OnLogNotification func(n event.Notification)
	OnExit            func(code int, signal string)
}

// Options parameterize one session.
type Options struct {
	SessionID      string            `json:"session_id"`
	Flags          proc.FeatureFlags `json:"flags"`
	ReferenceImage string            `json:"reference_image"` // overrides Config.ReferenceImage
	Callbacks      Callbacks         `json:"-"`
}

// StartResult reports the outcome of a Start call. Validation is non-nil
// only when prerequisite checks failed.
type StartResult struct {
	OK         bool              `json:"ok"`
	SessionID  string            `json:"session_id,omitempty"`
	PID        int               `json:"pid,omitempty"`
	Err        error             `json:"-"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// Status is a point-in-time snapshot, safe to request in any state.
type Status struct {
	State        string    `json:"state"`
	IsMonitoring bool      `json:"is_monitoring"`
	PID          int       `json:"pid,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Config wires a Supervisor. Zero durations fall back to defaults.
type Config struct {
	Root           string // project root for interpreter resolution
	Script         string // monitor entry script
	WorkDir        string
	LogDir         string // directory the monitor writes its session files into
	ReferenceImage string // default participant reference image

	PollInterval time.Duration
	StartupGrace time.Duration // how long the child must stay up before Running
	StopTimeout  time.Duration // graceful window before the kill escalation
	RingSize     int

	Cooldowns event.CooldownConfig
	ChildLog  logger.Config // rotated stdout/stderr mirrors; zero value disables
	History   []history.Sink
	Logger    *slog.Logger
}

const (
	DefaultStartupGrace = 2 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultRingSize     = 500
)

type action int

const (
	actionStart action = iota
	actionStop
	actionUpdateRef
	actionShutdown
)

type command struct {
	action     action
	opts       Options
	refPath    string
	wait       time.Duration // stop/shutdown override; zero means Config.StopTimeout
	replyStart chan StartResult
	replyErr   chan error
}

type exitNotice struct {
	handle    *proc.Handle
	sessionID string
}

// Supervisor drives the session state machine. All mutations of the
// process handle and session happen on the single run goroutine; the
// mutex only guards the state/handle snapshot read by Status.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	state  State
	handle *proc.Handle
	sess   *session

	stdoutRing *Ring
	stderrRing *Ring

	cmdChan  chan command
	exitChan chan exitNotice
	doneChan chan struct{}
}

func New(cfg Config) *Supervisor {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:        cfg,
		logger:     cfg.Logger,
		state:      StateIdle,
		stdoutRing: NewRing(cfg.RingSize),
		stderrRing: NewRing(cfg.RingSize),
		cmdChan:    make(chan command, 16),
		exitChan:   make(chan exitNotice, 1),
		doneChan:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Start begins a new monitoring session. It fails fast when a session is
// already active; it never implicitly stops one.
func (s *Supervisor) Start(opts Options) StartResult {
	reply := make(chan StartResult, 1)
	select {
	case s.cmdChan <- command{action: actionStart, opts: opts, replyStart: reply}:
	case <-s.doneChan:
		return StartResult{Err: ErrShutdown}
	}
	// The command channel is buffered, so the send can succeed against a
	// state machine that has already exited; doneChan breaks that wait.
	select {
	case r := <-reply:
		return r
	case <-s.doneChan:
		select {
		case r := <-reply:
			return r
		default:
			return StartResult{Err: ErrShutdown}
		}
	}
}

// Stop terminates the current session via the graceful-then-forceful
// protocol. Stopping an already-stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	return s.sendErrCmd(command{action: actionStop}, ErrShutdown)
}

// UpdateReference atomically replaces the running session's participant
// reference image. Requests racing a stop are rejected, not queued: the
// state machine sits inside the stop handler for as long as the state reads
// Stopping, so a queued update could only ever run against the dead
// session anyway.
func (s *Supervisor) UpdateReference(path string) error {
	if s.currentState() == StateStopping {
		return ErrStopping
	}
	return s.sendErrCmd(command{action: actionUpdateRef, refPath: path}, ErrShutdown)
}

// Shutdown stops any active session and terminates the state machine.
func (s *Supervisor) Shutdown() error {
	return s.sendErrCmd(command{action: actionShutdown}, nil)
}

// sendErrCmd submits a command whose reply is a bare error. closedErr is
// what a shut-down supervisor answers.
func (s *Supervisor) sendErrCmd(cmd command, closedErr error) error {
	reply := make(chan error, 1)
	cmd.replyErr = reply
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return closedErr
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneChan:
		select {
		case err := <-reply:
			return err
		default:
			return closedErr
		}
	}
}

// Status returns a snapshot. Safe at any time, including before any Start.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.state.String()}
	if s.handle != nil {
		snap := s.handle.Snapshot()
		st.PID = snap.PID
		st.SessionID = snap.SessionID
		st.StartedAt = snap.StartedAt
	}
	st.IsMonitoring = s.state == StateRunning
	return st
}

// Logs returns up to n of the most recent lines captured from the given
// stream, oldest first. The buffers survive session end until the next
// Start.
func (s *Supervisor) Logs(stream string, n int) []string {
	if stream == StreamStderr {
		return s.stderrRing.Tail(n)
	}
	return s.stdoutRing.Tail(n)
}

// run is the single state-machine goroutine; every handle mutation
// happens here.
func (s *Supervisor) run() {
	defer close(s.doneChan)
	for {
		select {
		case cmd := <-s.cmdChan:
			switch cmd.action {
			case actionStart:
				cmd.replyStart <- s.handleStart(cmd.opts)
			case actionStop:
				cmd.replyErr <- s.handleStop(cmd.wait)
			case actionUpdateRef:
				cmd.replyErr <- s.handleUpdateReference(cmd.refPath)
			case actionShutdown:
				cmd.replyErr <- s.handleStop(cmd.wait)
				return
			}
		case n := <-s.exitChan:
			s.handleExit(n)
		}
	}
}

func (s *Supervisor) handleStart(opts Options) StartResult {
	if cur := s.currentState(); !cur.startable() {
		return StartResult{Err: fmt.Errorf("%w (state: %s)", ErrAlreadyActive, cur)}
	}

	validation := s.Validate(opts)
	if !validation.OK() {
		return StartResult{Err: fmt.Errorf("validation failed: %s", validation.String()), Validation: &validation}
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	ref := opts.ReferenceImage
	if ref == "" {
		ref = s.cfg.ReferenceImage
	}

	spec := proc.Spec{
		SessionID:      sessionID,
		Interpreter:    interpreter.Resolve(s.cfg.Root),
		Script:         s.cfg.Script,
		WorkDir:        s.cfg.WorkDir,
		ReferenceImage: ref,
		LogDir:         s.cfg.LogDir,
		Flags:          opts.Flags,
	}
	handle := proc.New(spec)
	sess := s.newSession(sessionID, handle, opts.Callbacks)

	s.setState(StateStarting)
	s.stdoutRing.Reset()
	s.stderrRing.Reset()
	sess.startDispatch()

	stdout, stderr := s.outputWriters(sess, sessionID)
	if err := handle.Start(stdout, stderr); err != nil {
		sess.abort()
		s.setState(StateFailed)
		metrics.IncSessionFailure()
		s.logger.Error("monitor spawn failed", "session", sessionID, "error", err)
		return StartResult{Err: fmt.Errorf("spawn failed: %w", err)}
	}

	// Bounded confirmation: the child must survive the grace window before
	// the session counts as Running.
	select {
	case <-handle.WaitDone():
		snap := handle.Snapshot()
		s.setState(StateFailed)
		metrics.IncSessionFailure()
		sess.finish(snap)
		s.logger.Error("monitor exited during startup",
			"session", sessionID, "code", snap.ExitCode, "signal", snap.ExitSignal)
		return StartResult{Err: fmt.Errorf("monitor exited during startup (code=%d)", snap.ExitCode)}
	case <-time.After(s.cfg.StartupGrace):
	}

	s.mu.Lock()
	s.handle = handle
	s.sess = sess
	s.mu.Unlock()
	sess.startTailing()
	s.setState(StateRunning)
	metrics.IncSessionStart()
	s.persistLifecycle(history.EventSessionStart, handle.Snapshot())
	s.logger.Info("monitoring session started", "session", sessionID, "pid", handle.PID())

	go s.watchExit(handle, sessionID)

	return StartResult{OK: true, SessionID: sessionID, PID: handle.PID()}
}

func (s *Supervisor) watchExit(h *proc.Handle, sessionID string) {
	wd := h.WaitDone()
	if wd == nil {
		return
	}
	<-wd
	select {
	case s.exitChan <- exitNotice{handle: h, sessionID: sessionID}:
	case <-s.doneChan:
	}
}

// handleExit reacts to an unexpected child exit observed while Running.
// Notices for sessions already torn down by an explicit stop are stale and
// ignored.
func (s *Supervisor) handleExit(n exitNotice) {
	if s.sess == nil || s.handle != n.handle {
		return
	}
	snap := s.handle.Snapshot()
	s.logger.Warn("monitor exited unexpectedly",
		"session", n.sessionID, "code", snap.ExitCode, "signal", snap.ExitSignal)
	s.setState(StateFailed)
	metrics.IncSessionFailure()
	s.persistLifecycle(history.EventSessionCrash, snap)
	s.sess.finish(snap)
	s.clearSession()
}

func (s *Supervisor) handleStop(wait time.Duration) error {
	if s.handle == nil || s.sess == nil {
		return nil // nothing running
	}
	if wait <= 0 {
		wait = s.cfg.StopTimeout
	}
	s.setState(StateStopping)
	res := proc.Terminate(s.handle, wait)
	snap := s.handle.Snapshot()
	s.logger.Info("monitoring session stopped",
		"session", snap.SessionID, "method", res.Method, "code", snap.ExitCode)

	s.sess.finish(snap)
	s.persistLifecycle(history.EventSessionStop, snap)
	metrics.IncSessionStop()

	switch {
	case res.Err != nil:
		s.setState(StateFailed)
	case res.Method == proc.MethodNone && snap.ExitCode != 0:
		// Child was already gone with an abnormal exit before Stop arrived.
		s.setState(StateFailed)
	default:
		s.setState(StateStopped)
	}
	s.clearSession()
	return res.Err
}

func (s *Supervisor) handleUpdateReference(path string) error {
	if s.currentState() != StateRunning || s.handle == nil {
		return ErrNotRunning
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read reference image: %w", err)
	}
	dst := s.handle.Spec().ReferenceImage
	// Write-then-rename keeps the swap atomic with respect to the child's
	// next read of the reference path.
	tmp := fmt.Sprintf("%s.tmp%d", dst, os.Getpid())
	if err := os.WriteFile(tmp, src, 0o600); err != nil {
		return fmt.Errorf("stage reference image: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap reference image: %w", err)
	}
	s.logger.Info("participant reference updated", "path", dst)
	return nil
}

func (s *Supervisor) outputWriters(sess *session, sessionID string) (io.Writer, io.Writer) {
	outLine := &lineWriter{fn: func(line string) {
		s.stdoutRing.Append(line)
		sess.emit(hostEvent{kind: eventOutput, line: line, stream: StreamStdout})
	}}
	errLine := &lineWriter{fn: func(line string) {
		s.stderrRing.Append(line)
		sess.emit(hostEvent{kind: eventOutput, line: line, stream: StreamStderr})
	}}
	var stdout io.Writer = outLine
	var stderr io.Writer = errLine
	if s.cfg.ChildLog.Dir != "" || s.cfg.ChildLog.StdoutPath != "" || s.cfg.ChildLog.StderrPath != "" {
		if s.cfg.ChildLog.Dir != "" {
			_ = os.MkdirAll(s.cfg.ChildLog.Dir, 0o750)
		}
		outW, errW := s.cfg.ChildLog.Writers(sessionID)
		if outW != nil {
			sess.outMirror = outW
			stdout = io.MultiWriter(outLine, outW)
		}
		if errW != nil {
			sess.errMirror = errW
			stderr = io.MultiWriter(errLine, errW)
		}
	}
	return stdout, stderr
}

func (s *Supervisor) clearSession() {
	s.mu.Lock()
	s.sess = nil
	s.handle = nil
	s.mu.Unlock()
}

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(ns State) {
	s.mu.Lock()
	old := s.state
	s.state = ns
	s.mu.Unlock()
	metrics.RecordStateTransition(old.String(), ns.String())
	metrics.SetCurrentState(old.String(), false)
	metrics.SetCurrentState(ns.String(), true)
}

func (s *Supervisor) persistLifecycle(t history.EventType, snap proc.Status) {
	if len(s.cfg.History) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			SessionID: snap.SessionID,
			PID:       snap.PID,
			State:     s.currentState().String(),
		},
	}
	for _, sink := range s.cfg.History {
		_ = sink.Send(context.Background(), e)
	}
}

// ShutdownAll stops every supervisor concurrently with the given graceful
// timeout applied per handle; used at host-application quit. One
// supervisor failing never blocks the others.
func ShutdownAll(sups []*Supervisor, timeout time.Duration) []error {
	errs := make([]error, len(sups))
	var wg sync.WaitGroup
	for i, sup := range sups {
		wg.Add(1)
		go func(i int, sup *Supervisor) {
			defer wg.Done()
			errs[i] = sup.shutdownWithTimeout(timeout)
		}(i, sup)
	}
	wg.Wait()
	return errs
}

func (s *Supervisor) shutdownWithTimeout(timeout time.Duration) error {
	return s.sendErrCmd(command{action: actionShutdown, wait: timeout}, nil)
}
