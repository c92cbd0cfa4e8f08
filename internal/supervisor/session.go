package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invigil-dev/invigil/internal/event"
	"github.com/invigil-dev/invigil/internal/history"
	"github.com/invigil-dev/invigil/internal/proc"
	"github.com/invigil-dev/invigil/internal/tail"
)

// Stream names used for output callbacks and the logs API.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type eventKind int

const (
	eventOutput eventKind = iota
	eventAlert
	eventNotification
	eventExit
)

// hostEvent is one queued delivery to the host callbacks. Events flow
// through a per-session channel drained by a dedicated dispatch goroutine,
// so no callback ever runs on the caller of Start.
type hostEvent struct {
	kind   eventKind
	line   string
	stream string
	alert  event.Alert
	note   event.Notification
	code   int
	signal string
}

// session bundles everything that lives exactly as long as one monitor
// process: the tailer, the classifier, the dispatch queue and the output
// mirrors. Ring buffers live on the Supervisor so logs stay inspectable
// after the session ends.
type session struct {
	id         string
	handle     *proc.Handle
	tailer     *tail.Tailer
	classifier *event.Classifier
	cb         Callbacks
	sinks      []history.Sink

	events       chan hostEvent
	dispatchDone chan struct{}
	emitMu       sync.Mutex
	closed       bool

	outMirror io.WriteCloser
	errMirror io.WriteCloser

	startedAt   time.Time
	alertCounts map[event.Category]int
}

func (s *Supervisor) newSession(id string, handle *proc.Handle, cb Callbacks) *session {
	sess := &session{
		id:          id,
		handle:      handle,
		classifier:  event.NewClassifier(s.cfg.Cooldowns),
		cb:          cb,
		sinks:       s.cfg.History,
		events:      make(chan hostEvent, 256),
		dispatchDone: make(chan struct{}),
		startedAt:   time.Now(),
		alertCounts: make(map[event.Category]int),
	}
	sess.tailer = tail.New(s.cfg.PollInterval, sess.handleRecord)
	sess.tailer.Watch(filepath.Join(s.cfg.LogDir, "test.log"), tail.FormatText)
	sess.tailer.Watch(filepath.Join(s.cfg.LogDir, fmt.Sprintf("session_%s_alerts.jsonl", id)), tail.FormatJSON)
	return sess
}

// startDispatch launches the callback delivery goroutine.
func (sess *session) startDispatch() {
	go func() {
		defer close(sess.dispatchDone)
		for ev := range sess.events {
			switch ev.kind {
			case eventOutput:
				if sess.cb.OnOutput != nil {
					sess.cb.OnOutput(ev.line, ev.stream)
				}
			case eventAlert:
				if sess.cb.OnLogAlert != nil {
					sess.cb.OnLogAlert(ev.alert)
				}
			case eventNotification:
				if sess.cb.OnLogNotification != nil {
					sess.cb.OnLogNotification(ev.note)
				}
			case eventExit:
				if sess.cb.OnExit != nil {
					sess.cb.OnExit(ev.code, ev.signal)
				}
			}
		}
	}()
}

// emit queues one delivery, dropping it when the session has already been
// torn down. A child that survived a failed forced kill still holds its
// output pipes, so the copier goroutines can write after finish; those late
// lines must not reach the closed channel.
func (sess *session) emit(ev hostEvent) {
	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()
	if sess.closed {
		return
	}
	sess.events <- ev
}

// closeEvents marks the session torn down and closes the dispatch queue.
func (sess *session) closeEvents() {
	sess.emitMu.Lock()
	sess.closed = true
	close(sess.events)
	sess.emitMu.Unlock()
}

// startTailing begins the poll loop for this session's watched files.
func (sess *session) startTailing() {
	sess.tailer.Start(context.Background())
}

// handleRecord classifies one tailed record and queues the resulting
// deliveries. Runs on the tail poll goroutine; per-file ordering is
// preserved because the tailer emits records sequentially.
func (sess *session) handleRecord(rec tail.Record) {
	alert, notes := sess.classifier.Classify(rec)
	for _, n := range notes {
		sess.emit(hostEvent{kind: eventNotification, note: n})
	}
	if alert == nil {
		return
	}
	sess.alertCounts[alert.Category]++
	sess.emit(hostEvent{kind: eventAlert, alert: *alert})
	sess.persistAlert(*alert)
}

func (sess *session) persistAlert(a event.Alert) {
	if len(sess.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       history.EventAlert,
		OccurredAt: a.Timestamp,
		Record: history.Record{
			SessionID: sess.id,
			PID:       sess.handle.PID(),
			Category:  string(a.Category),
			Severity:  string(a.Severity),
			Message:   a.Message,
		},
	}
	for _, sink := range sess.sinks {
		_ = sink.Send(context.Background(), e)
	}
}

// finish drains the session deterministically: stop the poller, consume
// whatever the monitor wrote before exiting, close open alert streaks,
// emit the session summary and the exit callback, then wait for the
// dispatcher to deliver everything.
func (sess *session) finish(st proc.Status) {
	sess.tailer.Stop()
	for _, rec := range sess.tailer.Poll() {
		sess.handleRecord(rec)
	}
	for _, n := range sess.classifier.Flush() {
		sess.emit(hostEvent{kind: eventNotification, note: n})
	}
	sess.emit(hostEvent{kind: eventNotification, note: sess.summary()})
	sess.emit(hostEvent{kind: eventExit, code: st.ExitCode, signal: st.ExitSignal})
	sess.closeEvents()
	<-sess.dispatchDone
	sess.closeMirrors()
}

// abort tears down a session whose process never spawned: no exit or
// summary events, just a clean dispatcher and mirror shutdown.
func (sess *session) abort() {
	sess.closeEvents()
	<-sess.dispatchDone
	sess.closeMirrors()
}

// summary condenses the session for the host: duration plus per-category
// delivered alert counts.
func (sess *session) summary() event.Notification {
	dur := time.Since(sess.startedAt).Round(time.Second)
	total := 0
	cats := make([]string, 0, len(sess.alertCounts))
	for c, n := range sess.alertCounts {
		total += n
		cats = append(cats, fmt.Sprintf("%s=%d", c, n))
	}
	sort.Strings(cats)
	msg := fmt.Sprintf("Session %s ended after %s with %d alerts", sess.id, dur, total)
	if len(cats) > 0 {
		msg += " (" + strings.Join(cats, ", ") + ")"
	}
	return event.Notification{Category: event.CategorySession, Message: msg, Timestamp: time.Now()}
}

func (sess *session) closeMirrors() {
	if sess.outMirror != nil {
		_ = sess.outMirror.Close()
	}
	if sess.errMirror != nil {
		_ = sess.errMirror.Close()
	}
}

// lineWriter splits a raw output stream into lines and forwards each
// complete one. exec.Cmd's copier is the only writer, so no locking.
type lineWriter struct {
	buf []byte
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.fn(line)
		}
	}
	return len(p), nil
}
