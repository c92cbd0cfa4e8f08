package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/invigil-dev/invigil/internal/event"
	"github.com/invigil-dev/invigil/internal/interpreter"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// monitorScript simulates the proctoring monitor: it receives the fixed
// CLI contract as positional args ($2 session id, $6 log dir), writes the
// session files and then runs the given body.
const monitorScript = `SID="$2"
LOG_DIR="$6"
mkdir -p "$LOG_DIR"
`

type testEnv struct {
	sup     *Supervisor
	cfg     Config
	outputs chan string
	alerts  chan event.Alert
	notes   chan event.Notification
	exits   chan int
}

func newTestEnv(t *testing.T, scriptBody string) *testEnv {
	t.Helper()
	requireUnix(t)
	t.Setenv(interpreter.EnvOverride, "/bin/sh")

	dir := t.TempDir()
	script := filepath.Join(dir, "monitor.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+monitorScript+scriptBody), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	ref := filepath.Join(dir, "participant.png")
	if err := os.WriteFile(ref, []byte("not-a-real-png"), 0o644); err != nil {
		t.Fatalf("write reference: %v", err)
	}

	cfg := Config{
		Root:           dir,
		Script:         script,
		LogDir:         filepath.Join(dir, "logs"),
		ReferenceImage: ref,
		PollInterval:   20 * time.Millisecond,
		StartupGrace:   150 * time.Millisecond,
		StopTimeout:    3 * time.Second,
		RingSize:       64,
	}
	env := &testEnv{
		cfg:     cfg,
		outputs: make(chan string, 64),
		alerts:  make(chan event.Alert, 64),
		notes:   make(chan event.Notification, 64),
		exits:   make(chan int, 4),
	}
	env.sup = New(cfg)
	t.Cleanup(func() { _ = env.sup.Shutdown() })
	return env
}

func (e *testEnv) callbacks() Callbacks {
	return Callbacks{
		OnOutput:          func(line, stream string) { e.outputs <- stream + ": " + line },
		OnLogAlert:        func(a event.Alert) { e.alerts <- a },
		OnLogNotification: func(n event.Notification) { e.notes <- n },
		OnExit:            func(code int, _ string) { e.exits <- code },
	}
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestStatusBeforeAnyStart(t *testing.T) {
	sup := New(Config{Script: "missing.py", LogDir: t.TempDir()})
	defer func() { _ = sup.Shutdown() }()

	st := sup.Status()
	if st.IsMonitoring || st.PID != 0 || st.SessionID != "" {
		t.Fatalf("fresh supervisor reports activity: %+v", st)
	}
	if st.State != "idle" {
		t.Fatalf("fresh supervisor state = %q", st.State)
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	sup := New(Config{Script: "missing.py", LogDir: t.TempDir()})
	defer func() { _ = sup.Shutdown() }()
	if err := sup.Stop(); err != nil {
		t.Fatalf("idle stop: %v", err)
	}
}

func TestUpdateReferenceRequiresRunning(t *testing.T) {
	sup := New(Config{Script: "missing.py", LogDir: t.TempDir()})
	defer func() { _ = sup.Shutdown() }()
	if err := sup.UpdateReference("ref.png"); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// A reference update racing an in-flight stop is rejected up front rather
// than queued behind it against a session that will be gone.
func TestUpdateReferenceRejectedWhileStopping(t *testing.T) {
	requireUnix(t)
	t.Setenv(interpreter.EnvOverride, "/bin/sh")

	dir := t.TempDir()
	script := filepath.Join(dir, "monitor.sh")
	body := "#!/bin/sh\n" + monitorScript + "trap '' TERM\nwhile :; do sleep 0.1; done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	ref := filepath.Join(dir, "participant.png")
	if err := os.WriteFile(ref, []byte("not-a-real-png"), 0o644); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	sup := New(Config{
		Root:           dir,
		Script:         script,
		LogDir:         filepath.Join(dir, "logs"),
		ReferenceImage: ref,
		PollInterval:   20 * time.Millisecond,
		StartupGrace:   150 * time.Millisecond,
		StopTimeout:    time.Second,
		RingSize:       64,
	})
	defer func() { _ = sup.Shutdown() }()

	if res := sup.Start(Options{SessionID: "stop-race"}); res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- sup.Stop() }()

	// The child ignores SIGTERM, so the stop dwells in the graceful wait.
	deadline := time.Now().Add(2 * time.Second)
	for sup.Status().State != StateStopping.String() {
		if time.Now().After(deadline) {
			t.Fatal("supervisor never entered the stopping state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sup.UpdateReference(ref); err != ErrStopping {
		t.Fatalf("update during stop: got %v, want ErrStopping", err)
	}
	if err := waitFor(t, stopDone, "stop to complete"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartFailsValidation(t *testing.T) {
	requireUnix(t)
	t.Setenv(interpreter.EnvOverride, "/bin/sh")
	dir := t.TempDir()
	sup := New(Config{
		Root:   dir,
		Script: filepath.Join(dir, "does-not-exist.py"),
		LogDir: filepath.Join(dir, "logs"),
	})
	defer func() { _ = sup.Shutdown() }()

	res := sup.Start(Options{})
	if res.Err == nil {
		t.Fatal("start should fail validation")
	}
	if res.Validation == nil {
		t.Fatal("validation detail missing")
	}
	if res.Validation.Checks[CheckScript].OK {
		t.Fatalf("script check should fail: %+v", res.Validation.Checks)
	}
	if st := sup.Status(); st.State != "idle" {
		t.Fatalf("failed validation must leave the supervisor idle: %q", st.State)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t, `echo "monitor ready"
echo "2025-03-14 10:00:00 - INFO - ===== PROCTORING SESSION STARTED =====" >> "$LOG_DIR/test.log"
echo "2025-03-14 10:00:01 - WARNING - No face detected in frame" >> "$LOG_DIR/test.log"
echo '{"category":"phone_detected","severity":"critical","message":"Phone visible"}' >> "$LOG_DIR/session_${SID}_alerts.jsonl"
sleep 30
`)
	res := env.sup.Start(Options{SessionID: "exam42", Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}
	if !res.OK || res.SessionID != "exam42" || res.PID <= 0 {
		t.Fatalf("bad start result: %+v", res)
	}

	st := env.sup.Status()
	if !st.IsMonitoring || st.State != "running" || st.SessionID != "exam42" {
		t.Fatalf("status after start: %+v", st)
	}

	if out := waitFor(t, env.outputs, "stdout line"); out != "stdout: monitor ready" {
		t.Fatalf("unexpected output %q", out)
	}
	note := waitFor(t, env.notes, "session-start notification")
	if note.Category != event.CategorySession {
		t.Fatalf("expected session notification, got %+v", note)
	}

	seen := map[event.Category]bool{}
	for i := 0; i < 2; i++ {
		a := waitFor(t, env.alerts, "alert")
		seen[a.Category] = true
	}
	if !seen[event.CategoryNoFace] || !seen[event.CategoryPhoneDetected] {
		t.Fatalf("alerts missing: %+v", seen)
	}

	// Only one session at a time.
	if dup := env.sup.Start(Options{}); dup.Err == nil {
		t.Fatal("second start while running must fail")
	}

	if lines := env.sup.Logs(StreamStdout, 10); len(lines) == 0 || lines[len(lines)-1] != "monitor ready" {
		t.Fatalf("ring buffer missing output: %v", lines)
	}

	if err := env.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, env.exits, "exit callback")
	st = env.sup.Status()
	if st.IsMonitoring || st.State != "stopped" {
		t.Fatalf("status after stop: %+v", st)
	}
}

func TestSessionSummaryNotification(t *testing.T) {
	env := newTestEnv(t, `echo "no face detected" >> "$LOG_DIR/test.log"
sleep 30
`)
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}
	waitFor(t, env.alerts, "no_face alert")
	if err := env.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	found := false
	deadline := time.After(5 * time.Second)
	for !found {
		select {
		case n := <-env.notes:
			if strings.Contains(n.Message, "ended after") && strings.Contains(n.Message, "no_face=1") {
				found = true
			}
		case <-deadline:
			t.Fatal("summary notification never delivered")
		}
	}
}

func TestGeneratedSessionID(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n")
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}
	if res.SessionID == "" {
		t.Fatal("session id should be generated when omitted")
	}
	if err := env.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestChildCrashMarksFailed(t *testing.T) {
	env := newTestEnv(t, "sleep 0.4\nexit 3\n")
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}

	if code := waitFor(t, env.exits, "crash exit callback"); code != 3 {
		t.Fatalf("exit code not propagated: %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := env.sup.Status()
		if st.State == "failed" && !st.IsMonitoring {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("crash never surfaced: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A failed supervisor accepts a fresh start.
	res = env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("restart after crash: %v", res.Err)
	}
	waitFor(t, env.exits, "second exit callback")
}

func TestChildDiesDuringStartupGrace(t *testing.T) {
	env := newTestEnv(t, "exit 7\n")
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err == nil {
		t.Fatal("start should fail when the child dies inside the grace window")
	}
	if st := env.sup.Status(); st.State != "failed" || st.IsMonitoring {
		t.Fatalf("status after startup failure: %+v", st)
	}
}

func TestUpdateReferenceSwapsFile(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n")
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}

	next := filepath.Join(t.TempDir(), "next.png")
	if err := os.WriteFile(next, []byte("updated-image-bytes"), 0o644); err != nil {
		t.Fatalf("write next image: %v", err)
	}
	if err := env.sup.UpdateReference(next); err != nil {
		t.Fatalf("update reference: %v", err)
	}
	got, err := os.ReadFile(env.cfg.ReferenceImage)
	if err != nil || string(got) != "updated-image-bytes" {
		t.Fatalf("reference not swapped: %v %q", err, got)
	}

	if err := env.sup.UpdateReference(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("missing source image should fail")
	}
	if err := env.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestShutdownRejectsFurtherWork(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n")
	res := env.sup.Start(Options{Callbacks: env.callbacks()})
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}
	if err := env.sup.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if res := env.sup.Start(Options{}); res.Err != ErrShutdown {
		t.Fatalf("start after shutdown: %v", res.Err)
	}
	if err := env.sup.Shutdown(); err != nil {
		t.Fatalf("repeated shutdown: %v", err)
	}
}

func TestShutdownAll(t *testing.T) {
	requireUnix(t)
	var sups []*Supervisor
	for i := 0; i < 3; i++ {
		sups = append(sups, New(Config{Script: fmt.Sprintf("m%d.py", i), LogDir: t.TempDir()}))
	}
	ShutdownAll(sups, time.Second)
	for i, sup := range sups {
		if res := sup.Start(Options{}); res.Err != ErrShutdown {
			t.Fatalf("supervisor %d still accepting work: %v", i, res.Err)
		}
	}
}

func TestValidateReportsEveryCheck(t *testing.T) {
	requireUnix(t)
	t.Setenv(interpreter.EnvOverride, "/bin/sh")
	dir := t.TempDir()
	script := filepath.Join(dir, "monitor.py")
	if err := os.WriteFile(script, []byte("print('x')\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	sup := New(Config{
		Root:           dir,
		Script:         script,
		LogDir:         filepath.Join(dir, "logs"),
		ReferenceImage: filepath.Join(dir, "nope.png"),
	})
	defer func() { _ = sup.Shutdown() }()

	res := sup.Validate(Options{})
	if res.OK() {
		t.Fatal("missing reference should fail validation")
	}
	for _, name := range []string{CheckInterpreter, CheckScript, CheckReference, CheckLogDir} {
		if _, ok := res.Checks[name]; !ok {
			t.Fatalf("check %s not reported", name)
		}
	}
	if !res.Checks[CheckScript].OK || res.Checks[CheckReference].OK {
		t.Fatalf("unexpected check outcomes: %+v", res.Checks)
	}
	if !strings.Contains(res.String(), CheckReference) {
		t.Fatalf("failure summary missing check name: %q", res.String())
	}
}
