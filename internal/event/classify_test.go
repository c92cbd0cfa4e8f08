package event

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/invigil-dev/invigil/internal/tail"
)

func textRecord(line string) tail.Record {
	return tail.Record{File: "test.log", Format: tail.FormatText, Seq: 1, Line: line}
}

func jsonRecord(line string) tail.Record {
	return tail.Record{File: "session_x_alerts.jsonl", Format: tail.FormatJSON, Seq: 1, Line: line}
}

// fixedClassifier returns a classifier whose clock the test controls.
func fixedClassifier(cfg CooldownConfig) (*Classifier, *time.Time) {
	c := NewClassifier(cfg)
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestClassifyTextPatterns(t *testing.T) {
	cases := []struct {
		line     string
		category Category
		severity Severity
	}{
		{"2025-03-14 10:00:00 - WARNING - No face detected in frame", CategoryNoFace, SeverityWarning},
		{"2025-03-14 10:00:00 - WARNING - Multiple faces detected", CategoryMultipleFaces, SeverityWarning},
		{"2025-03-14 10:00:00 - CRITICAL - Face mismatch with reference image", CategoryFaceMismatch, SeverityCritical},
		{"2025-03-14 10:00:00 - CRITICAL - Phone detected in frame", CategoryPhoneDetected, SeverityCritical},
		{"2025-03-14 10:00:00 - WARNING - Suspicious eye movement", CategoryEyeMovement, SeverityWarning},
		{"no face detected", CategoryNoFace, SeverityWarning}, // bare line, no prefix
	}
	for _, tc := range cases {
		c, _ := fixedClassifier(CooldownConfig{})
		alert, _ := c.Classify(textRecord(tc.line))
		if alert == nil {
			t.Fatalf("line %q not classified", tc.line)
		}
		if alert.Category != tc.category || alert.Severity != tc.severity {
			t.Fatalf("line %q: got %s/%s want %s/%s",
				tc.line, alert.Category, alert.Severity, tc.category, tc.severity)
		}
		if alert.Raw != tc.line {
			t.Fatalf("raw line not preserved: %q", alert.Raw)
		}
	}
}

func TestClassifyUnrecognizedLineDropped(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	alert, notes := c.Classify(textRecord("2025-03-14 10:00:00 - INFO - frame 1024 processed"))
	if alert != nil || len(notes) != 0 {
		t.Fatalf("routine log line should yield nothing, got %+v %+v", alert, notes)
	}
}

func TestClassifySessionMarkers(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	alert, notes := c.Classify(textRecord("2025-03-14 10:00:00 - INFO - ===== PROCTORING SESSION STARTED ====="))
	if alert != nil {
		t.Fatalf("session marker should not be an alert")
	}
	if len(notes) != 1 || notes[0].Category != CategorySession {
		t.Fatalf("expected session notification, got %+v", notes)
	}
}

func TestClassifyJSONRecord(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	line := `{"category":"phone_detected","severity":"critical","message":"Phone visible","timestamp":"2025-03-14T10:00:00Z"}`
	alert, _ := c.Classify(jsonRecord(line))
	if alert == nil {
		t.Fatal("JSON alert not classified")
	}
	if alert.Category != CategoryPhoneDetected || alert.Severity != SeverityCritical {
		t.Fatalf("wrong triple: %s/%s", alert.Category, alert.Severity)
	}
	if alert.Message != "Phone visible" {
		t.Fatalf("message not carried: %q", alert.Message)
	}
}

func TestClassifyJSONLegacyTypeField(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	alert, _ := c.Classify(jsonRecord(`{"type":"no_face","message":"No face"}`))
	if alert == nil || alert.Category != CategoryNoFace {
		t.Fatalf("legacy type field not honored: %+v", alert)
	}
	if alert.Severity != SeverityWarning {
		t.Fatalf("missing severity should default to warning, got %s", alert.Severity)
	}
}

func TestClassifyJSONZonelessTimestamp(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	line := `{"type":"no_face","message":"No face detected","severity":"warning","timestamp":"2026-08-29T12:00:00.123456"}`
	alert, _ := c.Classify(jsonRecord(line))
	if alert == nil {
		t.Fatal("alert with zoneless isoformat timestamp was dropped")
	}
	want := time.Date(2026, 8, 29, 12, 0, 0, 123456000, time.UTC)
	if !alert.Timestamp.Equal(want) {
		t.Fatalf("timestamp not parsed: got %v want %v", alert.Timestamp, want)
	}
}

func TestClassifyJSONUnparsableTimestampUsesClock(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{})
	alert, _ := c.Classify(jsonRecord(`{"category":"no_face","message":"No face","timestamp":"yesterday"}`))
	if alert == nil {
		t.Fatal("alert with junk timestamp was dropped")
	}
	if !alert.Timestamp.Equal(*now) {
		t.Fatalf("junk timestamp should fall back to the clock, got %v", alert.Timestamp)
	}
}

func TestClassifyJSONGarbageDropped(t *testing.T) {
	c, _ := fixedClassifier(CooldownConfig{})
	for _, line := range []string{"{not json", `{"severity":"critical"}`, `{}`} {
		if alert, _ := c.Classify(jsonRecord(line)); alert != nil {
			t.Fatalf("malformed record %q produced alert %+v", line, alert)
		}
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{Default: 3 * time.Second, Critical: 3 * time.Second})

	// Three occurrences inside one window deliver exactly once.
	delivered := 0
	for i := 0; i < 3; i++ {
		*now = now.Add(300 * time.Millisecond)
		if alert, _ := c.Classify(textRecord("no face detected")); alert != nil {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery inside window, got %d", delivered)
	}

	// A fourth occurrence after the window fires again.
	*now = now.Add(4 * time.Second)
	if alert, _ := c.Classify(textRecord("no face detected")); alert == nil {
		t.Fatal("expected re-delivery after window elapsed")
	}
}

func TestCooldownIsPerCategory(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{Default: 3 * time.Second, Critical: 3 * time.Second})
	if alert, _ := c.Classify(textRecord("no face detected")); alert == nil {
		t.Fatal("first no_face should deliver")
	}
	*now = now.Add(100 * time.Millisecond)
	if alert, _ := c.Classify(textRecord("phone detected")); alert == nil {
		t.Fatal("different category must not share the cooldown")
	}
}

func TestStreakEndNotification(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{Default: 2 * time.Second, Critical: 2 * time.Second})

	for i := 0; i < 3; i++ {
		c.Classify(textRecord("no face detected"))
		*now = now.Add(500 * time.Millisecond)
	}

	// Quiet period longer than the window, then any record triggers expiry.
	*now = now.Add(5 * time.Second)
	_, notes := c.Classify(textRecord("routine line"))
	if len(notes) != 1 {
		t.Fatalf("expected one streak-end notification, got %+v", notes)
	}
	n := notes[0]
	if n.Category != CategoryNoFace {
		t.Fatalf("wrong category: %s", n.Category)
	}
	if !strings.Contains(n.Message, "ended after") || !strings.Contains(n.Message, "3 occurrences") {
		t.Fatalf("streak message malformed: %q", n.Message)
	}
}

func TestSingleOccurrenceEndsSilently(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{Default: 1 * time.Second, Critical: 1 * time.Second})
	c.Classify(textRecord("phone detected"))
	*now = now.Add(10 * time.Second)
	_, notes := c.Classify(textRecord("routine line"))
	if len(notes) != 0 {
		t.Fatalf("one-off alert should not produce a streak notice: %+v", notes)
	}
}

func TestFlushClosesOpenStreaks(t *testing.T) {
	c, now := fixedClassifier(CooldownConfig{Default: time.Minute, Critical: time.Minute})
	c.Classify(textRecord("no face detected"))
	*now = now.Add(time.Second)
	c.Classify(textRecord("no face detected"))

	notes := c.Flush()
	if len(notes) != 1 || notes[0].Category != CategoryNoFace {
		t.Fatalf("flush should close the open streak: %+v", notes)
	}
	if notes := c.Flush(); len(notes) != 0 {
		t.Fatalf("second flush should be empty: %+v", notes)
	}
}

func TestSplitLogLine(t *testing.T) {
	body, sev := splitLogLine("2025-03-14 10:00:05 - CRITICAL - Phone detected")
	if body != "Phone detected" || sev != SeverityCritical {
		t.Fatalf("got %q/%q", body, sev)
	}

	// A line whose first field is not a timestamp stays intact.
	body, sev = splitLogLine("a - b - c")
	if body != "a - b - c" || sev != "" {
		t.Fatalf("non-log line mangled: %q/%q", body, sev)
	}

	body, _ = splitLogLine("2025-03-14 10:00:05 - INFO - x - y")
	if body != "x - y" {
		t.Fatalf("message with separator mangled: %q", body)
	}
}

func TestDeduperWindowSelection(t *testing.T) {
	cfg := CooldownConfig{
		Default:     2 * time.Second,
		Critical:    8 * time.Second,
		PerCategory: map[Category]time.Duration{CategoryEyeMovement: 30 * time.Second},
	}
	cases := []struct {
		cat  Category
		sev  Severity
		want time.Duration
	}{
		{CategoryNoFace, SeverityWarning, 2 * time.Second},
		{CategoryPhoneDetected, SeverityCritical, 8 * time.Second},
		{CategoryEyeMovement, SeverityWarning, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.window(tc.cat, tc.sev); got != tc.want {
			t.Fatalf("window(%s,%s) = %v want %v", tc.cat, tc.sev, got, tc.want)
		}
	}

	var zero CooldownConfig
	if got := zero.window(CategoryNoFace, SeverityWarning); got != DefaultCooldown {
		t.Fatalf("zero config default window = %v", got)
	}
	if got := zero.window(CategoryPhoneDetected, SeverityCritical); got != DefaultCriticalCooldown {
		t.Fatalf("zero config critical window = %v", got)
	}
}

func TestDeduperCountsSuppressed(t *testing.T) {
	d := NewDeduper(CooldownConfig{Default: 5 * time.Second, Critical: 5 * time.Second})
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	if !d.Allow(CategoryNoFace, SeverityWarning, base) {
		t.Fatal("first event must fire")
	}
	for i := 1; i <= 4; i++ {
		if d.Allow(CategoryNoFace, SeverityWarning, base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("event %d inside window fired", i)
		}
	}
	notes := d.Expire(base.Add(time.Minute))
	if len(notes) != 1 || !strings.Contains(notes[0].Message, fmt.Sprintf("%d occurrences", 5)) {
		t.Fatalf("occurrence count wrong: %+v", notes)
	}
}
