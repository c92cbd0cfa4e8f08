package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/invigil-dev/invigil/internal/metrics"
	"github.com/invigil-dev/invigil/internal/tail"
)

// pattern maps a known monitor log phrase to its canonical event triple.
type pattern struct {
	match    string
	category Category
	severity Severity
	message  string
}

// Phrases the monitor writes to its session log. Matching is
// case-insensitive substring search; first hit wins.
var patterns = []pattern{
	{"no face detected", CategoryNoFace, SeverityWarning, "No face detected in frame"},
	{"multiple faces detected", CategoryMultipleFaces, SeverityWarning, "Multiple faces detected in frame"},
	{"face mismatch", CategoryFaceMismatch, SeverityCritical, "Participant face does not match reference"},
	{"face verification failed", CategoryFaceMismatch, SeverityCritical, "Participant face does not match reference"},
	{"phone detected", CategoryPhoneDetected, SeverityCritical, "Unauthorized device detected"},
	{"unauthorized device detected", CategoryPhoneDetected, SeverityCritical, "Unauthorized device detected"},
	{"eye movement", CategoryEyeMovement, SeverityWarning, "Suspicious eye movement detected"},
	{"looking away", CategoryEyeMovement, SeverityWarning, "Suspicious eye movement detected"},
}

// alertRecord is one line of the monitor's JSON alerts file. Timestamp is
// kept as a string because the monitor writes zoneless isoformat values
// that time.Time's JSON decoding rejects.
type alertRecord struct {
	Category  string `json:"category"`
	Type      string `json:"type"` // legacy field name for category
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Timestamp layouts the monitor has been observed to write.
var alertTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseAlertTime parses a monitor timestamp, returning the zero time when
// no known layout matches.
func parseAlertTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range alertTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Classifier turns raw tailed records into typed events and applies the
// cooldown deduper before anything reaches the host. Unrecognized records
// are dropped, never errors.
type Classifier struct {
	ded *Deduper
	now func() time.Time
}

func NewClassifier(cfg CooldownConfig) *Classifier {
	return &Classifier{ded: NewDeduper(cfg), now: time.Now}
}

// Classify maps rec to at most one delivered alert plus any streak-end
// notifications that came due. A nil alert means the record was either
// unrecognized, informational, or suppressed by its category's cooldown.
func (c *Classifier) Classify(rec tail.Record) (*Alert, []Notification) {
	now := c.now()
	notes := c.ded.Expire(now)

	var alert *Alert
	switch rec.Format {
	case tail.FormatJSON:
		alert = c.classifyJSON(rec, now)
	default:
		var note *Notification
		alert, note = c.classifyText(rec, now)
		if note != nil {
			notes = append(notes, *note)
		}
	}
	if alert == nil {
		return nil, notes
	}

	if !c.ded.Allow(alert.Category, alert.Severity, now) {
		metrics.IncAlertSuppressed(string(alert.Category))
		return nil, notes
	}
	metrics.IncAlertDelivered(string(alert.Category), string(alert.Severity))
	return alert, notes
}

// Flush closes all open streaks; called once when the session ends.
func (c *Classifier) Flush() []Notification {
	return c.ded.Flush(c.now())
}

func (c *Classifier) classifyJSON(rec tail.Record, now time.Time) *Alert {
	var ar alertRecord
	if err := json.Unmarshal([]byte(rec.Line), &ar); err != nil {
		return nil
	}
	cat := ar.Category
	if cat == "" {
		cat = ar.Type
	}
	if cat == "" || ar.Message == "" {
		return nil
	}
	sev := Severity(ar.Severity)
	switch sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		sev = SeverityWarning
	}
	ts := parseAlertTime(ar.Timestamp)
	if ts.IsZero() {
		ts = now
	}
	return &Alert{
		Category:  Category(cat),
		Severity:  sev,
		Message:   ar.Message,
		Timestamp: ts,
		Raw:       rec.Line,
		File:      rec.File,
		Seq:       rec.Seq,
	}
}

func (c *Classifier) classifyText(rec tail.Record, now time.Time) (*Alert, *Notification) {
	body, hint := splitLogLine(rec.Line)
	lower := strings.ToLower(body)

	if strings.Contains(body, "PROCTORING SESSION STARTED") {
		return nil, &Notification{Category: CategorySession, Message: "Monitoring session started", Timestamp: now}
	}
	if strings.Contains(body, "PROCTORING SESSION ENDED") {
		return nil, &Notification{Category: CategorySession, Message: "Monitoring session ended", Timestamp: now}
	}

	for _, p := range patterns {
		if !strings.Contains(lower, p.match) {
			continue
		}
		sev := p.severity
		if hint == SeverityCritical {
			sev = SeverityCritical
		}
		return &Alert{
			Category:  p.category,
			Severity:  sev,
			Message:   p.message,
			Timestamp: now,
			Raw:       rec.Line,
			File:      rec.File,
			Seq:       rec.Seq,
		}, nil
	}
	return nil, nil
}

// splitLogLine strips the monitor's "2006-01-02 15:04:05 - LEVEL - " prefix
// when present and returns the message body plus a severity hint derived
// from the level field.
func splitLogLine(line string) (string, Severity) {
	parts := strings.SplitN(line, " - ", 3)
	if len(parts) != 3 {
		return line, ""
	}
	if _, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(parts[0])); err != nil {
		return line, ""
	}
	body := parts[2]
	switch strings.TrimSpace(parts[1]) {
	case "CRITICAL":
		return body, SeverityCritical
	case "WARNING":
		return body, SeverityWarning
	case "INFO":
		return body, SeverityInfo
	}
	return body, ""
}
