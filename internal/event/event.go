package event

import "time"

// Category identifies one kind of monitoring condition. The set mirrors the
// monitor process's alert vocabulary; the supervisor never interprets it
// beyond routing and cooldown bookkeeping.
type Category string

const (
	CategoryNoFace        Category = "no_face"
	CategoryMultipleFaces Category = "multiple_faces"
	CategoryFaceMismatch  Category = "face_mismatch"
	CategoryPhoneDetected Category = "phone_detected"
	CategoryEyeMovement   Category = "eye_movement"
	CategorySession       Category = "session"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a classified, dedup-approved monitoring event ready for host
// delivery. Raw carries the source record verbatim; File and Seq locate it
// in the originating stream.
type Alert struct {
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Raw       string    `json:"raw,omitempty"`
	File      string    `json:"file,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
}

// Notification is an informational event: session markers, streak
// summaries, and other non-alert output worth forwarding.
type Notification struct {
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
