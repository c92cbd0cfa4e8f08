package event

import (
	"fmt"
	"time"
)

// Default cooldown windows. Critical categories get a longer window so a
// sustained condition does not repeat critical spam; informational ones can
// re-fire sooner.
const (
	DefaultCooldown         = 3 * time.Second
	DefaultCriticalCooldown = 10 * time.Second
)

// CooldownConfig sets per-category cooldown windows. Zero values fall back
// to the defaults above.
type CooldownConfig struct {
	Default  time.Duration
	Critical time.Duration
	// PerCategory overrides both defaults for specific categories.
	PerCategory map[Category]time.Duration
}

func (c CooldownConfig) window(cat Category, sev Severity) time.Duration {
	if d, ok := c.PerCategory[cat]; ok && d > 0 {
		return d
	}
	if sev == SeverityCritical {
		if c.Critical > 0 {
			return c.Critical
		}
		return DefaultCriticalCooldown
	}
	if c.Default > 0 {
		return c.Default
	}
	return DefaultCooldown
}

// cooldownEntry tracks one active category streak.
// firedAt is the last delivered event; lastSeen the last occurrence,
// delivered or suppressed. Entries expire lazily.
type cooldownEntry struct {
	firedAt  time.Time
	lastSeen time.Time
	window   time.Duration
	count    int
}

// Deduper suppresses repeat alerts of a category inside its cooldown window
// and reports streaks that have gone quiet. Not safe for concurrent use;
// the supervisor drives it from a single goroutine.
type Deduper struct {
	cfg     CooldownConfig
	entries map[Category]*cooldownEntry
}

func NewDeduper(cfg CooldownConfig) *Deduper {
	return &Deduper{cfg: cfg, entries: make(map[Category]*cooldownEntry)}
}

// Allow reports whether an event of cat observed at now should be
// delivered. A suppressed event still extends the category's streak.
func (d *Deduper) Allow(cat Category, sev Severity, now time.Time) bool {
	window := d.cfg.window(cat, sev)
	e, ok := d.entries[cat]
	if ok && now.Sub(e.firedAt) < window {
		e.lastSeen = now
		e.count++
		return false
	}
	// Window elapsed (or first occurrence): record a fresh entry and fire.
	d.entries[cat] = &cooldownEntry{firedAt: now, lastSeen: now, window: window, count: 1}
	return true
}

// Expire removes streaks whose last occurrence is older than their window
// and returns a closing notification for each, matching the monitor's own
// streak logging ("<category> ended after Ns").
func (d *Deduper) Expire(now time.Time) []Notification {
	var out []Notification
	for cat, e := range d.entries {
		if now.Sub(e.lastSeen) <= e.window {
			continue
		}
		delete(d.entries, cat)
		if e.count <= 1 {
			continue
		}
		dur := e.lastSeen.Sub(e.firedAt)
		out = append(out, Notification{
			Category:  cat,
			Message:   fmt.Sprintf("%s: ended after %ds (%d occurrences)", cat, int(dur.Seconds()), e.count),
			Timestamp: now,
		})
	}
	return out
}

// Flush closes every active streak regardless of age. Used at session end.
func (d *Deduper) Flush(now time.Time) []Notification {
	var out []Notification
	for cat, e := range d.entries {
		delete(d.entries, cat)
		if e.count <= 1 {
			continue
		}
		dur := e.lastSeen.Sub(e.firedAt)
		out = append(out, Notification{
			Category:  cat,
			Message:   fmt.Sprintf("%s: ended after %ds (%d occurrences)", cat, int(dur.Seconds()), e.count),
			Timestamp: now,
		})
	}
	return out
}
