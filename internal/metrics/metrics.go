package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "session_starts_total",
			Help:      "Number of successfully started monitor sessions.",
		},
	)
	sessionStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "session_stops_total",
			Help:      "Number of sessions stopped on request.",
		},
	)
	sessionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "session_failures_total",
			Help:      "Number of sessions that ended in failure (spawn failure or unexpected exit).",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	alertsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "alerts",
			Name:      "delivered_total",
			Help:      "Alert events delivered to the host, by category and severity.",
		}, []string{"category", "severity"},
	)
	alertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Alert events suppressed by the per-category cooldown window.",
		}, []string{"category"},
	)
	tailBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "tail",
			Name:      "bytes_total",
			Help:      "Bytes consumed from watched log files.",
		}, []string{"file"},
	)
	tailResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "tail",
			Name:      "resets_total",
			Help:      "Cursor resets caused by file truncation or rotation.",
		}, []string{"file"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invigil",
			Subsystem: "monitor",
			Name:      "terminations_total",
			Help:      "Monitor terminations by method (graceful, forced, none, failed).",
		}, []string{"method"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionStarts, sessionStops, sessionFailures,
		stateTransitions, currentState,
		alertsDelivered, alertsSuppressed,
		tailBytes, tailResets, terminations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
	}
}
func IncSessionStop() {
	if regOK.Load() {
		sessionStops.Inc()
	}
}
func IncSessionFailure() {
	if regOK.Load() {
		sessionFailures.Inc()
	}
}
func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}
func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentState.WithLabelValues(state).Set(v)
	}
}
func IncAlertDelivered(category, severity string) {
	if regOK.Load() {
		alertsDelivered.WithLabelValues(category, severity).Inc()
	}
}
func IncAlertSuppressed(category string) {
	if regOK.Load() {
		alertsSuppressed.WithLabelValues(category).Inc()
	}
}
func AddTailBytes(file string, n int) {
	if regOK.Load() {
		tailBytes.WithLabelValues(file).Add(float64(n))
	}
}
func IncTailReset(file string) {
	if regOK.Load() {
		tailResets.WithLabelValues(file).Inc()
	}
}
func IncTermination(method string) {
	if regOK.Load() {
		terminations.WithLabelValues(method).Inc()
	}
}
