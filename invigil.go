// Package invigil supervises the exam-proctoring monitor process and
// bridges its log output into host-side callbacks, metrics and history.
package invigil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/invigil-dev/invigil/internal/config"
	"github.com/invigil-dev/invigil/internal/event"
	"github.com/invigil-dev/invigil/internal/history"
	"github.com/invigil-dev/invigil/internal/history/factory"
	"github.com/invigil-dev/invigil/internal/interpreter"
	"github.com/invigil-dev/invigil/internal/logger"
	"github.com/invigil-dev/invigil/internal/metrics"
	"github.com/invigil-dev/invigil/internal/proc"
	"github.com/invigil-dev/invigil/internal/server"
	"github.com/invigil-dev/invigil/internal/supervisor"
)

// Supervisor owns at most one monitor session at a time.
type Supervisor = supervisor.Supervisor

// Config wires a Supervisor; FileConfig is the on-disk TOML shape.
type Config = supervisor.Config
type FileConfig = cfg.Config

type Options = supervisor.Options
type Callbacks = supervisor.Callbacks
type StartResult = supervisor.StartResult
type Status = supervisor.Status
type ValidationResult = supervisor.ValidationResult
type FeatureFlags = proc.FeatureFlags
type TerminationResult = proc.TerminationResult

type Alert = event.Alert
type Notification = event.Notification
type Category = event.Category
type Severity = event.Severity
type CooldownConfig = event.CooldownConfig

type HistorySink = history.Sink
type HistoryEvent = history.Event
type AlertReader = history.AlertReader

type ServerOptions = server.Options

var (
	ErrAlreadyActive = supervisor.ErrAlreadyActive
	ErrNotRunning    = supervisor.ErrNotRunning
	ErrStopping      = supervisor.ErrStopping
	ErrShutdown      = supervisor.ErrShutdown
)

// New creates a Supervisor and starts its state machine.
func New(c Config) *Supervisor { return supervisor.New(c) }

// LoadConfig reads and validates the daemon's TOML config file.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewHistorySink builds a history backend from a DSN
// (postgres://..., sqlite://path or a bare file path).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer builds the monitor control API server. Caller owns shutdown.
func NewHTTPServer(s *Supervisor, opts ServerOptions) (*http.Server, error) {
	return server.New(s, opts)
}

// NewDaemonLogger returns the slog logger the daemon uses.
func NewDaemonLogger(debug, color bool) *slog.Logger {
	return logger.NewDaemonLogger(debug, color)
}

// ResolveInterpreter returns the python interpreter the monitor would run
// with, honoring INVIGIL_PYTHON and project-local virtualenvs under root.
func ResolveInterpreter(root string) string { return interpreter.Resolve(root) }

// ShutdownAll shuts down every supervisor concurrently, giving each
// session's child up to timeout to exit gracefully.
func ShutdownAll(sups []*Supervisor, timeout time.Duration) []error {
	return supervisor.ShutdownAll(sups, timeout)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
