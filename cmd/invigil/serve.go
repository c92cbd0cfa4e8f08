package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invigil-dev/invigil"
)

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := invigil.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(cfg.Daemon.PIDFile, flags.LogFile)
	}

	log := invigil.NewDaemonLogger(cfg.Daemon.Debug, cfg.Daemon.Color)

	if err := invigil.RegisterMetricsDefault(); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}

	var sinks []invigil.HistorySink
	var alerts invigil.AlertReader
	if cfg.History.DSN != "" {
		sink, err := invigil.NewHistorySink(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history backend: %w", err)
		}
		sinks = append(sinks, sink)
		if r, ok := sink.(invigil.AlertReader); ok {
			alerts = r
		}
	}

	sup := invigil.New(cfg.SupervisorConfig(log, sinks))

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen must be configured to run serve command")
	}
	srv, err := invigil.NewHTTPServer(sup, invigil.ServerOptions{
		Listen:    cfg.Server.Listen,
		BasePath:  cfg.Server.BasePath,
		Callbacks: loggingCallbacks(log),
		Alerts:    alerts,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("HTTP server stopped", "error", err)
		}
	}()
	log.Info("invigil daemon started", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	for _, err := range invigil.ShutdownAll([]*invigil.Supervisor{sup}, cfg.Monitor.StopTimeout) {
		if err != nil {
			log.Error("shutdown", "error", err)
		}
	}
	_ = srv.Close()
	for _, s := range sinks {
		_ = s.Close()
	}
	if cfg.Daemon.PIDFile != "" {
		_ = removePidFile(cfg.Daemon.PIDFile)
	}
	return nil
}

// loggingCallbacks mirrors every session event into the daemon log. Hosts
// embedding the library register their own handlers instead.
func loggingCallbacks(log *slog.Logger) invigil.Callbacks {
	return invigil.Callbacks{
		OnOutput: func(line, stream string) {
			log.Debug("monitor output", "stream", stream, "line", line)
		},
		OnLogAlert: func(a invigil.Alert) {
			log.Warn("proctoring alert",
				"category", a.Category, "severity", a.Severity, "message", a.Message,
				"at", a.Timestamp.Format(time.RFC3339))
		},
		OnLogNotification: func(n invigil.Notification) {
			log.Info("proctoring notice", "category", n.Category, "message", n.Message)
		},
		OnExit: func(code int, sig string) {
			log.Info("monitor exited", "code", code, "signal", sig)
		},
	}
}
