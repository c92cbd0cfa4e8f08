package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// StartFlags holds flags for the start command
type StartFlags struct {
	SessionID      string
	ReferenceImage string
	FaceDetection  bool
	FaceMatching   bool
	EyeTracking    bool
	PhoneDetection bool
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Stream string
	Lines  int
}

// AlertsFlags holds flags for the alerts command
type AlertsFlags struct {
	SessionID string
	Limit     int
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	logsFlags := &LogsFlags{}
	alertsFlags := &AlertsFlags{}

	c := command{flags: globalFlags}

	root := &cobra.Command{
		Use:   "invigil",
		Short: "Exam-proctoring monitor supervisor",
		Long: `Invigil supervises the proctoring monitor process and exposes its
alerts, logs and lifecycle over an HTTP API.

Examples:
  invigil serve --config=config.toml   # Start daemon
  invigil start --session-id=exam42    # Start a monitoring session
  invigil status                       # Show monitor state
  invigil logs --stream=stderr -n 50   # Recent child output`,
	}

	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099/api)")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		createStartCommand(c, startFlags),
		createStopCommand(c),
		createStatusCommand(c),
		createLogsCommand(c, logsFlags),
		createReferenceCommand(c),
		createValidateCommand(c),
		createAlertsCommand(c, alertsFlags),
		createServeCommand(globalFlags),
	)

	return root
}

func createStartCommand(c command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a monitoring session",
		Long: `Start the proctoring monitor for a new session. When no session id
is given the daemon generates one.

Examples:
  invigil start
  invigil start --session-id=exam42 --reference=./participant.png
  invigil start --eye-tracking=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}

	cmd.Flags().StringVar(&f.SessionID, "session-id", "", "session identifier (generated when empty)")
	cmd.Flags().StringVar(&f.ReferenceImage, "reference", "", "participant reference image path")
	cmd.Flags().BoolVar(&f.FaceDetection, "face-detection", true, "enable face detection")
	cmd.Flags().BoolVar(&f.FaceMatching, "face-matching", true, "enable face matching against the reference image")
	cmd.Flags().BoolVar(&f.EyeTracking, "eye-tracking", true, "enable eye tracking")
	cmd.Flags().BoolVar(&f.PhoneDetection, "phone-detection", true, "enable phone detection")

	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active monitoring session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop()
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show monitor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
}

func createLogsCommand(c command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent monitor output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(*f)
		},
	}
	cmd.Flags().StringVar(&f.Stream, "stream", "stdout", "stream to read (stdout or stderr)")
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 100, "number of lines")
	return cmd
}

func createReferenceCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "reference <image-path>",
		Short: "Replace the running session's reference image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UpdateReference(args[0])
		},
	}
}

func createValidateCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check monitor prerequisites without starting",
		Long: `Run the daemon's preflight checks: python interpreter, monitor
script, reference image and log directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate()
		},
	}
}

func createAlertsCommand(c command, f *AlertsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent proctoring alerts from history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alerts(*f)
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session-id", "", "filter by session")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of alerts")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{ConfigPath: globalFlags.ConfigPath}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the invigil daemon",
		Long: `Start the invigil daemon serving the monitor control API.
All configuration is loaded from a TOML file.

Examples:
  invigil serve config.toml
  invigil serve --config=config.toml
  invigil serve config.toml --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.ConfigPath == "" {
				serveFlags.ConfigPath = globalFlags.ConfigPath
			}
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}
