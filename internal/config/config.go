package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/invigil-dev/invigil/internal/event"
	"github.com/invigil-dev/invigil/internal/history"
	"github.com/invigil-dev/invigil/internal/logger"
	"github.com/invigil-dev/invigil/internal/proc"
	"github.com/invigil-dev/invigil/internal/supervisor"
)

// Config is the top-level TOML structure for the invigil daemon.
type Config struct {
	Root      string          `toml:"root" mapstructure:"root"`
	Monitor   MonitorConfig   `toml:"monitor" mapstructure:"monitor"`
	Cooldowns CooldownsConfig `toml:"cooldowns" mapstructure:"cooldowns"`
	ChildLog  logger.Config   `toml:"child_log" mapstructure:"child_log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Daemon    DaemonConfig    `toml:"daemon" mapstructure:"daemon"`
}

// MonitorConfig describes the monitor process invocation and the
// supervisor's timing knobs.
type MonitorConfig struct {
	Script         string            `toml:"script" mapstructure:"script"`
	WorkDir        string            `toml:"workdir" mapstructure:"workdir"`
	LogDir         string            `toml:"log_dir" mapstructure:"log_dir"`
	ReferenceImage string            `toml:"reference_image" mapstructure:"reference_image"`
	PollInterval   time.Duration     `toml:"poll_interval" mapstructure:"poll_interval"`
	StartupGrace   time.Duration     `toml:"startup_grace" mapstructure:"startup_grace"`
	StopTimeout    time.Duration     `toml:"stop_timeout" mapstructure:"stop_timeout"`
	RingSize       int               `toml:"ring_size" mapstructure:"ring_size"`
	Features       proc.FeatureFlags `toml:"features" mapstructure:"features"`
}

// CooldownsConfig sets alert dedup windows; keys of PerCategory are alert
// category names.
type CooldownsConfig struct {
	Default     time.Duration            `toml:"default" mapstructure:"default"`
	Critical    time.Duration            `toml:"critical" mapstructure:"critical"`
	PerCategory map[string]time.Duration `toml:"per_category" mapstructure:"per_category"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type DaemonConfig struct {
	Debug   bool   `toml:"debug" mapstructure:"debug"`
	Color   bool   `toml:"color" mapstructure:"color"`
	PIDFile string `toml:"pidfile" mapstructure:"pidfile"`
}

// Load reads a TOML config file. Missing optional sections keep their
// zero values; the supervisor applies its own defaults on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configs the daemon cannot act on at all. Environment
// checks (interpreter, reference image) happen later via the supervisor.
func (c *Config) Validate() error {
	if c.Monitor.Script == "" {
		return fmt.Errorf("monitor.script is required")
	}
	if c.Monitor.LogDir == "" {
		return fmt.Errorf("monitor.log_dir is required")
	}
	if c.Monitor.PollInterval < 0 || c.Monitor.StartupGrace < 0 || c.Monitor.StopTimeout < 0 {
		return fmt.Errorf("monitor intervals must not be negative")
	}
	return nil
}

// CooldownConfig maps the file section onto the classifier's config.
func (c *Config) CooldownConfig() event.CooldownConfig {
	out := event.CooldownConfig{
		Default:  c.Cooldowns.Default,
		Critical: c.Cooldowns.Critical,
	}
	if len(c.Cooldowns.PerCategory) > 0 {
		out.PerCategory = make(map[event.Category]time.Duration, len(c.Cooldowns.PerCategory))
		for k, d := range c.Cooldowns.PerCategory {
			out.PerCategory[event.Category(k)] = d
		}
	}
	return out
}

// SupervisorConfig assembles the supervisor wiring from this file config.
func (c *Config) SupervisorConfig(log *slog.Logger, sinks []history.Sink) supervisor.Config {
	return supervisor.Config{
		Root:           c.Root,
		Script:         c.Monitor.Script,
		WorkDir:        c.Monitor.WorkDir,
		LogDir:         c.Monitor.LogDir,
		ReferenceImage: c.Monitor.ReferenceImage,
		PollInterval:   c.Monitor.PollInterval,
		StartupGrace:   c.Monitor.StartupGrace,
		StopTimeout:    c.Monitor.StopTimeout,
		RingSize:       c.Monitor.RingSize,
		Cooldowns:      c.CooldownConfig(),
		ChildLog:       c.ChildLog,
		History:        sinks,
		Logger:         log,
	}
}
