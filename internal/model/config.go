package model

import "time"

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Context  ContextConfig  `yaml:"context"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`       // HTTP surface, default 127.0.0.1:8086
	CallbackBaseURL string `yaml:"callback_base_url"` // what spawned CLIs POST back to
}

type SessionsConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`
	DefaultCLI      string `yaml:"default_cli"`
	ReviewCLI       string `yaml:"review_cli"`
	ReviewEnabled   bool   `yaml:"review_enabled"`
	Terminal        string `yaml:"terminal"`
	SpawnTimeoutSec int    `yaml:"spawn_timeout_sec"`
	ScratchDir      string `yaml:"scratch_dir"` // prompt scratch files; empty means os.TempDir
}

type WatchdogConfig struct {
	IntervalSec         int `yaml:"interval_sec"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

type ContextConfig struct {
	RestartThresholdPct float64 `yaml:"restart_threshold_pct"`
	MinimumRunSec       int     `yaml:"minimum_run_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SettingsFromConfig converts the static config file into an initial settings
// snapshot. Store overrides are applied on top at daemon start.
func SettingsFromConfig(cfg Config) Settings {
	s := DefaultSettings()
	if cfg.Sessions.MaxConcurrent > 0 {
		s.MaxConcurrent = cfg.Sessions.MaxConcurrent
	}
	if cfg.Sessions.DefaultCLI != "" {
		s.DefaultCLI = CLIType(cfg.Sessions.DefaultCLI)
	}
	if cfg.Sessions.ReviewCLI != "" {
		s.ReviewCLI = CLIType(cfg.Sessions.ReviewCLI)
	}
	s.ReviewEnabled = cfg.Sessions.ReviewEnabled
	if cfg.Sessions.Terminal != "" {
		s.Terminal = TerminalType(cfg.Sessions.Terminal)
	}
	if cfg.Sessions.SpawnTimeoutSec > 0 {
		s.SpawnTimeout = secs(cfg.Sessions.SpawnTimeoutSec)
	}
	if cfg.Watchdog.IntervalSec > 0 {
		s.WatchdogInterval = secs(cfg.Watchdog.IntervalSec)
	}
	if cfg.Watchdog.HeartbeatTimeoutSec > 0 {
		s.HeartbeatTimeout = secs(cfg.Watchdog.HeartbeatTimeoutSec)
	}
	if cfg.Context.RestartThresholdPct > 0 {
		s.ContextThreshold = cfg.Context.RestartThresholdPct
	}
	if cfg.Context.MinimumRunSec > 0 {
		s.MinimumRun = secs(cfg.Context.MinimumRunSec)
	}
	return s
}
