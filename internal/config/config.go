// Package config loads and saves the taskdeck YAML configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"taskdeck/internal/model"
)

// DefaultFileName is the config file inside the taskdeck directory.
const DefaultFileName = "config.yaml"

// Default returns the configuration written by `taskdeck init`.
func Default() model.Config {
	return model.Config{
		Server: model.ServerConfig{
			ListenAddr:      "127.0.0.1:8086",
			CallbackBaseURL: "http://127.0.0.1:8086",
		},
		Sessions: model.SessionsConfig{
			MaxConcurrent:   3,
			DefaultCLI:      string(model.CLIClaudeCode),
			ReviewCLI:       string(model.CLICodex),
			Terminal:        string(model.TerminalAuto),
			SpawnTimeoutSec: 10,
		},
		Watchdog: model.WatchdogConfig{
			IntervalSec:         30,
			HeartbeatTimeoutSec: 300,
		},
		Context: model.ContextConfig{
			RestartThresholdPct: 15,
			MinimumRunSec:       60,
		},
		Daemon:  model.DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return model.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func validate(cfg model.Config) error {
	if cfg.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("sessions.max_concurrent must be >= 1, got %d", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Sessions.DefaultCLI != "" && !model.ValidCLIType(model.CLIType(cfg.Sessions.DefaultCLI)) {
		return fmt.Errorf("sessions.default_cli: unknown CLI %q", cfg.Sessions.DefaultCLI)
	}
	if cfg.Sessions.Terminal != "" && !model.ValidTerminalType(model.TerminalType(cfg.Sessions.Terminal)) {
		return fmt.Errorf("sessions.terminal: unknown terminal %q", cfg.Sessions.Terminal)
	}
	if cfg.Context.RestartThresholdPct < 0 || cfg.Context.RestartThresholdPct > 100 {
		return fmt.Errorf("context.restart_threshold_pct out of range: %v", cfg.Context.RestartThresholdPct)
	}
	return nil
}

// Save writes cfg atomically: marshal to a temp file in the same directory,
// validate the bytes round-trip, then rename over the destination.
func Save(path string, cfg model.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	content, err := yamlv3.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWrite(path, content)
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".taskdeck-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var v any
	if err := yamlv3.Unmarshal(written, &v); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
