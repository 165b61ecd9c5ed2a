package store

import (
	"context"
	"strconv"
	"time"

	"taskdeck/internal/model"
)

// Setting keys understood by the core.
const (
	KeyDefaultCLI       = "default_cli_type"
	KeyReviewCLI        = "review_cli_type"
	KeyReviewEnabled    = "review_enabled"
	KeyTerminal         = "terminal_type"
	KeyMaxConcurrent    = "max_concurrent"
	KeyWatchdogInterval = "watchdog_interval_sec"
	KeyHeartbeatTimeout = "heartbeat_timeout_sec"
	KeyContextThreshold = "context_restart_threshold"
)

// LoadSettings reads the settings rows and applies them on top of base.
// Unknown keys are ignored; malformed values keep the base value.
func LoadSettings(ctx context.Context, ss SettingsStore, base model.Settings) (model.Settings, error) {
	rows, err := ss.AllSettings(ctx)
	if err != nil {
		return base, err
	}
	return ApplyOverrides(base, rows), nil
}

// ApplyOverrides merges raw key/value overrides into a settings snapshot.
func ApplyOverrides(base model.Settings, rows map[string]string) model.Settings {
	s := base
	if v, ok := rows[KeyDefaultCLI]; ok && model.ValidCLIType(model.CLIType(v)) {
		s.DefaultCLI = model.CLIType(v)
	}
	if v, ok := rows[KeyReviewCLI]; ok && model.ValidCLIType(model.CLIType(v)) {
		s.ReviewCLI = model.CLIType(v)
	}
	if v, ok := rows[KeyReviewEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.ReviewEnabled = b
		}
	}
	if v, ok := rows[KeyTerminal]; ok && model.ValidTerminalType(model.TerminalType(v)) {
		s.Terminal = model.TerminalType(v)
	}
	if v, ok := rows[KeyMaxConcurrent]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			s.MaxConcurrent = n
		}
	}
	if v, ok := rows[KeyWatchdogInterval]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.WatchdogInterval = time.Duration(n) * time.Second
		}
	}
	if v, ok := rows[KeyHeartbeatTimeout]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.HeartbeatTimeout = time.Duration(n) * time.Second
		}
	}
	if v, ok := rows[KeyContextThreshold]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 100 {
			s.ContextThreshold = f
		}
	}
	return s
}
