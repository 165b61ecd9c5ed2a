package model

import "time"

// Settings is the runtime-mutable settings snapshot. Writers publish a new
// immutable value; readers keep the snapshot they started with, so there is
// no settings lock on hot paths.
type Settings struct {
	DefaultCLI        CLIType       `json:"default_cli_type"`
	ReviewCLI         CLIType       `json:"review_cli_type"`
	ReviewEnabled     bool          `json:"review_enabled"`
	Terminal          TerminalType  `json:"terminal_type"`
	MaxConcurrent     int           `json:"max_concurrent"`
	WatchdogInterval  time.Duration `json:"watchdog_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	ContextThreshold  float64       `json:"context_restart_threshold"` // percent remaining
	SpawnTimeout      time.Duration `json:"spawn_timeout"`
	MinimumRun        time.Duration `json:"minimum_run"` // guard against restart flapping
	DangerousApproval bool          `json:"dangerous_approval"`
}

// DefaultSettings returns the settings used when the store has no overrides.
func DefaultSettings() Settings {
	return Settings{
		DefaultCLI:        CLIClaudeCode,
		ReviewCLI:         CLICodex,
		ReviewEnabled:     false,
		Terminal:          TerminalAuto,
		MaxConcurrent:     3,
		WatchdogInterval:  30 * time.Second,
		HeartbeatTimeout:  300 * time.Second,
		ContextThreshold:  15,
		SpawnTimeout:      10 * time.Second,
		MinimumRun:        60 * time.Second,
		DangerousApproval: true,
	}
}

// ReviewCLIFor returns the CLI kind to use for cross-review of a task that
// was executed by ran. Review always uses a different CLI: when the
// configured review CLI matches, fall back to the first other kind.
func (s Settings) ReviewCLIFor(ran CLIType) CLIType {
	if s.ReviewCLI != "" && s.ReviewCLI != ran {
		return s.ReviewCLI
	}
	for _, c := range []CLIType{CLIClaudeCode, CLICodex, CLIGemini} {
		if c != ran {
			return c
		}
	}
	return ran
}
