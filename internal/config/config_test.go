package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/model"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, "127.0.0.1:8086", cfg.Server.ListenAddr)
	assert.Equal(t, 30, cfg.Watchdog.IntervalSec)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Sessions.MaxConcurrent = 5
	cfg.Sessions.DefaultCLI = string(model.CLIGemini)
	cfg.Context.RestartThresholdPct = 20

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Sessions.MaxConcurrent)
	assert.Equal(t, string(model.CLIGemini), loaded.Sessions.DefaultCLI)
	assert.Equal(t, float64(20), loaded.Context.RestartThresholdPct)
}

func TestSaveCreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, Default()))

	cfg := Default()
	cfg.Sessions.MaxConcurrent = 7
	require.NoError(t, Save(path, cfg))

	_, err := os.Stat(path + ".bak")
	assert.NoError(t, err, "second save must leave a .bak of the previous file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions:\n  max_concurrent: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRejectsUnknownCLI(t *testing.T) {
	cfg := Default()
	cfg.Sessions.DefaultCLI = "clippy"
	err := Save(filepath.Join(t.TempDir(), "config.yaml"), cfg)
	assert.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := Default()
	cfg.Watchdog.IntervalSec = 5
	cfg.Context.RestartThresholdPct = 25

	s := model.SettingsFromConfig(cfg)
	assert.Equal(t, float64(25), s.ContextThreshold)
	assert.Equal(t, "5s", s.WatchdogInterval.String())
	assert.Equal(t, model.CLIClaudeCode, s.DefaultCLI)
}
