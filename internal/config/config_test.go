package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6677, cfg.ControlPort)
	assert.Equal(t, 1616, cfg.DataPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 180, cfg.OfflineAfterSeconds)
	assert.Equal(t, "@every 1m", cfg.UptimeSweepSchedule)
	assert.Contains(t, cfg.RemediationCommands, "restart_service")
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TALON_CONTROL_PORT", "7000")
	t.Setenv("TALON_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ControlPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile("config.yaml", []byte("data_port: 2020\noffline_after_seconds: 60\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2020, cfg.DataPort)
	assert.Equal(t, 60, cfg.OfflineAfterSeconds)
}

func TestLoadRejectsNonPositiveOfflineWindow(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TALON_OFFLINE_AFTER_SECONDS", "0")

	_, err := Load()
	require.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
