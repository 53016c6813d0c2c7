package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5000, cfg.HeartbeatIntervalMs)
	assert.Equal(t, 30000, cfg.SessionTimeoutMs)
	assert.Equal(t, 2, cfg.StaleMultiple)
	assert.Equal(t, 60000, cfg.RetentionPeriodMs)
	assert.Equal(t, 10, cfg.LockMaxRetries)
	assert.Equal(t, 100, cfg.LockBaseDelayMs)
	assert.Equal(t, 100, cfg.OutboxCapacity)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout())
	assert.Equal(t, 60*time.Second, cfg.StaleAfter())
	assert.Equal(t, 100*time.Millisecond, cfg.LockBaseDelay())
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHITTYSYNC_DIR", dir)

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 5000, cfg.HeartbeatIntervalMs)

	// The default config should have been written out.
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	assert.NoError(t, err)
}

func TestLoadConfigFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHITTYSYNC_DIR", dir)

	// A partial config, as a user might leave after hand-editing.
	err := os.WriteFile(filepath.Join(dir, ConfigFileName),
		[]byte(`{"session_timeout_ms": 10000}`), 0644)
	require.NoError(t, err)

	cfg := LoadConfig()
	assert.Equal(t, 10000, cfg.SessionTimeoutMs)
	assert.Equal(t, 5000, cfg.HeartbeatIntervalMs)
	assert.Equal(t, 2, cfg.StaleMultiple)
}

func TestLoadConfigCorruptFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHITTYSYNC_DIR", dir)

	err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{not json"), 0644)
	require.NoError(t, err)

	cfg := LoadConfig()
	assert.Equal(t, 30000, cfg.SessionTimeoutMs)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHITTYSYNC_DIR", dir)

	cfg := DefaultConfig()
	cfg.SessionTimeoutMs = 12345
	cfg.MetricsAddr = "127.0.0.1:9480"
	require.NoError(t, SaveConfig(cfg))

	loaded := LoadConfig()
	assert.Equal(t, 12345, loaded.SessionTimeoutMs)
	assert.Equal(t, "127.0.0.1:9480", loaded.MetricsAddr)
}

func TestStateDirDefaultsUnderConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHITTYSYNC_DIR", dir)

	cfg := DefaultConfig()
	stateDir, err := cfg.StateDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state"), stateDir)

	info, err := os.Stat(stateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
