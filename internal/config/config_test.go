package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/config"
)

func TestDefaultStaleThreshold(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 30*time.Second, cfg.StaleThreshold())
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval_seconds: 5\nstale_threshold_multiplier: 4\ncancel_grace_seconds: 60\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 20*time.Second, cfg.StaleThreshold())
	assert.Equal(t, 60, cfg.CancelGraceSeconds)
	assert.Equal(t, 5*time.Second, cfg.DispatchUnacceptedWindow, "unset dispatch window must fall back to the 5s default")
}

func TestLoadHonorsExplicitDispatchWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch_unaccepted_window_seconds: 12\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.DispatchUnacceptedWindow)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
