package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, validate(cfg))
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Sidecar.RPCTimeout)
	assert.Equal(t, 60*time.Millisecond, cfg.Playback.LookAhead)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 40100
picker:
  refresh_interval: 2s
  thumbnail_max_dim: 128
sidecar:
  rpc_timeout: 750ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, Load(path))
	cfg := Get()
	assert.Equal(t, 40100, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Picker.RefreshInterval)
	assert.Equal(t, 128, cfg.Picker.ThumbnailMaxDim)
	assert.Equal(t, 750*time.Millisecond, cfg.Sidecar.RPCTimeout)
	// Untouched fields keep defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SWEETSHARK_PORT", "40200")
	t.Setenv("SWEETSHARK_PICKER_REFRESH_INTERVAL", "3s")
	t.Setenv("SWEETSHARK_LOG_LEVEL", "debug")

	require.NoError(t, Load(""))
	cfg := Get()
	assert.Equal(t, 40200, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Picker.RefreshInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Picker.RefreshInterval = 0
	assert.Error(t, validate(cfg))

	cfg = DefaultConfig()
	cfg.Picker.ThumbnailMaxDim = 4
	assert.Error(t, validate(cfg))

	cfg = DefaultConfig()
	cfg.Sidecar.RPCTimeout = 0
	assert.Error(t, validate(cfg))

	cfg = DefaultConfig()
	cfg.Playback.LookAhead = -time.Millisecond
	assert.Error(t, validate(cfg))
}

func TestLoadMissingFileFails(t *testing.T) {
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.yaml")))
}
