package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:3001", cfg.Relay.URL)
	assert.Equal(t, 3*time.Second, cfg.Relay.ReconnectDelay)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.PollInterval)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}, cfg.Telemetry.LoadDelays)
	assert.Equal(t, 500*time.Millisecond, cfg.Telemetry.ScanDelay)
	assert.Equal(t, "memory", cfg.Settings.Backend)
	assert.Equal(t, Version, cfg.Relay.Version)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Empty(t, cfg.Server.AllowedOrigins)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("AUDITOR_TEST_PORTAL", "ws://portal.internal:4000")
	path := filepath.Join(t.TempDir(), "auditor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  url: ${AUDITOR_TEST_PORTAL}
  reconnect_delay: 1s
telemetry:
  call_timeout: 750ms
settings:
  backend: redis
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://portal.internal:4000", cfg.Relay.URL)
	assert.Equal(t, time.Second, cfg.Relay.ReconnectDelay)
	assert.Equal(t, 750*time.Millisecond, cfg.Telemetry.CallTimeout)
	assert.Equal(t, "redis", cfg.Settings.Backend)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.PollInterval)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [::"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
