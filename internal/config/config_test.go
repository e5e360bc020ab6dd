package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4500*time.Millisecond, cfg.Ledger.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Ledger.HeartbeatJitter)
	assert.Equal(t, 15*time.Second, cfg.Ledger.StaleThreshold)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 3, cfg.Ledger.MaxBackups)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
ledger:
  base_path: /var/lib/procledger
  heartbeat_interval: 2s
  stale_threshold: 8s
  max_backups: 5
server:
  metrics_port: 9100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/procledger", cfg.Ledger.BasePath)
	assert.Equal(t, 2*time.Second, cfg.Ledger.HeartbeatInterval)
	assert.Equal(t, 8*time.Second, cfg.Ledger.StaleThreshold)
	assert.Equal(t, 5, cfg.Ledger.MaxBackups)
	assert.Equal(t, 9100, cfg.Server.MetricsPort)

	// Campos omitidos mantêm os defaults.
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Ledger.LockRetryInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "ledger: [not a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Ledger.BasePath = "/tmp/ledger"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})
	t.Run("missing base path", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.BasePath = ""
		require.Error(t, cfg.Validate())
	})
	t.Run("stale must exceed heartbeat", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.StaleThreshold = cfg.Ledger.HeartbeatInterval
		require.Error(t, cfg.Validate())
	})
	t.Run("retry below timeout", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.LockRetryInterval = cfg.Ledger.LockTimeout
		cfg.Ledger.MaxLockRetryInterval = cfg.Ledger.LockTimeout
		require.Error(t, cfg.Validate())
	})
}
