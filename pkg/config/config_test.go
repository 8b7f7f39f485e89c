package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNCD_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Sync.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Sync.MissedHeartbeats)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.MessageLatencyMax)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.EndToEndLatencyMax)
	assert.Equal(t, 60*time.Second, cfg.Presence.Timeout)
	assert.Equal(t, "permissive", cfg.Graph.CyclePolicy)
	assert.Equal(t, "lww", cfg.Graph.StrengthMerge)
	assert.Equal(t, 2*time.Second, cfg.Embedding.StalenessWindow)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.True(t, cfg.Auth.RequireAuth)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	content := []byte(`
server:
  listen_address: ":9000"
sync:
  heartbeat_interval: 10s
graph:
  cycle_policy: strict
redis:
  address: "redis.internal:6379"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("SYNCD_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.Sync.HeartbeatInterval)
	assert.Equal(t, "strict", cfg.Graph.CyclePolicy)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Sync.MissedHeartbeats)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SYNCD_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SYNCD_SERVER_LISTEN_ADDRESS", ":7777")
	t.Setenv("REDIS_ADDR", "elsewhere:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddress)
	assert.Equal(t, "elsewhere:6379", cfg.Redis.Address)
}
