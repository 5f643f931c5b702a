package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Server.ClientQueueCapacity)
	assert.Equal(t, 20, cfg.Orchestrator.MaxPages)
	assert.Equal(t, 100, cfg.Backfill.MaxChunksPerRun)
	assert.Equal(t, 10, cfg.Stream.MaxRestartAttempts)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  client_queue_capacity: 64
cache:
  addr: "redis:6379"
backfill:
  max_chunks_per_run: 12
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Server.ClientQueueCapacity)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
	assert.Equal(t, 12, cfg.Backfill.MaxChunksPerRun)

	// Untouched sections keep their defaults.
	assert.Equal(t, 20, cfg.Orchestrator.MaxPages)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
cache:
  addr: "redis-from-file:6379"
`)
	t.Setenv("REDIS_ADDR", "redis-from-env:6379")
	t.Setenv("PG_DSN", "postgres://env/bars")
	t.Setenv("HTTP_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis-from-env:6379", cfg.Cache.Addr)
	assert.Equal(t, "postgres://env/bars", cfg.DB.DSN)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}
