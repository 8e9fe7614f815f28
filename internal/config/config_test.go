package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
app:
  name: convstate-test
  log_level: debug
http:
  allowed_origins:
    - https://im.example.com
    - https://admin.example.com
redis:
  host: redis.internal
  port: 6380
  pool_size: 8
ledger:
  driver: mongo
  timeout: 1500ms
cache:
  unread_ttl: 1h
  replay_window: 64
pool:
  workers: 4
  queue_size: 16
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, "convstate-test", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, 8, cfg.Redis.PoolSize)
	assert.Equal(t, LedgerDriverMongo, cfg.Ledger.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.Ledger.Timeout)
	assert.Equal(t, time.Hour, cfg.Cache.UnreadTTL)
	assert.Equal(t, 64, cfg.Cache.ReplayWindow)
	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, []string{"https://im.example.com", "https://admin.example.com"}, cfg.HTTP.AllowedOrigins)

	// 未配置的项使用默认值
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.PreviewTTL)
	assert.Equal(t, "im.convstate.events", cfg.NATS.Subject)
	assert.Equal(t, 500*time.Millisecond, cfg.Cache.OpTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CONVSTATE_REDIS_HOST", "from-env")
	t.Setenv("CONVSTATE_POOL_WORKERS", "9")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Redis.Host)
	assert.Equal(t, 9, cfg.Pool.Workers)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, LedgerDriverPostgres, cfg.Ledger.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "convstate", cfg.NATS.Name)
	assert.Equal(t, 5*time.Second, cfg.NATS.DrainTimeout)
	assert.Empty(t, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "postgres://postgres:@localhost:5432/im?sslmode=disable", cfg.Database.DSN())
}

func TestLoad_InvalidDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "ledger:\n  driver: cassandra\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
