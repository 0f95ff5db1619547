package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "sqlgateway.yaml", `
engine: postgres
connection:
  host: db.internal
  database: app
  user: reader
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Engine)
	assert.Equal(t, "db.internal", cfg.Connection.Host)
	assert.Equal(t, 10, cfg.Pool.Max)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 1000, cfg.Query.MaxRows)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.False(t, cfg.Log.QueryLog)
	assert.Equal(t, 100, cfg.Log.QueryLogSize)
	assert.Equal(t, 500, cfg.Log.MaxSQLLength)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestLoadFileReadsEveryField(t *testing.T) {
	path := writeConfig(t, "sqlgateway.yml", `
engine: mysql
connection:
  name: reporting
  host: mysql.internal
  port: 3307
  database: sales
  user: ro
  password: secret
  flavor: mariadb
  options:
    charset: utf8mb4
pool:
  min: 2
  max: 4
  idle_timeout: 1m
  acquire_timeout: 5s
retry:
  attempts: 5
  base_delay: 100ms
query:
  max_rows: 50
  timeout: 2s
cache:
  enabled: false
  ttl: 30s
log:
  level: debug
  query_log: true
  query_log_size: 10
  max_sql_length: 80
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	conn := cfg.GatewayConnection()
	assert.Equal(t, "reporting", conn.Name)
	assert.Equal(t, 3307, conn.Port)
	assert.Equal(t, "mariadb", conn.Flavor)
	assert.Equal(t, map[string]string{"charset": "utf8mb4"}, conn.Options)

	pool := cfg.GatewayPool()
	assert.Equal(t, 2, pool.Min)
	assert.Equal(t, 4, pool.Max)
	assert.Equal(t, time.Minute, pool.IdleTimeout)
	assert.Equal(t, 5*time.Second, pool.AcquireTimeout)

	retry := cfg.GatewayRetry()
	assert.Equal(t, 5, retry.Attempts)
	assert.Equal(t, 100*time.Millisecond, retry.BaseDelay)

	assert.Equal(t, 50, cfg.Query.MaxRows)
	assert.Equal(t, 2*time.Second, cfg.Query.Timeout)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Log.QueryLog)
	assert.Equal(t, 10, cfg.Log.QueryLogSize)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "sqlgateway.yaml", `
engine: sqlite
connection:
  path: /tmp/app.db
pool:
  max: 4
`)
	t.Setenv("SQLGW_POOL__MAX", "20")
	t.Setenv("SQLGW_QUERY__TIMEOUT", "5s")
	t.Setenv("SQLGW_CONNECTION__SSL_MODE", "disable")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Pool.Max)
	assert.Equal(t, 5*time.Second, cfg.Query.Timeout)
	assert.Equal(t, "disable", cfg.Connection.SSLMode)
	assert.Equal(t, "/tmp/app.db", cfg.Connection.Path)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("SQLGW_ENGINE", "oracle")
	t.Setenv("SQLGW_CONNECTION__HOST", "ora.internal")
	t.Setenv("SQLGW_CACHE__BACKEND", "redis")
	t.Setenv("SQLGW_CACHE__REDIS__ADDR", "cache.internal:6380")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "oracle", cfg.Engine)
	assert.Equal(t, "ora.internal", cfg.Connection.Host)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "cache.internal:6380", cfg.Cache.Redis.Addr)
	assert.Equal(t, "sqlgw:", cfg.Cache.Redis.Prefix)
}

func TestLoadUsesConfigVariable(t *testing.T) {
	path := writeConfig(t, "gw.yaml", "engine: sqlserver\nconnection:\n  host: mssql.internal\n")
	t.Setenv("SQLGW_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", cfg.Engine)
	assert.Equal(t, "mssql.internal", cfg.Connection.Host)
}

func TestLoadFileRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing engine", "connection:\n  host: x\n"},
		{"unknown engine", "engine: db2\n"},
		{"pool min above max", "engine: postgres\npool:\n  min: 5\n  max: 2\n"},
		{"unknown cache backend", "engine: postgres\ncache:\n  backend: memcached\n"},
		{"bad log level", "engine: postgres\nlog:\n  level: verbose\n"},
		{"bad ssl mode", "engine: postgres\nconnection:\n  ssl_mode: sometimes\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, "sqlgateway.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "error opening config file")

	_, err = LoadFile(writeConfig(t, "sqlgateway.toml", "engine = 'postgres'"))
	var extErr *UnsupportedExtensionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, ".toml", extErr.Extension)
}
