package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMySQL, cfg.Backend)
	assert.Equal(t, 20, cfg.MySQLMaxOpenConns)
	assert.Equal(t, 10, cfg.MySQLMaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.MySQLConnMaxLife)
	assert.False(t, cfg.QuotaEnabled)
	assert.Equal(t, int64(2*1024*1024*1024), cfg.QuotaBytes)
	assert.Equal(t, 2*time.Hour, cfg.BatchLifetime)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SYNCSTORAGE_BACKEND", "spanner")
	t.Setenv("SYNCSTORAGE_SPANNER_DATABASE", "projects/p/instances/i/databases/d")
	t.Setenv("SYNCSTORAGE_QUOTA_ENABLED", "true")
	t.Setenv("SYNCSTORAGE_QUOTA_BYTES", "1000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendSpanner, cfg.Backend)
	assert.Equal(t, "projects/p/instances/i/databases/d", cfg.SpannerDatabase)
	assert.True(t, cfg.QuotaEnabled)
	assert.Equal(t, int64(1000), cfg.QuotaBytes)
}

func TestLoad_UnknownBackendRejected(t *testing.T) {
	t.Setenv("SYNCSTORAGE_BACKEND", "bogus")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_BadConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/syncstorage.yaml")
	assert.Error(t, err)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/syncstorage.yaml"
	contents := "backend: mysql\nmysql:\n  dsn: \"user:pass@tcp(127.0.0.1:3306)/sync\"\nquota:\n  enabled: true\n  bytes: 5000\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "user:pass@tcp(127.0.0.1:3306)/sync", cfg.MySQLDSN)
	assert.True(t, cfg.QuotaEnabled)
	assert.Equal(t, int64(5000), cfg.QuotaBytes)
}
