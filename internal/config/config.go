// Package config loads the storage core's runtime configuration: which
// backend to use, how to reach it, pool sizing, and quota policy. Loading
// and the CLI surface around it are external collaborators;
// this package only covers the ambient "read settings from env/file" need
// every backend has.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selects which concrete storage engine to open.
type Backend string

const (
	BackendMySQL   Backend = "mysql"
	BackendSpanner Backend = "spanner"
)

// Config is the fully-resolved configuration for either backend. Fields
// irrelevant to the selected Backend are ignored.
type Config struct {
	Backend Backend

	// MySQL
	MySQLDSN          string
	MySQLMaxOpenConns int
	MySQLMaxIdleConns int
	MySQLConnMaxLife  time.Duration

	// Spanner
	SpannerDatabase string // projects/<p>/instances/<i>/databases/<d>

	// Quota Accountant
	QuotaEnabled bool
	QuotaBytes   int64

	// Batch Engine override, mostly for tests.
	BatchLifetime time.Duration
}

// Load reads configuration from environment variables prefixed SYNCSTORAGE_
// and an optional config file, applying defaults for anything unset.
// Applies SetDefault before any override so an unset env var or missing
// config file still yields a usable configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCSTORAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", string(BackendMySQL))
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_life", "5m")
	v.SetDefault("spanner.database", "")
	v.SetDefault("quota.enabled", false)
	v.SetDefault("quota.bytes", int64(2*1024*1024*1024))
	v.SetDefault("batch.lifetime", "2h")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", configPath, err)
		}
	}

	connMaxLife, err := time.ParseDuration(v.GetString("mysql.conn_max_life"))
	if err != nil {
		return nil, fmt.Errorf("parsing mysql.conn_max_life: %w", err)
	}
	batchLifetime, err := time.ParseDuration(v.GetString("batch.lifetime"))
	if err != nil {
		return nil, fmt.Errorf("parsing batch.lifetime: %w", err)
	}

	backend := Backend(v.GetString("backend"))
	switch backend {
	case BackendMySQL, BackendSpanner:
	default:
		return nil, fmt.Errorf("unknown backend %q (want %q or %q)", backend, BackendMySQL, BackendSpanner)
	}

	return &Config{
		Backend:           backend,
		MySQLDSN:          v.GetString("mysql.dsn"),
		MySQLMaxOpenConns: v.GetInt("mysql.max_open_conns"),
		MySQLMaxIdleConns: v.GetInt("mysql.max_idle_conns"),
		MySQLConnMaxLife:  connMaxLife,
		SpannerDatabase:   v.GetString("spanner.database"),
		QuotaEnabled:      v.GetBool("quota.enabled"),
		QuotaBytes:        v.GetInt64("quota.bytes"),
		BatchLifetime:     batchLifetime,
	}, nil
}
