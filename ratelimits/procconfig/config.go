// Package procconfig loads the process-level configuration a rate limiter
// binary needs to wire a Source, Limiter, and logger: which storage backend
// to use and its connection details, the config cache TTL, the default
// failure-mode policy, and logging.
package procconfig

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment
// variables.
type Config struct {
	// Backend selects the storage adapter: "redis" or "sql".
	Backend string `env:"RATELIMITS_BACKEND" envDefault:"redis"`

	// Redis
	RedisAddrs []string `env:"RATELIMITS_REDIS_ADDRS" envDefault:"localhost:6379" envSeparator:","`

	// SQL
	SQLDSN string `env:"RATELIMITS_SQL_DSN" envDefault:"ratelimits:ratelimits@tcp(localhost:3306)/ratelimits?parseTime=true"`

	// Namespace is the human-readable namespace name this process serves.
	Namespace string `env:"RATELIMITS_NAMESPACE" envDefault:"default"`

	// CacheTTL bounds how long a resolved config is trusted before the
	// resolver re-reads storage (0 disables caching).
	CacheTTL time.Duration `env:"RATELIMITS_CACHE_TTL" envDefault:"30s"`

	// DefaultOnUnavailable is the failure-mode gate's fallback when the
	// system-default record cannot be consulted at all: "block" or "allow".
	DefaultOnUnavailable string `env:"RATELIMITS_DEFAULT_ON_UNAVAILABLE" envDefault:"block"`

	// SeedFile, if set, is loaded via ratelimits.SeedDefaults at startup.
	SeedFile string `env:"RATELIMITS_SEED_FILE"`

	// LogLevel and LogFormat configure the process logger.
	LogLevel  string `env:"RATELIMITS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RATELIMITS_LOG_FORMAT" envDefault:"json"`

	// MetricsAddr is the address the Prometheus /metrics endpoint listens
	// on.
	MetricsAddr string `env:"RATELIMITS_METRICS_ADDR" envDefault:":9090"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
