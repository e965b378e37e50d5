package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends selectable with STORE.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Runtime holds process settings read from the environment.
type Runtime struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	OriginURL  string `env:"ORIGIN_URL" envDefault:"http://localhost:3000"`
	PolicyFile string `env:"POLICY_FILE"`

	Store       string `env:"STORE" envDefault:"memory"`
	RedisURL    string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"shellcache"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"shellcache.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	FetchRetries        int           `env:"FETCH_RETRIES" envDefault:"0"`
	CollapseFetches     bool          `env:"COLLAPSE_FETCHES" envDefault:"true"`
	PrecacheConcurrency int           `env:"PRECACHE_CONCURRENCY" envDefault:"4"`
}

// LoadRuntime parses runtime settings from environment variables.
func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := env.Parse(&rt); err != nil {
		return rt, fmt.Errorf("parse env: %w", err)
	}
	if err := rt.Validate(); err != nil {
		return rt, err
	}
	return rt, nil
}

// Validate checks runtime settings.
func (rt Runtime) Validate() error {
	if rt.Port <= 0 || rt.Port > 65535 {
		return fmt.Errorf("PORT out of range (got %d)", rt.Port)
	}
	if _, err := rt.Origin(); err != nil {
		return err
	}
	switch rt.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("unsupported STORE %q", rt.Store)
	}
	if rt.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must be >= 0 (got %d)", rt.FetchRetries)
	}
	return nil
}

// Origin parses OriginURL. Origins with paths are not supported.
func (rt Runtime) Origin() (*url.URL, error) {
	u, err := url.Parse(rt.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("parse ORIGIN_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ORIGIN_URL must be absolute (got %q)", rt.OriginURL)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("ORIGIN_URL must not have a path (got %q)", u.Path)
	}
	u.Path = ""
	return u, nil
}
