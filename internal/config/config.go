// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"collabauth/internal/oidc"
)

// Driver names for the directory backend.
const (
	DirectoryMemory   = "memory"
	DirectorySQLite   = "sqlite"
	DirectoryPostgres = "postgres"
)

// Driver names for the cache backend.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// DirectoryConfig selects the principal directory backend.
type DirectoryConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// CacheConfig selects the shared cache backend.
type CacheConfig struct {
	Driver    string `yaml:"driver"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	// RedisPassword is usually supplied via COLLABAUTH_REDIS_PASSWORD.
	RedisPassword string `yaml:"redis_password"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// SessionConfig controls browser sessions.
type SessionConfig struct {
	Duration time.Duration `yaml:"duration"`
	// SealKey is a base64-encoded 32-byte AES key. When set, session state
	// in the shared cache is encrypted at rest.
	SealKey string `yaml:"seal_key"`
	// CookieName is the session cookie name.
	CookieName string `yaml:"cookie_name"`
	// CookieSecure marks the session cookie Secure; disable only for
	// plain-HTTP development setups.
	CookieSecure bool `yaml:"cookie_secure"`
}

// LoginRateLimit bounds how often a client may start logins.
type LoginRateLimit struct {
	// PerSecond is the sustained rate of login attempts per client.
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config holds the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// BaseURL is the externally visible URL, used for redirect URIs.
	BaseURL string `yaml:"base_url"`

	SentryDSN string `yaml:"sentry_dsn"`

	Directory DirectoryConfig     `yaml:"directory"`
	Cache     CacheConfig         `yaml:"cache"`
	Session   SessionConfig       `yaml:"session"`
	RateLimit LoginRateLimit      `yaml:"rate_limit"`
	Provider  oidc.ProviderConfig `yaml:"provider"`

	// AuditDSN is the SQLite path for audit events; empty keeps them in
	// memory.
	AuditDSN string `yaml:"audit_dsn"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads configuration from a YAML file and environment variables.
// Environment variables override YAML values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8080",
		Directory:  DirectoryConfig{Driver: DirectoryMemory},
		Cache:      CacheConfig{Driver: CacheMemory},
		Session: SessionConfig{
			Duration:     24 * time.Hour,
			CookieName:   "collabauth_session",
			CookieSecure: true,
		},
		RateLimit:       LoginRateLimit{PerSecond: 1, Burst: 5},
		ShutdownTimeout: 15 * time.Second,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COLLABAUTH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("COLLABAUTH_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("COLLABAUTH_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
	if v := os.Getenv("COLLABAUTH_DIRECTORY_DRIVER"); v != "" {
		cfg.Directory.Driver = v
	}
	if v := os.Getenv("COLLABAUTH_DIRECTORY_DSN"); v != "" {
		cfg.Directory.DSN = v
	}
	if v := os.Getenv("COLLABAUTH_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("COLLABAUTH_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("COLLABAUTH_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("COLLABAUTH_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = db
		}
	}
	if v := os.Getenv("COLLABAUTH_SESSION_SEAL_KEY"); v != "" {
		cfg.Session.SealKey = v
	}
	if v := os.Getenv("COLLABAUTH_SESSION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.Duration = d
		}
	}
	if v := os.Getenv("COLLABAUTH_AUDIT_DSN"); v != "" {
		cfg.AuditDSN = v
	}
	if v := os.Getenv("COLLABAUTH_PROVIDER_URL"); v != "" {
		cfg.Provider.ProviderURL = v
	}
	if v := os.Getenv("COLLABAUTH_CLIENT_ID"); v != "" {
		cfg.Provider.ClientID = v
	}
	if v := os.Getenv("COLLABAUTH_CLIENT_SECRET"); v != "" {
		cfg.Provider.ClientSecret = v
	}
	if v := os.Getenv("COLLABAUTH_REDIRECT_URL"); v != "" {
		cfg.Provider.RedirectURL = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Directory.Driver {
	case DirectoryMemory:
	case DirectorySQLite, DirectoryPostgres:
		if c.Directory.DSN == "" {
			return fmt.Errorf("directory driver %q requires a dsn", c.Directory.Driver)
		}
	default:
		return fmt.Errorf("unknown directory driver %q", c.Directory.Driver)
	}

	switch c.Cache.Driver {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("cache driver redis requires redis_addr (or COLLABAUTH_REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Session.Duration <= 0 {
		return errors.New("session duration must be positive")
	}
	if c.Session.SealKey != "" {
		if _, err := c.SealKeyBytes(); err != nil {
			return err
		}
	}

	if c.Provider.ProviderURL != "" {
		if err := c.Provider.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProviderConfigured reports whether an identity provider is set up.
func (c *Config) ProviderConfigured() bool {
	return c.Provider.ProviderURL != ""
}

// SealKeyBytes decodes the configured session seal key.
func (c *Config) SealKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Session.SealKey)
	if err != nil {
		return nil, fmt.Errorf("seal_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("seal_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
