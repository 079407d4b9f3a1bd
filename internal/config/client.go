// Package config provides configuration management for the fleetcheck client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.fleetcheck).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".fleetcheck"), nil
}

// DefaultConfigPath returns the default config file path (~/.fleetcheck/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// StoreConfig selects the local persistent store.
type StoreConfig struct {
	Backend  string `yaml:"backend,omitempty" env:"STORE"`
	RedisURL string `yaml:"redis_url,omitempty" env:"REDIS_URL"`
}

// SessionConfig bounds how long a local session stays valid.
type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout,omitempty" env:"SESSION_IDLE_TIMEOUT"`
	MaxDuration      time.Duration `yaml:"max_duration,omitempty" env:"SESSION_MAX_DURATION"`
	CheckInterval    time.Duration `yaml:"check_interval,omitempty" env:"SESSION_CHECK_INTERVAL"`
	ActivityDebounce time.Duration `yaml:"activity_debounce,omitempty"`
}

// CacheConfig controls the history and validation cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty" env:"CACHE_TTL"`
}

// QueueConfig controls the offline submission queue.
type QueueConfig struct {
	SubmitTimeout       time.Duration `yaml:"submit_timeout,omitempty" env:"SUBMIT_TIMEOUT"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
	SyncInterval        time.Duration `yaml:"sync_interval,omitempty"`
}

// PollConfig holds background poll intervals.
type PollConfig struct {
	Notifications time.Duration `yaml:"notifications,omitempty"`
	Settings      time.Duration `yaml:"settings,omitempty"`
	Subscription  time.Duration `yaml:"subscription,omitempty"`
}

// APIConfig controls the local companion API.
type APIConfig struct {
	ListenAddr     string   `yaml:"listen_addr,omitempty" env:"LISTEN_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" env:"CORS_ORIGINS"`
	LoginRateLimit int64    `yaml:"login_rate_limit,omitempty"`
	LoginRatePer   string   `yaml:"login_rate_period,omitempty"`
	// CookieSecret signs session cookies. A random secret is generated per
	// process when empty, so API sessions do not survive a restart.
	CookieSecret   string   `yaml:"cookie_secret,omitempty" env:"COOKIE_SECRET"`
}

// PushConfig forwards new notifications to an outside webhook.
type PushConfig struct {
	WebhookURL    string `yaml:"webhook_url,omitempty" env:"PUSH_WEBHOOK_URL"`
	WebhookSecret string `yaml:"webhook_secret,omitempty" env:"PUSH_WEBHOOK_SECRET"`
}

// ClientConfig holds the client's configuration.
type ClientConfig struct {
	EndpointURL string        `yaml:"endpoint_url,omitempty" env:"ENDPOINT_URL"`
	DataDir     string        `yaml:"data_dir,omitempty" env:"DATA_DIR"`
	Environment Environment   `yaml:"environment,omitempty" env:"ENV"`
	LogLevel    string        `yaml:"log_level,omitempty" env:"LOG_LEVEL"`
	Store       StoreConfig   `yaml:"store,omitempty"`
	Session     SessionConfig `yaml:"session,omitempty"`
	Cache       CacheConfig   `yaml:"cache,omitempty"`
	Queue       QueueConfig   `yaml:"queue,omitempty"`
	Poll        PollConfig    `yaml:"poll,omitempty"`
	API         APIConfig     `yaml:"api,omitempty"`
	Proxy       ProxyConfig   `yaml:"proxy,omitempty"`
	Push        PushConfig    `yaml:"push,omitempty"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *ClientConfig {
	return &ClientConfig{
		Environment: EnvProduction,
		LogLevel:    "info",
		Store:       StoreConfig{Backend: StoreSQLite},
		Session: SessionConfig{
			IdleTimeout:      30 * time.Minute,
			MaxDuration:      12 * time.Hour,
			CheckInterval:    time.Minute,
			ActivityDebounce: time.Second,
		},
		Cache: CacheConfig{TTL: 5 * time.Minute},
		Queue: QueueConfig{
			SubmitTimeout:       15 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			SyncInterval:        5 * time.Minute,
		},
		Poll: PollConfig{
			Notifications: 30 * time.Second,
			Settings:      30 * time.Second,
			Subscription:  5 * time.Minute,
		},
		API: APIConfig{
			ListenAddr:     "127.0.0.1:8787",
			LoginRateLimit: 10,
			LoginRatePer:   "1m",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *ClientConfig) Validate() error {
	if c.EndpointURL != "" {
		u, err := url.Parse(c.EndpointURL)
		if err != nil {
			return fmt.Errorf("invalid endpoint_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("endpoint_url must use http or https")
		}
		if u.Host == "" {
			return errors.New("endpoint_url must include a host")
		}
	}

	switch c.Store.Backend {
	case StoreSQLite, StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Session.IdleTimeout <= 0 || c.Session.MaxDuration <= 0 || c.Session.CheckInterval <= 0 {
		return errors.New("session durations must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if c.Queue.SubmitTimeout <= 0 {
		return errors.New("queue.submit_timeout must be positive")
	}
	return nil
}

// IsConfigured returns true if a remote endpoint has been set.
func (c *ClientConfig) IsConfigured() bool {
	return c.EndpointURL != ""
}

// ResolveDataDir returns DataDir, falling back to the default config directory.
func (c *ClientConfig) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	return DefaultConfigDir()
}

// Load reads the configuration from the given path on top of the defaults.
// If the file does not exist, the defaults are returned.
func Load(path string) (*ClientConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*ClientConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *ClientConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// user-only read/write
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *ClientConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
