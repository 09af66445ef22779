// Package common provides shared utilities for recap
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for recap
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Queue       QueueConfig   `toml:"queue"`
	Workers     WorkerConfig  `toml:"workers"`
	State       StateConfig   `toml:"state"`
	Events      EventsConfig  `toml:"events"`
	Storage     StorageConfig `toml:"storage"`
	Gemini      GeminiConfig  `toml:"gemini"`
	Auth        AuthConfig    `toml:"auth"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	ReadTimeout string `toml:"read_timeout"`
}

// GetReadTimeout parses and returns the read header timeout
func (c *ServerConfig) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// QueueConfig holds priority queue configuration
type QueueConfig struct {
	MaxSize            int `toml:"max_size"`
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	MaxRetries         int `toml:"max_retries"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Count            int    `toml:"count"`
	PopTimeout       string `toml:"pop_timeout"`
	ProgressInterval string `toml:"progress_interval"`
	ItemPacing       string `toml:"item_pacing"`
	ShutdownGrace    string `toml:"shutdown_grace"`
	// RetryBaseBackoff overrides the initial retry delay per error
	// category, keyed by category name ("rate_limit", "network", ...).
	RetryBaseBackoff map[string]string `toml:"retry_base_backoff"`
}

// GetPopTimeout parses and returns the queue pop timeout
func (c *WorkerConfig) GetPopTimeout() time.Duration {
	d, err := time.ParseDuration(c.PopTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetProgressInterval parses and returns the per-job progress event throttle
func (c *WorkerConfig) GetProgressInterval() time.Duration {
	d, err := time.ParseDuration(c.ProgressInterval)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

// GetItemPacing parses and returns the delay between playlist/batch items
func (c *WorkerConfig) GetItemPacing() time.Duration {
	d, err := time.ParseDuration(c.ItemPacing)
	if err != nil {
		return time.Second
	}
	return d
}

// GetShutdownGrace parses and returns the worker shutdown grace period
func (c *WorkerConfig) GetShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRetryBaseBackoffs parses the per-category retry backoff overrides.
// Entries with unparseable or non-positive durations are dropped.
func (c *WorkerConfig) GetRetryBaseBackoffs() map[string]time.Duration {
	if len(c.RetryBaseBackoff) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.RetryBaseBackoff))
	for name, raw := range c.RetryBaseBackoff {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = d
	}
	return out
}

// StateConfig holds state store configuration
type StateConfig struct {
	FlushInterval   string `toml:"flush_interval"`
	RetentionWindow string `toml:"retention_window"`
	CleanupInterval string `toml:"cleanup_interval"`
}

// GetFlushInterval parses and returns the persistence flush interval
func (c *StateConfig) GetFlushInterval() time.Duration {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetRetentionWindow parses and returns how long finished jobs are kept
func (c *StateConfig) GetRetentionWindow() time.Duration {
	d, err := time.ParseDuration(c.RetentionWindow)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetCleanupInterval parses and returns the retention sweep interval
func (c *StateConfig) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(c.CleanupInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// EventsConfig holds SSE event bus configuration
type EventsConfig struct {
	MaxConnections       int    `toml:"max_connections"`
	MaxPerClient         int    `toml:"max_per_client"`
	QueueSize            int    `toml:"queue_size"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	IdleTimeout          string `toml:"idle_timeout"`
	CompressionThreshold int    `toml:"compression_threshold"`
}

// GetHeartbeatInterval parses and returns the heartbeat interval
func (c *EventsConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetIdleTimeout parses and returns the idle connection timeout
func (c *EventsConfig) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// StorageConfig holds persistence backend configuration
type StorageConfig struct {
	Backend   string          `toml:"backend"` // "file" or "surrealdb"
	Path      string          `toml:"path"`
	SurrealDB SurrealDBConfig `toml:"surrealdb"`
}

// SurrealDBConfig holds SurrealDB connection configuration
type SurrealDBConfig struct {
	URL       string `toml:"url"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// GeminiConfig holds Gemini API configuration
type GeminiConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the per-request timeout
func (c *GeminiConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// AuthConfig holds bearer token configuration. An empty secret disables
// token validation; requests are then admitted anonymously.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"`
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: "30s",
		},
		Queue: QueueConfig{
			MaxSize:            1000,
			RateLimitPerMinute: 60,
			MaxRetries:         3,
		},
		Workers: WorkerConfig{
			Count:            3,
			PopTimeout:       "2s",
			ProgressInterval: "200ms",
			ItemPacing:       "1s",
			ShutdownGrace:    "30s",
		},
		State: StateConfig{
			FlushInterval:   "5s",
			RetentionWindow: "24h",
			CleanupInterval: "1h",
		},
		Events: EventsConfig{
			MaxConnections:       500,
			MaxPerClient:         10,
			QueueSize:            256,
			HeartbeatInterval:    "30s",
			IdleTimeout:          "5m",
			CompressionThreshold: 1024,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "data",
			SurrealDB: SurrealDBConfig{
				URL:       "ws://localhost:8000/rpc",
				Namespace: "recap",
				Database:  "jobs",
				Username:  "root",
				Password:  "root",
			},
		},
		Gemini: GeminiConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "2m",
		},
		Auth: AuthConfig{
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/recap.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	// Normalize enumerated and bounded values
	normalizeConfig(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RECAP_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("RECAP_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("RECAP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("RECAP_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("RECAP_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}

	if backend := os.Getenv("RECAP_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}

	if url := os.Getenv("RECAP_SURREALDB_URL"); url != "" {
		config.Storage.SurrealDB.URL = url
	}

	if v := os.Getenv("RECAP_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Queue.MaxSize = n
		}
	}

	if v := os.Getenv("RECAP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Queue.RateLimitPerMinute = n
		}
	}

	if v := os.Getenv("RECAP_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Workers.Count = n
		}
	}

	if v := os.Getenv("RECAP_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}

	// Gemini API key resolution covers the common env var spellings
	for _, name := range []string{"RECAP_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			config.Gemini.APIKey = v
			break
		}
	}

	if v := os.Getenv("RECAP_GEMINI_MODEL"); v != "" {
		config.Gemini.Model = v
	}
}

// normalizeConfig coerces enumerated and bounded settings to known values.
func normalizeConfig(config *Config) {
	backend := strings.ToLower(strings.TrimSpace(config.Storage.Backend))
	if backend != "file" && backend != "surrealdb" {
		backend = "file"
	}
	config.Storage.Backend = backend

	if config.Queue.MaxSize <= 0 {
		config.Queue.MaxSize = 1000
	}
	if config.Queue.RateLimitPerMinute <= 0 {
		config.Queue.RateLimitPerMinute = 60
	}
	if config.Queue.MaxRetries < 0 {
		config.Queue.MaxRetries = 3
	}
	if config.Workers.Count <= 0 {
		config.Workers.Count = 3
	}
	if config.Events.MaxConnections <= 0 {
		config.Events.MaxConnections = 500
	}
	if config.Events.MaxPerClient <= 0 {
		config.Events.MaxPerClient = 10
	}
	if config.Events.QueueSize <= 0 {
		config.Events.QueueSize = 256
	}
	if config.Events.CompressionThreshold <= 0 {
		config.Events.CompressionThreshold = 1024
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
