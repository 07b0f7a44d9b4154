// Package config provides configuration management for the sync engine.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Helper function to validate directory exists or can be created
func validateDirectoryWritable(dir string) error {
	// Check if directory exists
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Try to create it
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	// Check if it's actually a directory
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	// Check if we can write to it
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}

// Config holds all sync-engine configuration.
type Config struct {
	// Store configures the PersistentMap's SQLite backing.
	Store StoreConfig `toml:"store"`

	// Lock configures the ProcessingLock lease.
	Lock LockConfig `toml:"lock"`

	// Backoff configures the default BackoffPolicy.
	Backoff BackoffConfig `toml:"backoff"`

	// Breaker configures the CircuitBreaker.
	Breaker BreakerConfig `toml:"breaker"`

	// Client configures the ApiClient.
	Client ClientConfig `toml:"client"`

	// Admin configures the cmd/syncengine admin surface.
	Admin AdminConfig `toml:"admin"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig configures the PersistentMap's SQLite backing.
type StoreConfig struct {
	// DBPath is the path to the WAL-mode SQLite database backing every
	// named space (pending, failed, index, meta, optimistic).
	DBPath string `toml:"db_path" env:"SYNCENGINE_STORE_DB"`
}

// LockConfig configures the ProcessingLock lease.
type LockConfig struct {
	// TTLSeconds is the lease duration; a holder whose heartbeat is older
	// than this is considered stale and eligible for takeover.
	TTLSeconds int `toml:"ttl_seconds" env:"SYNCENGINE_LOCK_TTL"`

	// HeartbeatSeconds is the interval between lease renewals.
	HeartbeatSeconds int `toml:"heartbeat_seconds" env:"SYNCENGINE_LOCK_HEARTBEAT"`
}

// BackoffConfig configures the default BackoffPolicy. Per-op-kind overrides
// travel with the PendingOp itself (maxAttempts), not here.
type BackoffConfig struct {
	BaseMillis   int `toml:"base_millis" env:"SYNCENGINE_BACKOFF_BASE_MS"`
	CapMillis    int `toml:"cap_millis" env:"SYNCENGINE_BACKOFF_CAP_MS"`
	JitterMillis int `toml:"jitter_millis" env:"SYNCENGINE_BACKOFF_JITTER_MS"`
	MaxAttempts  int `toml:"max_attempts" env:"SYNCENGINE_BACKOFF_MAX_ATTEMPTS"`
}

// BreakerConfig configures the CircuitBreaker.
type BreakerConfig struct {
	WindowSeconds   int `toml:"window_seconds" env:"SYNCENGINE_BREAKER_WINDOW"`
	Threshold       int `toml:"threshold" env:"SYNCENGINE_BREAKER_THRESHOLD"`
	CooldownSeconds int `toml:"cooldown_seconds" env:"SYNCENGINE_BREAKER_COOLDOWN"`
}

// ClientConfig configures the ApiClient.
type ClientConfig struct {
	BaseURL        string `toml:"base_url" env:"SYNCENGINE_API_BASE_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"SYNCENGINE_API_TIMEOUT"`
	AppVersion     string `toml:"app_version" env:"SYNCENGINE_APP_VERSION"`
	DeviceID       string `toml:"device_id" env:"SYNCENGINE_DEVICE_ID"`

	// RateLimitPerSecond and RateLimitBurst feed golang.org/x/time/rate
	// to cap outbound request rate independent of the circuit breaker.
	RateLimitPerSecond float64 `toml:"rate_limit_per_second" env:"SYNCENGINE_API_RATE_LIMIT"`
	RateLimitBurst     int     `toml:"rate_limit_burst" env:"SYNCENGINE_API_RATE_BURST"`

	// OAuth client-credentials used to build the ApiClient's token
	// source (internal/auth.OAuthProvider). TokenURL empty disables
	// OAuth entirely and falls back to a static bearer token.
	OAuthTokenURL      string `toml:"oauth_token_url" env:"SYNCENGINE_OAUTH_TOKEN_URL"`
	OAuthClientID      string `toml:"oauth_client_id" env:"SYNCENGINE_OAUTH_CLIENT_ID"`
	OAuthClientSecret  string `toml:"oauth_client_secret" env:"SYNCENGINE_OAUTH_CLIENT_SECRET"`
	StaticBearerToken  string `toml:"static_bearer_token" env:"SYNCENGINE_STATIC_BEARER_TOKEN"`
}

// AdminConfig configures the cmd/syncengine admin surface.
type AdminConfig struct {
	// ConfirmSecret signs the short-lived confirmation tokens minted by
	// `inspect` and required by `retry-failed`/`purge-failed`.
	ConfirmSecret string `toml:"confirm_secret" env:"SYNCENGINE_CONFIRM_SECRET"`

	// ConfirmTokenSeconds bounds how long a minted confirmation token is
	// accepted for.
	ConfirmTokenSeconds int `toml:"confirm_token_seconds" env:"SYNCENGINE_CONFIRM_TTL"`

	// FailedRetentionHours is the age at which the maintenance scheduler
	// purges archived ops from the failed space.
	FailedRetentionHours int `toml:"failed_retention_hours" env:"SYNCENGINE_FAILED_RETENTION_HOURS"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" env:"SYNCENGINE_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"SYNCENGINE_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, or file path)
	Output string `toml:"output" env:"SYNCENGINE_LOG_OUTPUT"`

	// File is the log file path when output is "file"
	File string `toml:"file" env:"SYNCENGINE_LOG_FILE"`
}

// DefaultConfig returns the default configuration, matching every default
// named in the component design (backoff base/cap/jitter, breaker
// threshold/window/cooldown, lock ttl/heartbeat, client timeout).
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Store: StoreConfig{
			DBPath: filepath.Join(homeDir, ".syncengine", "store.db"),
		},
		Lock: LockConfig{
			TTLSeconds:       120,
			HeartbeatSeconds: 40,
		},
		Backoff: BackoffConfig{
			BaseMillis:   1000,
			CapMillis:    5 * 60 * 1000,
			JitterMillis: 500,
			MaxAttempts:  10,
		},
		Breaker: BreakerConfig{
			WindowSeconds:   60,
			Threshold:       10,
			CooldownSeconds: 60,
		},
		Client: ClientConfig{
			BaseURL:            "",
			TimeoutSeconds:     30,
			AppVersion:         "dev",
			DeviceID:           "syncengine",
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Admin: AdminConfig{
			ConfirmSecret:        "",
			ConfirmTokenSeconds:  60,
			FailedRetentionHours: 24 * 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			File:   "",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".syncengine", "config.toml"),
		filepath.Join("/etc", "syncengine", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.DBPath == "" {
		return fmt.Errorf("%w: store.db_path is required", ErrInvalidConfig)
	}
	storeDir := filepath.Dir(c.Store.DBPath)
	if err := validateDirectoryWritable(storeDir); err != nil {
		return fmt.Errorf("%w: store directory %s: %w", ErrInvalidConfig, storeDir, err)
	}

	if c.Lock.TTLSeconds < 1 {
		return fmt.Errorf("%w: lock.ttl_seconds must be at least 1", ErrInvalidConfig)
	}
	if c.Lock.HeartbeatSeconds < 1 {
		return fmt.Errorf("%w: lock.heartbeat_seconds must be at least 1", ErrInvalidConfig)
	}
	if c.Lock.HeartbeatSeconds >= c.Lock.TTLSeconds {
		return fmt.Errorf("%w: lock.heartbeat_seconds must be less than lock.ttl_seconds", ErrInvalidConfig)
	}

	if c.Backoff.BaseMillis < 1 {
		return fmt.Errorf("%w: backoff.base_millis must be at least 1", ErrInvalidConfig)
	}
	if c.Backoff.CapMillis < c.Backoff.BaseMillis {
		return fmt.Errorf("%w: backoff.cap_millis must be >= backoff.base_millis", ErrInvalidConfig)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("%w: backoff.max_attempts must be at least 1", ErrInvalidConfig)
	}

	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("%w: breaker.threshold must be at least 1", ErrInvalidConfig)
	}
	if c.Breaker.WindowSeconds < 1 {
		return fmt.Errorf("%w: breaker.window_seconds must be at least 1", ErrInvalidConfig)
	}
	if c.Breaker.CooldownSeconds < 1 {
		return fmt.Errorf("%w: breaker.cooldown_seconds must be at least 1", ErrInvalidConfig)
	}

	if c.Client.BaseURL == "" {
		return fmt.Errorf("%w: client.base_url is required", ErrInvalidConfig)
	}
	if c.Client.TimeoutSeconds < 1 {
		return fmt.Errorf("%w: client.timeout_seconds must be at least 1", ErrInvalidConfig)
	}
	if c.Client.RateLimitPerSecond <= 0 {
		return fmt.Errorf("%w: client.rate_limit_per_second must be positive", ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

// LockTTL returns lock.ttl_seconds as a Duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// LockHeartbeat returns lock.heartbeat_seconds as a Duration.
func (c *Config) LockHeartbeat() time.Duration {
	return time.Duration(c.Lock.HeartbeatSeconds) * time.Second
}

// ClientTimeout returns client.timeout_seconds as a Duration.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutSeconds) * time.Second
}

// BackoffBase returns backoff.base_millis as a Duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMillis) * time.Millisecond
}

// BackoffCap returns backoff.cap_millis as a Duration.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Backoff.CapMillis) * time.Millisecond
}

// BackoffJitter returns backoff.jitter_millis as a Duration.
func (c *Config) BackoffJitter() time.Duration {
	return time.Duration(c.Backoff.JitterMillis) * time.Millisecond
}

// BreakerWindow returns breaker.window_seconds as a Duration.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Breaker.WindowSeconds) * time.Second
}

// BreakerCooldown returns breaker.cooldown_seconds as a Duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}
