// Package config provides configuration loading and management for the sync engine.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// If path is empty, search for default config files
	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	// If no config file found, warn and return defaults
	if path == "" {
		log.Printf("Warning: No configuration file found in default locations")
		log.Printf("Default locations checked:")
		for _, p := range ConfigPaths() {
			log.Printf("  - %s", p)
		}
		log.Printf("Using default configuration")
		log.Printf("Create a config with: syncengine init")
		return cfg, nil
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML using BurntSushi/toml library
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SYNCENGINE_STORE_DB"); v != "" {
		cfg.Store.DBPath = v
	}

	if v := os.Getenv("SYNCENGINE_LOCK_TTL"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Lock.TTLSeconds = n
		}
	}
	if v := os.Getenv("SYNCENGINE_LOCK_HEARTBEAT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Lock.HeartbeatSeconds = n
		}
	}

	if v := os.Getenv("SYNCENGINE_BACKOFF_BASE_MS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Backoff.BaseMillis = n
		}
	}
	if v := os.Getenv("SYNCENGINE_BACKOFF_CAP_MS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Backoff.CapMillis = n
		}
	}
	if v := os.Getenv("SYNCENGINE_BACKOFF_MAX_ATTEMPTS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Backoff.MaxAttempts = n
		}
	}

	if v := os.Getenv("SYNCENGINE_BREAKER_THRESHOLD"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("SYNCENGINE_BREAKER_WINDOW"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Breaker.WindowSeconds = n
		}
	}
	if v := os.Getenv("SYNCENGINE_BREAKER_COOLDOWN"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Breaker.CooldownSeconds = n
		}
	}

	if v := os.Getenv("SYNCENGINE_API_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("SYNCENGINE_API_TIMEOUT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Client.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SYNCENGINE_APP_VERSION"); v != "" {
		cfg.Client.AppVersion = v
	}
	if v := os.Getenv("SYNCENGINE_DEVICE_ID"); v != "" {
		cfg.Client.DeviceID = v
	}
	if v := os.Getenv("SYNCENGINE_OAUTH_TOKEN_URL"); v != "" {
		cfg.Client.OAuthTokenURL = v
	}
	if v := os.Getenv("SYNCENGINE_OAUTH_CLIENT_ID"); v != "" {
		cfg.Client.OAuthClientID = v
	}
	if v := os.Getenv("SYNCENGINE_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.Client.OAuthClientSecret = v
	}
	if v := os.Getenv("SYNCENGINE_STATIC_BEARER_TOKEN"); v != "" {
		cfg.Client.StaticBearerToken = v
	}

	if v := os.Getenv("SYNCENGINE_CONFIRM_SECRET"); v != "" {
		cfg.Admin.ConfirmSecret = v
	}

	// Logging overrides
	if v := os.Getenv("SYNCENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SYNCENGINE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SYNCENGINE_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("SYNCENGINE_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	// Validate before saving
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Normalize paths for TOML compatibility (forward slashes, no backslashes)
	cfgCopy := *cfg // Make a shallow copy
	cfgCopy.Store.DBPath = filepath.ToSlash(cfg.Store.DBPath)

	// Marshal to TOML using BurntSushi/toml library
	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Client.BaseURL = "https://api.example.com"
	cfg.Admin.ConfirmSecret = "change-me"
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
