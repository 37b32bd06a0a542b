// Package config loads the entitlement core configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/tiergate/internal/storage"
)

const (
	DefaultDataDir         = "./data"
	DefaultRecheckAttempts = 5
	DefaultRecheckInterval = 2 * time.Second
	DefaultPlatformTimeout = 30 * time.Second
)

// Config holds all configuration for the entitlement core.
type Config struct {
	DataDir         string
	Store           storage.Backend
	Encrypt         bool // file backend only
	LogLevel        string
	LogFormat       string
	RecheckAttempts int
	RecheckInterval time.Duration
	PlatformTimeout time.Duration
}

// StorageOptions returns the options used to open the durable store.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend: c.Store,
		Dir:     c.DataDir,
		Encrypt: c.Encrypt,
	}
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		DataDir:         DefaultDataDir,
		Store:           storage.BackendFile,
		Encrypt:         true,
		LogLevel:        "info",
		LogFormat:       "auto",
		RecheckAttempts: DefaultRecheckAttempts,
		RecheckInterval: DefaultRecheckInterval,
		PlatformTimeout: DefaultPlatformTimeout,
	}
}

// Load reads configuration from ENTITLEMENT_* environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	encrypt, err := envOrDefaultBool("ENTITLEMENT_STORE_ENCRYPT", true)
	if err != nil {
		return nil, err
	}
	attempts, err := envOrDefaultInt("ENTITLEMENT_RECHECK_ATTEMPTS", DefaultRecheckAttempts)
	if err != nil {
		return nil, err
	}
	interval, err := envOrDefaultDuration("ENTITLEMENT_RECHECK_INTERVAL", DefaultRecheckInterval)
	if err != nil {
		return nil, err
	}
	timeout, err := envOrDefaultDuration("ENTITLEMENT_PLATFORM_TIMEOUT", DefaultPlatformTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:         filepath.Clean(envOrDefault("ENTITLEMENT_DATA_DIR", DefaultDataDir)),
		Store:           storage.Backend(strings.ToLower(envOrDefault("ENTITLEMENT_STORE", string(storage.BackendFile)))),
		Encrypt:         encrypt,
		LogLevel:        envOrDefault("ENTITLEMENT_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("ENTITLEMENT_LOG_FORMAT", "auto"),
		RecheckAttempts: attempts,
		RecheckInterval: interval,
		PlatformTimeout: timeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate entitlement config: %w", err)
	}
	return cfg, nil
}

// Validate rejects unknown backends and non-positive timing values.
func (c *Config) Validate() error {
	switch c.Store {
	case storage.BackendFile, storage.BackendSQLite:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("ENTITLEMENT_DATA_DIR is required for the %s store", c.Store)
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("ENTITLEMENT_STORE must be one of file, sqlite, memory, got %q", c.Store)
	}

	if c.RecheckAttempts <= 0 {
		return fmt.Errorf("ENTITLEMENT_RECHECK_ATTEMPTS must be greater than 0, got %d", c.RecheckAttempts)
	}
	if c.RecheckInterval <= 0 {
		return fmt.Errorf("ENTITLEMENT_RECHECK_INTERVAL must be greater than 0, got %s", c.RecheckInterval)
	}
	if c.PlatformTimeout <= 0 {
		return fmt.Errorf("ENTITLEMENT_PLATFORM_TIMEOUT must be greater than 0, got %s", c.PlatformTimeout)
	}

	switch c.LogFormat {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("ENTITLEMENT_LOG_FORMAT must be json, console or auto, got %q", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
