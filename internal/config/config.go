// ABOUTME: Configuration loading and parsing for the cryptostore CLI
// ABOUTME: Supports YAML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cryptostore configuration
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig holds store location and identity configuration
type StoreConfig struct {
	// Path is the directory holding the database and trust key-set files
	Path string `yaml:"path"`
	// DatabaseName overrides the default {user_id}_{device_id}.db file name
	DatabaseName string `yaml:"database_name"`
	UserID       string `yaml:"user_id"`
	DeviceID     string `yaml:"device_id"`
	// Passphrase seals secret blobs at rest. Usually set via ${VAR} expansion
	// so it never lands in the file itself.
	Passphrase string `yaml:"passphrase"`
	// TrustBackend selects where trust state lives: "default" (key-set files)
	// or "sqlite" (in the database). Defaults to "default".
	TrustBackend string `yaml:"trust_backend"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.TrustBackend == "" {
		c.Store.TrustBackend = "default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.UserID == "" {
		return fmt.Errorf("store.user_id is required")
	}
	if c.Store.DeviceID == "" {
		return fmt.Errorf("store.device_id is required")
	}

	switch c.Store.TrustBackend {
	case "default", "sqlite":
	default:
		return fmt.Errorf("store.trust_backend must be \"default\" or \"sqlite\", got %q", c.Store.TrustBackend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	return nil
}
