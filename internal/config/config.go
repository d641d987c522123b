// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration values loaded from environment
// variables. It provides a centralized, type-safe way to access configuration
// throughout the application.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Read/write timeout for inbound requests

	// Database configuration
	DatabasePath     string // Path to the SQLite database file
	DatabasePoolSize int    // Number of connections in the database pool

	// Provider configuration
	ProviderConfigPath string        // Path to the provider configuration file
	UpstreamTimeout    time.Duration // Timeout for upstream provider calls

	// Monitor service configuration
	MonitorAPIBaseURL string // Base URL of the upstream monitor service
	MonitorAPIKey     string // Secret for the upstream monitor service
	WebhookURL        string // Callback URL advertised when creating a monitor

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set, and
// validates required configuration settings.
func New() (*Config, error) {
	config := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		DatabasePath:     getEnvString("DATABASE_PATH", "./data/gateway.db"),
		DatabasePoolSize: getEnvInt("DATABASE_POOL_SIZE", 10),

		ProviderConfigPath: getEnvString("PROVIDER_CONFIG_PATH", "./config/providers.yaml"),
		UpstreamTimeout:    getEnvDuration("UPSTREAM_TIMEOUT", 300*time.Second),

		MonitorAPIBaseURL: getEnvString("MONITOR_API_URL", "https://api.parallel.ai/v1alpha"),
		MonitorAPIKey:     getEnvString("MONITOR_API_KEY", ""),
		WebhookURL:        getEnvString("MONITOR_WEBHOOK_URL", ""),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks the configuration for invalid values.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	return nil
}

// getEnvString retrieves a string from the environment or returns the default.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer from the environment or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from the environment or returns the
// default. Values are parsed with time.ParseDuration (e.g. "30s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
