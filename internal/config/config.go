package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Orafinite CLI.
type Config struct {
	// Backend connection settings
	APIURL       string
	SessionToken string

	// Dashboard behavior
	PerPage      int
	MaxEvents    int
	PollInterval time.Duration

	// Logging
	LogFile  string
	LogLevel string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		APIURL:       getEnvOrDefault("ORAFINITE_API_URL", "https://api.orafinite.ai"),
		SessionToken: os.Getenv("ORAFINITE_SESSION_TOKEN"),
		PerPage:      getEnvIntOrDefault("ORAFINITE_PER_PAGE", 50),
		MaxEvents:    getEnvIntOrDefault("ORAFINITE_MAX_EVENTS", 200),
		PollInterval: time.Duration(getEnvIntOrDefault("ORAFINITE_POLL_INTERVAL_MS", 2500)) * time.Millisecond,
		LogFile:      getEnvOrDefault("ORAFINITE_LOG_FILE", defaultLogFile()),
		LogLevel:     getEnvOrDefault("ORAFINITE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values for internal consistency.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("API URL cannot be empty")
	}
	if c.PerPage < 1 || c.PerPage > 200 {
		return fmt.Errorf("per-page must be between 1 and 200, got %d", c.PerPage)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("max-events must be positive, got %d", c.MaxEvents)
	}
	if c.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("poll interval must be at least 500ms, got %v", c.PollInterval)
	}
	return nil
}

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "orafin.log"
	}
	return filepath.Join(home, ".orafinite", "orafin.log")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
