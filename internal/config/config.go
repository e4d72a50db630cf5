package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	// HTTP transport
	HTTPAddr string

	// Cache settings
	CachePath string

	LogLevel string

	// Embedded images at or below this size (bytes) are inlined into the
	// message content as data URIs instead of being listed as attachments.
	EmbeddedImageSizeThreshold int64

	// Message batch sizing used by the transport when no explicit window
	// is requested.
	InitialMessagesBatchSize int
	MaxMessagesBatchSize     int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                   getEnv("HTTP_ADDR", ":9010"),
		CachePath:                  getEnv("CACHE_PATH", "/data/envelope_cache.db"),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		EmbeddedImageSizeThreshold: int64(getEnvInt("EMBEDDED_IMAGE_SIZE_THRESHOLD", 8192)),
		InitialMessagesBatchSize:   getEnvInt("INITIAL_MESSAGES_BATCH_SIZE", 20),
		MaxMessagesBatchSize:       getEnvInt("MAX_MESSAGES_BATCH_SIZE", 640),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}
	if c.EmbeddedImageSizeThreshold < 0 {
		return fmt.Errorf("EMBEDDED_IMAGE_SIZE_THRESHOLD must not be negative")
	}
	if c.InitialMessagesBatchSize < 1 {
		return fmt.Errorf("INITIAL_MESSAGES_BATCH_SIZE must be at least 1")
	}
	if c.MaxMessagesBatchSize < c.InitialMessagesBatchSize {
		return fmt.Errorf("MAX_MESSAGES_BATCH_SIZE must not be smaller than INITIAL_MESSAGES_BATCH_SIZE")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
