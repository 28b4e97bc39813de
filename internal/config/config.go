// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Tracing
	OTLPEndpoint string // empty disables tracing

	// Rate limiting
	RateLimit    int           // requests per window per key
	RateWindow   time.Duration // sliding window size
	BanThreshold int           // violations before auto-ban
	BanDuration  time.Duration // auto-ban length

	// IP reputation
	TrustedNetworks  []string // CIDR list, overrides defaults if set
	BadNetworks      []string // CIDR list, overrides defaults if set
	ReputationAPIURL string   // external lookup endpoint (optional)
	ReputationAPIKey string   // bearer token for the external lookup
	ReputationCache  time.Duration

	// Monitors
	MaxTrackedKeys int // profile cap per monitor before stale eviction
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRateLimit       = 100
	DefaultRateWindow      = 60 * time.Second
	DefaultBanThreshold    = 5
	DefaultBanDuration     = time.Hour
	DefaultReputationCache = time.Hour
	DefaultMaxTrackedKeys  = 100000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimit:        getEnvInt("RATE_LIMIT", DefaultRateLimit),
		RateWindow:       getEnvSeconds("RATE_WINDOW_SECONDS", DefaultRateWindow),
		BanThreshold:     getEnvInt("BAN_THRESHOLD", DefaultBanThreshold),
		BanDuration:      getEnvSeconds("BAN_DURATION_SECONDS", DefaultBanDuration),
		TrustedNetworks:  getEnvList("TRUSTED_NETWORKS"),
		BadNetworks:      getEnvList("BAD_NETWORKS"),
		ReputationAPIURL: os.Getenv("REPUTATION_API_URL"),
		ReputationAPIKey: os.Getenv("REPUTATION_API_KEY"),
		ReputationCache:  getEnvSeconds("REPUTATION_CACHE_SECONDS", DefaultReputationCache),
		MaxTrackedKeys:   getEnvInt("MAX_TRACKED_KEYS", DefaultMaxTrackedKeys),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("RATE_WINDOW_SECONDS must be positive")
	}
	if c.BanThreshold <= 0 {
		return fmt.Errorf("BAN_THRESHOLD must be positive, got %d", c.BanThreshold)
	}
	if c.BanDuration <= 0 {
		return fmt.Errorf("BAN_DURATION_SECONDS must be positive")
	}
	if c.MaxTrackedKeys <= 0 {
		return fmt.Errorf("MAX_TRACKED_KEYS must be positive, got %d", c.MaxTrackedKeys)
	}
	if c.ReputationAPIKey != "" && c.ReputationAPIURL == "" {
		return fmt.Errorf("REPUTATION_API_KEY set without REPUTATION_API_URL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

// getEnvList parses a comma-separated environment variable.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
