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

	// Validation secrets. Three independent HMAC keys, one per proof kind.
	// Each must carry at least 32 bytes of entropy.
	TemporalSecret string
	PayloadSecret  string
	IdentitySecret string

	// ReceiptSecret signs commit receipts (optional; signing disabled if empty)
	ReceiptSecret string

	// Challenge / key freshness windows
	ChallengeTTL    time.Duration // how long an issued challenge stays valid
	ClockSkew       time.Duration // future tolerance on nonce timestamps
	KeyFreshness    time.Duration // max embedded-timestamp drift for temporal keys
	SessionTokenTTL time.Duration // freshness window for the side-channel token

	// Abuse ceilings
	SourceRPM         int   // requests per minute per source
	IdentityRPM       int   // requests per minute per identity
	HourlyScoreLimit  int64 // rolling-hour score sum per identity
	HourlyTxLimit     int64 // rolling-hour tx-count sum per identity
	MinRequestGap     time.Duration
	AvgScorePerMinute float64 // steady-state ceiling, applied after MinSamples requests
	MinSamples        int

	// Single-submission bounds
	MaxScorePerRequest int64
	MaxTxPerRequest    int64

	// Dedup / maintenance
	DedupWindow   time.Duration
	SweepInterval time.Duration

	// Downstream settlement
	LedgerURL     string // external settlement endpoint; empty = local ledger
	LedgerTimeout time.Duration

	// Storage backends (both optional; in-memory when unset)
	DatabaseURL string // PostgreSQL, backs the local ledger
	RedisURL    string // shared used-sets and dedup cache

	// Observability
	OTLPEndpoint   string
	AllowedOrigins []string

	// Admin API secret (abuse snapshots)
	AdminSecret string

	RateLimitRPM int // edge limiter, per client IP
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultChallengeTTL  = 5 * time.Minute
	DefaultClockSkew     = time.Minute
	DefaultKeyFreshness  = 2 * time.Minute
	DefaultSessionTTL    = 10 * time.Minute
	DefaultDedupWindow   = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
	DefaultLedgerTimeout = 10 * time.Second
	DefaultSourceRPM     = 30
	DefaultIdentityRPM   = 12
	DefaultRateLimitRPM  = 120
	DefaultHourlyScore   = 30000
	DefaultHourlyTx      = 120
	DefaultMaxScore      = 1000
	DefaultMaxTx         = 10
	DefaultMinGap        = 2 * time.Second
	DefaultAvgScorePM    = float64(600)
	DefaultMinSamples    = 5

	minSecretBytes = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		TemporalSecret:     os.Getenv("TEMPORAL_SECRET"),
		PayloadSecret:      os.Getenv("PAYLOAD_SECRET"),
		IdentitySecret:     os.Getenv("IDENTITY_SECRET"),
		ReceiptSecret:      os.Getenv("RECEIPT_SECRET"),
		ChallengeTTL:       getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL),
		ClockSkew:          getEnvDuration("CLOCK_SKEW", DefaultClockSkew),
		KeyFreshness:       getEnvDuration("KEY_FRESHNESS", DefaultKeyFreshness),
		SessionTokenTTL:    getEnvDuration("SESSION_TOKEN_TTL", DefaultSessionTTL),
		SourceRPM:          getEnvInt("SOURCE_RPM", DefaultSourceRPM),
		IdentityRPM:        getEnvInt("IDENTITY_RPM", DefaultIdentityRPM),
		HourlyScoreLimit:   getEnvInt64("HOURLY_SCORE_LIMIT", DefaultHourlyScore),
		HourlyTxLimit:      getEnvInt64("HOURLY_TX_LIMIT", DefaultHourlyTx),
		MinRequestGap:      getEnvDuration("MIN_REQUEST_GAP", DefaultMinGap),
		AvgScorePerMinute:  getEnvFloat("AVG_SCORE_PER_MINUTE", DefaultAvgScorePM),
		MinSamples:         getEnvInt("MIN_SAMPLES", DefaultMinSamples),
		MaxScorePerRequest: getEnvInt64("MAX_SCORE_PER_REQUEST", DefaultMaxScore),
		MaxTxPerRequest:    getEnvInt64("MAX_TX_PER_REQUEST", DefaultMaxTx),
		DedupWindow:        getEnvDuration("DEDUP_WINDOW", DefaultDedupWindow),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LedgerURL:          os.Getenv("LEDGER_URL"),
		LedgerTimeout:      getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),    // Optional, uses in-process stores if not set
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AllowedOrigins:     splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for name, secret := range map[string]string{
		"TEMPORAL_SECRET": c.TemporalSecret,
		"PAYLOAD_SECRET":  c.PayloadSecret,
		"IDENTITY_SECRET": c.IdentitySecret,
	} {
		if secret == "" {
			return fmt.Errorf("%s is required", name)
		}
		if len(secret) < minSecretBytes {
			return fmt.Errorf("%s must be at least %d bytes", name, minSecretBytes)
		}
	}

	// The three proof kinds must not share a key, otherwise recovering one
	// signing relationship recovers all three.
	if c.TemporalSecret == c.PayloadSecret ||
		c.TemporalSecret == c.IdentitySecret ||
		c.PayloadSecret == c.IdentitySecret {
		return fmt.Errorf("validation secrets must be pairwise distinct")
	}

	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("CHALLENGE_TTL must be positive")
	}
	if c.KeyFreshness <= 0 {
		return fmt.Errorf("KEY_FRESHNESS must be positive")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW must be positive")
	}
	if c.HourlyScoreLimit <= 0 || c.HourlyTxLimit <= 0 {
		return fmt.Errorf("hourly ceilings must be positive")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
