// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	AccountID      string // Internal account context identifier (single-account process)
	FlexToken      string // IBKR Flex Web Service token
	FlexQueryID    string // IBKR Flex query identifier
	DatabaseURL    string // Postgres connection string
	BaseCurrency   string // Functional/base reporting currency
	LocalTimezone  string // IANA zone used to derive the local business date
	Port           int
	LogLevel       string
	IngestionCron  string // Cron expression for scheduled ingestion; empty disables
	Reconciliation bool   // Gates the reconciliation-required section preflight
	CORSOrigins    string
	Flex           FlexRetryConfig
}

// FlexRetryConfig holds the poll retry tuning for the Flex adapter.
// All values are configuration-tunable so tests can run with deterministic timing.
type FlexRetryConfig struct {
	InitialWaitSeconds  int     // Delay before the first GetStatement poll
	RetryAttempts       int     // Max poll retries
	BackoffBaseSeconds  int     // Exponential base
	BackoffMaxSeconds   int     // Clamp on the exponential term
	JitterMinMultiplier float64 // Lower jitter bound
	JitterMaxMultiplier float64 // Upper jitter bound
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		AccountID:      getEnv("ACCOUNT_ID", ""),
		FlexToken:      getEnv("IBKR_FLEX_TOKEN", ""),
		FlexQueryID:    getEnv("IBKR_FLEX_QUERY_ID", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		BaseCurrency:   getEnv("BASE_CURRENCY", "USD"),
		LocalTimezone:  getEnv("LOCAL_TIMEZONE", "Asia/Jerusalem"),
		Port:           getEnvAsInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		IngestionCron:  getEnv("INGESTION_CRON", "30 2 * * *"),
		Reconciliation: getEnvAsBool("RECONCILIATION_ENABLED", false),
		CORSOrigins:    getEnv("CORS_ALLOWED_ORIGINS", "*"),
		Flex: FlexRetryConfig{
			InitialWaitSeconds:  getEnvAsInt("IBKR_FLEX_INITIAL_WAIT_SECONDS", 5),
			RetryAttempts:       getEnvAsInt("IBKR_FLEX_RETRY_ATTEMPTS", 7),
			BackoffBaseSeconds:  getEnvAsInt("IBKR_FLEX_BACKOFF_BASE_SECONDS", 10),
			BackoffMaxSeconds:   getEnvAsInt("IBKR_FLEX_BACKOFF_MAX_SECONDS", 60),
			JitterMinMultiplier: getEnvAsFloat("IBKR_FLEX_JITTER_MIN_MULTIPLIER", 0.5),
			JitterMaxMultiplier: getEnvAsFloat("IBKR_FLEX_JITTER_MAX_MULTIPLIER", 1.5),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("ACCOUNT_ID is required")
	}
	if c.FlexToken == "" {
		return fmt.Errorf("IBKR_FLEX_TOKEN is required")
	}
	if c.FlexQueryID == "" {
		return fmt.Errorf("IBKR_FLEX_QUERY_ID is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Flex.RetryAttempts < 1 || c.Flex.RetryAttempts > 50 {
		return fmt.Errorf("IBKR_FLEX_RETRY_ATTEMPTS must be between 1 and 50, got %d", c.Flex.RetryAttempts)
	}
	if c.Flex.InitialWaitSeconds < 0 {
		return fmt.Errorf("IBKR_FLEX_INITIAL_WAIT_SECONDS must not be negative")
	}
	if c.Flex.BackoffBaseSeconds < 1 {
		return fmt.Errorf("IBKR_FLEX_BACKOFF_BASE_SECONDS must be at least 1")
	}
	if c.Flex.BackoffMaxSeconds < c.Flex.BackoffBaseSeconds {
		return fmt.Errorf("IBKR_FLEX_BACKOFF_MAX_SECONDS must not be lower than the base")
	}
	if c.Flex.JitterMinMultiplier <= 0 {
		return fmt.Errorf("IBKR_FLEX_JITTER_MIN_MULTIPLIER must be positive")
	}
	if c.Flex.JitterMaxMultiplier < c.Flex.JitterMinMultiplier {
		return fmt.Errorf("IBKR_FLEX_JITTER_MAX_MULTIPLIER must not be lower than the minimum")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
