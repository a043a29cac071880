// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/servilink/servilink/internal/fees"
	"github.com/servilink/servilink/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor
	StripeSecretKey     string // Required
	StripeWebhookSecret string // Required for webhook signature verification
	Currency            string

	// Protection fee policy
	FeePercent  float64
	FeeMinCents int64
	FeeMaxCents int64

	// Escrow settings
	RefundWindowDays  int
	ReconcileInterval time.Duration

	// Task service (order fulfilment backend)
	TaskServiceURL string
	TaskServiceKey string

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "usd"
	DefaultFeePercent        = 10.0
	DefaultFeeMinCents       = 500
	DefaultFeeMaxCents       = 10000
	DefaultRefundWindowDays  = 30
	DefaultRateLimit         = 100
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		FeePercent:          getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		FeeMinCents:         getEnvInt64("FEE_MIN_CENTS", DefaultFeeMinCents),
		FeeMaxCents:         getEnvInt64("FEE_MAX_CENTS", DefaultFeeMaxCents),
		RefundWindowDays:    int(getEnvInt64("REFUND_WINDOW_DAYS", DefaultRefundWindowDays)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		TaskServiceURL:      os.Getenv("TASK_SERVICE_URL"),
		TaskServiceKey:      os.Getenv("TASK_SERVICE_KEY"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must start with sk_ or rk_")
	}
	if c.StripeWebhookSecret != "" && !strings.HasPrefix(c.StripeWebhookSecret, "whsec_") {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET must start with whsec_")
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if c.FeeMinCents < 0 || c.FeeMaxCents < c.FeeMinCents {
		return fmt.Errorf("FEE_MIN_CENTS/FEE_MAX_CENTS must be non-negative with min <= max")
	}
	if c.RefundWindowDays <= 0 {
		return fmt.Errorf("REFUND_WINDOW_DAYS must be positive")
	}
	return nil
}

// FeeConfig returns the protection-fee policy built from the environment.
func (c *Config) FeeConfig() fees.Config {
	cfg := fees.DefaultConfig()
	cfg.PercentageRate = c.FeePercent
	cfg.MinimumFee = money.Amount(c.FeeMinCents)
	cfg.MaximumFee = money.Amount(c.FeeMaxCents)
	return cfg
}

// RefundWindow returns the refund window as a duration.
func (c *Config) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
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
