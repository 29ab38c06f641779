// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Upstream services
	CatalogURL     string // Content catalog / pricing service base URL
	FulfillmentURL string // LMS fulfillment service base URL

	// Pricing
	PriceCacheTTL   time.Duration // How long catalog prices stay fresh
	DispatchTimeout time.Duration // Per-request timeout for fulfillment dispatch

	// Reconciler
	ReconcileInterval      time.Duration // How often the fulfillment reconciler runs
	ReconcileMaxPendingAge time.Duration // Age at which unresolved transactions are flagged

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultPriceCacheTTL          = 5 * time.Minute
	DefaultDispatchTimeout        = 10 * time.Second
	DefaultReconcileInterval      = 15 * time.Minute
	DefaultReconcileMaxPendingAge = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CatalogURL:             os.Getenv("CATALOG_URL"),
		FulfillmentURL:         os.Getenv("FULFILLMENT_URL"),
		PriceCacheTTL:          getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL),
		DispatchTimeout:        getEnvDuration("DISPATCH_TIMEOUT", DefaultDispatchTimeout),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileMaxPendingAge: getEnvDuration("RECONCILE_MAX_PENDING_AGE", DefaultReconcileMaxPendingAge),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CatalogURL == "" {
		return fmt.Errorf("CATALOG_URL is required")
	}
	if c.FulfillmentURL == "" {
		return fmt.Errorf("FULFILLMENT_URL is required")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcileMaxPendingAge < c.ReconcileInterval {
		return fmt.Errorf("RECONCILE_MAX_PENDING_AGE must be at least RECONCILE_INTERVAL")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
