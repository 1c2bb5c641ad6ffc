// Package config reads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Config is shared by the API and the reconciliation worker. Fields only
// one binary needs are validated by that binary's Validate call.
type Config struct {
	TenantsTable     string `validate:"required"`
	ProductsTable    string `validate:"required"`
	VariantsTable    string `validate:"required"`
	CustomersTable   string `validate:"required"`
	OrdersTable      string `validate:"required"`
	IdempotencyTable string `validate:"required"`
	IdempotencyTTL   time.Duration

	ReconciliationQueueURL string `validate:"required,url"`

	StripeSecretKey     string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`

	Currency        string `validate:"required,len=3"`
	StrictTotals    bool
	TotalsTolerance decimal.Decimal

	RedisAddr        string `validate:"omitempty,hostname_port"`
	TenantCacheTTL   time.Duration
	MetricsNamespace string `validate:"required"`

	RunLocal bool
	Addr     string
	LogLevel string `validate:"omitempty,oneof=debug info warn warning error"`
}

// Load reads the environment. Unset optional values take their defaults;
// malformed numbers and durations are errors.
func Load() (*Config, error) {
	cfg := &Config{
		TenantsTable:           os.Getenv("TENANTS_TABLE"),
		ProductsTable:          os.Getenv("PRODUCTS_TABLE"),
		VariantsTable:          os.Getenv("VARIANTS_TABLE"),
		CustomersTable:         os.Getenv("CUSTOMERS_TABLE"),
		OrdersTable:            os.Getenv("ORDERS_TABLE"),
		IdempotencyTable:       os.Getenv("IDEMPOTENCY_TABLE"),
		ReconciliationQueueURL: os.Getenv("RECONCILIATION_QUEUE_URL"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:               getenv("CURRENCY", "usd"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		MetricsNamespace:       getenv("METRICS_NAMESPACE", "Storefront/Checkout"),
		RunLocal:               os.Getenv("RUN_LOCAL") == "true",
		Addr:                   getenv("ADDR", ":8080"),
		LogLevel:               os.Getenv("LOG_LEVEL"),
	}

	var err error
	if cfg.StrictTotals, err = parseBool("STRICT_TOTALS", false); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = parseDuration("IDEMPOTENCY_TTL", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TenantCacheTTL, err = parseDuration("TENANT_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	tolerance := getenv("TOTALS_TOLERANCE", "0.01")
	if cfg.TotalsTolerance, err = decimal.NewFromString(tolerance); err != nil {
		return nil, fmt.Errorf("TOTALS_TOLERANCE %q: %w", tolerance, err)
	}
	return cfg, nil
}

// Validate checks every field the API needs.
func (c *Config) Validate() error {
	if err := validatorv10.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.TotalsTolerance.IsNegative() {
		return fmt.Errorf("invalid config: TOTALS_TOLERANCE must not be negative")
	}
	return nil
}

// ValidateWorker checks the subset the reconciliation worker needs: it
// never talks to the gateway and never prices carts.
func (c *Config) ValidateWorker() error {
	err := validatorv10.New().StructPartial(c,
		"ProductsTable", "VariantsTable", "CustomersTable", "OrdersTable", "IdempotencyTable",
		"MetricsNamespace", "LogLevel")
	if err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return b, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return d, nil
}
