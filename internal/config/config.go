// Package config loads runtime configuration from the environment and an
// optional YAML file named by CONFIG_FILE. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQL      = "sql"
)

type AppConfig struct {
	Environment string        `mapstructure:"environment"`
	HTTPAddr    string        `mapstructure:"http_addr"`
	Timeout     time.Duration `mapstructure:"request_timeout"`

	// Ledger backend: dynamodb tables or a gorm database.
	LedgerBackend       string        `mapstructure:"ledger_backend"`
	SQLDriver           string        `mapstructure:"sql_driver"`
	SQLDSN              string        `mapstructure:"sql_dsn"`
	OrdersTable         string        `mapstructure:"orders_table"`
	IntentsTable        string        `mapstructure:"intents_table"`
	CustomersTable      string        `mapstructure:"customers_table"`
	CustomerEmailsTable string        `mapstructure:"customer_emails_table"`
	IdempotencyTable    string        `mapstructure:"idempotency_table"`
	ProductsTable       string        `mapstructure:"products_table"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`

	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
	Currency            string `mapstructure:"currency"`

	JWTSecret  string `mapstructure:"jwt_secret"`
	AdminToken string `mapstructure:"admin_token"`

	// Notifications go to SQS for the worker and, when brokers are set, to Kafka.
	NotificationsQueueURL string        `mapstructure:"notifications_queue_url"`
	NotifyTimeout         time.Duration `mapstructure:"notify_timeout"`
	KafkaBrokers          []string      `mapstructure:"kafka_brokers"`
	KafkaTopic            string        `mapstructure:"kafka_topic"`
	EmailFrom             string        `mapstructure:"email_from"`

	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisDB            int           `mapstructure:"redis_db"`
	CheckoutRateLimit  int           `mapstructure:"checkout_rate_limit"`
	CheckoutRateWindow time.Duration `mapstructure:"checkout_rate_window"`

	AlgoliaAppID  string `mapstructure:"algolia_app_id"`
	AlgoliaAPIKey string `mapstructure:"algolia_api_key"`
	AlgoliaIndex  string `mapstructure:"algolia_index"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`

	PendingAfter time.Duration `mapstructure:"pending_after"`
	SweepMode    string        `mapstructure:"sweep_mode"`
	SweepBatch   int           `mapstructure:"sweep_batch"`
}

var defaults = map[string]any{
	"environment":             "production",
	"http_addr":               ":8080",
	"request_timeout":         "10s",
	"ledger_backend":          BackendDynamoDB,
	"sql_driver":              "sqlite",
	"sql_dsn":                 "reconciler.db",
	"orders_table":            "orders",
	"intents_table":           "payment_intents",
	"customers_table":         "customers",
	"customer_emails_table":   "customer_emails",
	"idempotency_table":       "idempotency",
	"products_table":          "products",
	"idempotency_ttl":         "48h",
	"stripe_secret_key":       "",
	"stripe_webhook_secret":   "",
	"currency":                "usd",
	"jwt_secret":              "",
	"admin_token":             "",
	"notifications_queue_url": "",
	"notify_timeout":          "5s",
	"kafka_brokers":           []string{},
	"kafka_topic":             "order-events",
	"email_from":              "orders@example.com",
	"redis_addr":              "",
	"redis_db":                0,
	"checkout_rate_limit":     10,
	"checkout_rate_window":    "1m",
	"algolia_app_id":          "",
	"algolia_api_key":         "",
	"algolia_index":           "products",
	"metrics_namespace":       "PaymentReconciler",
	"pending_after":           "1h",
	"sweep_mode":              "cancel",
	"sweep_batch":             100,
}

// Load reads and validates configuration, using defaults for anything unset.
func Load() (AppConfig, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.LedgerBackend {
	case BackendDynamoDB:
	case BackendSQL:
		if c.SQLDSN == "" {
			return errors.New("SQL_DSN must not be empty")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendSQL, c.LedgerBackend)
	}
	if c.SweepMode != "cancel" && c.SweepMode != "review" {
		return fmt.Errorf("SWEEP_MODE must be cancel or review, got %q", c.SweepMode)
	}
	if c.PendingAfter <= 0 {
		return errors.New("PENDING_AFTER must be > 0")
	}
	if c.IdempotencyTTL < c.PendingAfter {
		return errors.New("IDEMPOTENCY_TTL must not be shorter than PENDING_AFTER")
	}
	if c.CheckoutRateLimit <= 0 || c.CheckoutRateWindow <= 0 {
		return errors.New("CHECKOUT_RATE_LIMIT and CHECKOUT_RATE_WINDOW must be > 0")
	}
	if c.SweepBatch <= 0 {
		return errors.New("SWEEP_BATCH must be > 0")
	}
	return nil
}

// RequireAPI checks the secrets the HTTP API cannot run without.
func (c AppConfig) RequireAPI() error {
	var missing []error
	if c.StripeSecretKey == "" {
		missing = append(missing, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.JWTSecret == "" {
		missing = append(missing, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(missing...)
}
