// Package config loads the process configuration from the environment.
// Missing required variables are fatal; the binary exits with code 1 before
// touching any dependency.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/socialboost/fulfillment/domain"
)

// WorkerConfig is the per-worker enable flag and tuning knobs.
type WorkerConfig struct {
	Enabled  bool
	Interval time.Duration
	Limit    int
}

// SMTPConfig carries the optional outbound email settings. An empty Host
// disables real email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config is the full process configuration.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string
	// CheckoutAPIKey authenticates order-creation and admin endpoints.
	CheckoutAPIKey string
	// PaymentProviderSecret signs and verifies payment webhooks.
	PaymentProviderSecret string
	// DatabaseURL is the postgres DSN.
	DatabaseURL string
	// FrontendURL is the base for checkout redirect URLs.
	FrontendURL string
	// SchedulePath points at the TOML cron schedule. Empty disables cron.
	SchedulePath string

	SMTP SMTPConfig

	Fulfillment   WorkerConfig
	ProviderReply WorkerConfig
	ProviderAlert WorkerConfig
	WeeklyDigest  WorkerConfig
	CatalogJobs   WorkerConfig
}

// Load reads the environment contract. Required: CHECKOUT_API_KEY,
// PAYMENT_PROVIDER_SECRET, DATABASE_URL, FRONTEND_URL.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		SchedulePath: os.Getenv("SCHEDULE_PATH"),
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     intEnv("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		Fulfillment:   workerEnv("FULFILLMENT_WORKER", 30*time.Second, 25),
		ProviderReply: workerEnv("PROVIDER_REPLAY_WORKER", time.Minute, 50),
		ProviderAlert: workerEnv("PROVIDER_AUTOMATION_ALERT_WORKER", 5*time.Minute, 100),
		WeeklyDigest:  workerEnv("WEEKLY_DIGEST", 24*time.Hour, 500),
		CatalogJobs:   workerEnv("CATALOG_JOB_SCHEDULER", time.Hour, 100),
	}

	var err error
	if cfg.CheckoutAPIKey, err = required("CHECKOUT_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.PaymentProviderSecret, err = required("PAYMENT_PROVIDER_SECRET"); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL, err = required("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.FrontendURL, err = required("FRONTEND_URL"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func required(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", domain.Fatalf(nil, "required environment variable %s is not set", key)
	}
	return v, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// workerEnv reads <PREFIX>_ENABLED, <PREFIX>_INTERVAL_SECONDS and
// <PREFIX>_LIMIT. Workers default to enabled.
func workerEnv(prefix string, interval time.Duration, limit int) WorkerConfig {
	if secs := intEnv(prefix+"_INTERVAL_SECONDS", 0); secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	return WorkerConfig{
		Enabled:  boolEnv(prefix+"_ENABLED", true),
		Interval: interval,
		Limit:    intEnv(prefix+"_LIMIT", limit),
	}
}

// Redacted returns a loggable summary without secrets.
func (c *Config) Redacted() string {
	return fmt.Sprintf("addr=%s frontend=%s schedule=%s workers[fulfillment=%t replay=%t alerts=%t digest=%t catalog=%t]",
		c.HTTPAddr, c.FrontendURL, c.SchedulePath,
		c.Fulfillment.Enabled, c.ProviderReply.Enabled, c.ProviderAlert.Enabled,
		c.WeeklyDigest.Enabled, c.CatalogJobs.Enabled)
}
