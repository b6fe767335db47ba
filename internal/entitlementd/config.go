// Package entitlementd is the HTTP service keeping cached entitlement tiers
// converged against the billing provider.
package entitlementd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	StripeAPIKey        string
	StripeWebhookSecret string

	SessionSecret string

	CheckoutPollAttempts int
	CheckoutPollInterval time.Duration
	GraceWindow          time.Duration

	PublicMetrics bool
	LogLevel      string
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENTD_PORT", 8480)
	if err != nil {
		return nil, err
	}
	pollAttempts, err := envOrDefaultInt("ENTD_CHECKOUT_POLL_ATTEMPTS", 15)
	if err != nil {
		return nil, err
	}
	pollIntervalSec, err := envOrDefaultInt("ENTD_CHECKOUT_POLL_INTERVAL_SECONDS", 1)
	if err != nil {
		return nil, err
	}
	graceWindowSec, err := envOrDefaultInt("ENTD_GRACE_WINDOW_SECONDS", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:              envOrDefault("ENTD_DATA_DIR", "/data"),
		BindAddress:          envOrDefault("ENTD_BIND_ADDRESS", "0.0.0.0"),
		Port:                 port,
		StripeAPIKey:         strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		SessionSecret:        strings.TrimSpace(os.Getenv("ENTD_SESSION_SECRET")),
		CheckoutPollAttempts: pollAttempts,
		CheckoutPollInterval: time.Duration(pollIntervalSec) * time.Second,
		GraceWindow:          time.Duration(graceWindowSec) * time.Second,
		PublicMetrics:        envOrDefaultBool("ENTD_PUBLIC_METRICS", false),
		LogLevel:             envOrDefault("ENTD_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.SessionSecret == "" {
		missing = append(missing, "ENTD_SESSION_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENTD_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.CheckoutPollAttempts < 1 {
		return fmt.Errorf("ENTD_CHECKOUT_POLL_ATTEMPTS must be at least 1, got %d", c.CheckoutPollAttempts)
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("ENTD_GRACE_WINDOW_SECONDS must be greater than 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}
