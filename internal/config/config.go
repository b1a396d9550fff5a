// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for subsyncd.
type Config struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	PlanType  string
	TrialDays int

	SweepInterval   time.Duration
	SweepDisabled   bool
	SweepRunOnStart bool

	DatabaseURL        string // selects the postgres store
	FirestoreProjectID string // selects the firestore store when DatabaseURL is empty
	RedisURL           string // optional inbox and sweep lock

	SessionSecret       string
	SessionCookieSecure bool
	HTTPAddr            string

	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool

	LogLevel         zerolog.Level
	LogFormat        string
	MetricsNamespace string
}

// Load reads configuration from the environment. Files in envFiles are
// loaded first when present; variables already set take precedence.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	trialDays, err := envOrDefaultInt("SUBSCRIPTION_TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	interval, err := envOrDefaultDuration("SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	sweepDisabled, err := envOrDefaultBool("SWEEP_DISABLED", false)
	if err != nil {
		return nil, err
	}
	runOnStart, err := envOrDefaultBool("SWEEP_RUN_ON_START", false)
	if err != nil {
		return nil, err
	}
	cookieSecure, err := envOrDefaultBool("SESSION_COOKIE_SECURE", true)
	if err != nil {
		return nil, err
	}
	trustProxy, err := envOrDefaultBool("TRUST_PROXY_HEADERS", false)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(envOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		PlanType:            envOrDefault("SUBSCRIPTION_PLAN_TYPE", "captain_monthly"),
		TrialDays:           trialDays,
		SweepInterval:       interval,
		SweepDisabled:       sweepDisabled,
		SweepRunOnStart:     runOnStart,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		FirestoreProjectID:  strings.TrimSpace(os.Getenv("FIRESTORE_PROJECT_ID")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		SessionSecret:       strings.TrimSpace(os.Getenv("SESSION_SECRET")),
		SessionCookieSecure: cookieSecure,
		HTTPAddr:            envOrDefault("HTTP_ADDR", ":8080"),
		TrustProxyHeaders:   trustProxy,
		LogLevel:            level,
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		MetricsNamespace:    envOrDefault("METRICS_NAMESPACE", "subsync"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges. Missing provider credentials are allowed:
// the affected operations report not_configured at request time.
func (c *Config) Validate() error {
	if c.TrialDays < 0 {
		return fmt.Errorf("SUBSCRIPTION_TRIAL_DAYS must not be negative, got %d", c.TrialDays)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.PlanType == "" {
		return fmt.Errorf("SUBSCRIPTION_PLAN_TYPE must not be empty")
	}
	return nil
}

// ServeRequirements reports the variables the HTTP server cannot start without.
func (c *Config) ServeRequirements() error {
	var missing []string
	if c.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
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

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
