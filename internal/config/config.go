// Package config loads the engine's configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds everything the storefront binary needs to run.
type Config struct {
	Port       int
	SQLitePath string

	// RedisAddr enables the order cache when non-empty.
	RedisAddr string

	// WebhookSecret is the shared secret the provider signs events with.
	WebhookSecret string
	// SignatureTolerance bounds signed-timestamp drift on webhook events.
	SignatureTolerance time.Duration

	// SessionSecret verifies session tokens on the client endpoints.
	// Session issuance lives outside this service.
	SessionSecret string

	// AdminEmail identifies the account allowed to transition order status.
	AdminEmail string

	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderMock    bool

	ServiceName string
}

// Load reads configuration from the environment, applying local-dev defaults.
// The two secrets have no defaults and must be set.
func Load() (Config, error) {
	cfg := Config{
		Port:               getInt("PORT", 8080),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/storefront.db"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		SignatureTolerance: getDuration("WEBHOOK_SIGNATURE_TOLERANCE", 5*time.Minute),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		AdminEmail:         os.Getenv("ADMIN_EMAIL"),
		ProviderAPIKey:     os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:    getEnv("PROVIDER_BASE_URL", "https://api.stripe.com"),
		ProviderMock:       getBool("PROVIDER_MOCK", false),
		ServiceName:        getEnv("OTEL_SERVICE_NAME", "storefront-backend"),
	}
	if cfg.WebhookSecret == "" {
		return Config{}, errors.New("config: WEBHOOK_SECRET is required")
	}
	if cfg.SessionSecret == "" {
		return Config{}, errors.New("config: SESSION_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
