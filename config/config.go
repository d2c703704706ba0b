package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// HTTP
	APIAddr     string
	MetricsAddr string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string

	// Provider selection: "live" talks to real provider endpoints,
	// "mock" wires in-process fakes. Chosen once at startup.
	ProviderMode string

	// Live provider endpoints
	OrderProviderURL   string
	PaymentProviderURL string
	MandateProviderURL string
	KYCProviderURL     string

	// Webhook admission: shared HMAC secrets keyed by provider family.
	OrderWebhookSecret   string
	PaymentWebhookSecret string
	MandateWebhookSecret string

	// Event dedup: bucket width for the dedup key and redis key TTL.
	// Two signals with the same (entity, ref, status) inside one bucket
	// collapse into one event.
	DedupBucket time.Duration
	DedupTTL    time.Duration

	// Poll scheduler
	PollInterval    time.Duration // scan frequency
	StaleAfter      time.Duration // non-terminal + untouched this long => poll
	PollMaxAttempts int           // beyond this, flag for manual review

	// Resilience
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	ProviderRateLimit   float64 // tokens per second per provider
	ProviderRateBurst   int
	ProviderTimeout     time.Duration

	// Notification fan-out
	NotifyWebhookURL string // optional downstream webhook, empty disables
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		APIAddr:     getEnv("API_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/fundflow.db"),

		ProviderMode: getEnv("PROVIDER_MODE", "mock"),

		OrderProviderURL:   getEnv("ORDER_PROVIDER_URL", "http://localhost:9100"),
		PaymentProviderURL: getEnv("PAYMENT_PROVIDER_URL", "http://localhost:9100"),
		MandateProviderURL: getEnv("MANDATE_PROVIDER_URL", "http://localhost:9100"),
		KYCProviderURL:     getEnv("KYC_PROVIDER_URL", "http://localhost:9100"),

		OrderWebhookSecret:   mustEnv("ORDER_WEBHOOK_SECRET"),
		PaymentWebhookSecret: mustEnv("PAYMENT_WEBHOOK_SECRET"),
		MandateWebhookSecret: mustEnv("MANDATE_WEBHOOK_SECRET"),

		DedupBucket: getDuration("DEDUP_BUCKET", 60*time.Second),
		DedupTTL:    getDuration("DEDUP_TTL", 10*time.Minute),

		PollInterval:    getDuration("POLL_INTERVAL", 30*time.Second),
		StaleAfter:      getDuration("POLL_STALE_AFTER", 2*time.Minute),
		PollMaxAttempts: getInt("POLL_MAX_ATTEMPTS", 10),

		BreakerMaxFailures:  getInt("BREAKER_MAX_FAILURES", 5),
		BreakerResetTimeout: getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		ProviderRateLimit:   getFloat("PROVIDER_RATE_LIMIT", 20),
		ProviderRateBurst:   getInt("PROVIDER_RATE_BURST", 10),
		ProviderTimeout:     getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
