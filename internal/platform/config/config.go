package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration. Values come from the
// environment so main stays lean; every knob has a production-safe default.
type Config struct {
	Addr string

	// MasterKey encrypts private signing keys at rest. It is sourced from
	// the environment (or an external secret manager injecting it there)
	// and is never persisted in the same store as the data it protects.
	MasterKey string

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	AuditTopic   string

	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	KeyGraceWindow  time.Duration
	KeyCacheTTL     time.Duration

	LockoutWindow    time.Duration
	LockoutThreshold int

	WebhookMaxAttempts int
	WebhookBaseBackoff time.Duration
	WebhookMaxBackoff  time.Duration
	WebhookWorkers     int

	SweepInterval         time.Duration
	SessionRetentionGrace time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:         envString("CLAVIS_ADDR", ":8080"),
		MasterKey:    os.Getenv("CLAVIS_MASTER_KEY"),
		DatabaseURL:  os.Getenv("CLAVIS_DATABASE_URL"),
		RedisURL:     os.Getenv("CLAVIS_REDIS_URL"),
		KafkaBrokers: os.Getenv("CLAVIS_KAFKA_BROKERS"),
		AuditTopic:   envString("CLAVIS_AUDIT_TOPIC", "clavis.audit.entries"),

		Issuer: envString("CLAVIS_ISSUER", "https://auth.clavis.dev"),

		AccessTokenTTL:  envDuration("CLAVIS_ACCESS_TOKEN_TTL", 10*time.Minute),
		RefreshTokenTTL: envDuration("CLAVIS_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		KeyGraceWindow:  envDuration("CLAVIS_KEY_GRACE_WINDOW", 24*time.Hour),
		KeyCacheTTL:     envDuration("CLAVIS_KEY_CACHE_TTL", 5*time.Minute),

		LockoutWindow:    envDuration("CLAVIS_LOCKOUT_WINDOW", 15*time.Minute),
		LockoutThreshold: envInt("CLAVIS_LOCKOUT_THRESHOLD", 5),

		WebhookMaxAttempts: envInt("CLAVIS_WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookBaseBackoff: envDuration("CLAVIS_WEBHOOK_BASE_BACKOFF", time.Second),
		WebhookMaxBackoff:  envDuration("CLAVIS_WEBHOOK_MAX_BACKOFF", 5*time.Minute),
		WebhookWorkers:     envInt("CLAVIS_WEBHOOK_WORKERS", 4),

		SweepInterval:         envDuration("CLAVIS_SWEEP_INTERVAL", 5*time.Minute),
		SessionRetentionGrace: envDuration("CLAVIS_SESSION_RETENTION_GRACE", 72*time.Hour),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
