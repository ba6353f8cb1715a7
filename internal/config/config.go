package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port       string
	Debug      bool
	AdminToken string

	// Document store
	DBDriver    string // "postgres", "sqlite" or "memory"
	DatabaseURL string

	// Feed
	FeedCacheTTLSec int

	// Signal gate
	SignalUserLimitPerHour    int
	SignalNetworkLimitPerHour int

	// Idempotency
	IdempotencyEnabled    bool
	IdempotencyTTLSec     int
	IdempotencyMaxEntries int
	IdempotencyBackend    string // "memory" or "redis"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Background write queue
	QueueEnabled         bool
	QueueFlushIntervalMs int
	QueueBatchSize       int
	QueueMaxSize         int

	// Retention sweeper
	MaintenanceEnabled     bool
	MaintenanceIntervalSec int

	RetentionAuthDays          int
	RetentionLoginAuditDays    int
	RetentionAuditLogDays      int
	RetentionTelemetryDays     int
	RetentionPostSignalDays    int
	RetentionSecurityEventDays int

	// Request rate limit per client
	RateLimitPerMinute int

	// Telemetry sink: "store" or "blob"
	TelemetrySink string

	// Azure Storage configuration
	StorageAccount   string
	StorageContainer string

	// Notification configuration
	NotifyWebhookURL string
	ModerationEmails []string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "4000"),
		Debug:      getBoolEnv("DEBUG", false),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		FeedCacheTTLSec: getIntEnv("FEED_CACHE_TTL_SEC", 30),

		SignalUserLimitPerHour:    getIntEnv("SIGNAL_USER_LIMIT_PER_HOUR", 20),
		SignalNetworkLimitPerHour: getIntEnv("SIGNAL_NETWORK_LIMIT_PER_HOUR", 60),

		IdempotencyEnabled:    getBoolEnv("IDEMPOTENCY_ENABLED", true),
		IdempotencyTTLSec:     getIntEnv("IDEMPOTENCY_TTL_SEC", 600),
		IdempotencyMaxEntries: getIntEnv("IDEMPOTENCY_MAX_ENTRIES", 10000),
		IdempotencyBackend:    getEnv("IDEMPOTENCY_BACKEND", "memory"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		QueueEnabled:         getBoolEnv("BACKGROUND_QUEUE_ENABLED", true),
		QueueFlushIntervalMs: getIntEnv("BACKGROUND_QUEUE_FLUSH_INTERVAL_MS", 1000),
		QueueBatchSize:       getIntEnv("BACKGROUND_QUEUE_BATCH_SIZE", 100),
		QueueMaxSize:         getIntEnv("BACKGROUND_QUEUE_MAX_SIZE", 5000),

		MaintenanceEnabled:     getBoolEnv("MAINTENANCE_ENABLED", true),
		MaintenanceIntervalSec: getIntEnv("MAINTENANCE_INTERVAL_SEC", 900),

		RetentionAuthDays:          getIntEnv("RETENTION_AUTH_DAYS", 14),
		RetentionLoginAuditDays:    getIntEnv("RETENTION_LOGIN_AUDIT_DAYS", 30),
		RetentionAuditLogDays:      getIntEnv("RETENTION_AUDIT_LOG_DAYS", 30),
		RetentionTelemetryDays:     getIntEnv("RETENTION_TELEMETRY_DAYS", 30),
		RetentionPostSignalDays:    getIntEnv("RETENTION_POST_SIGNAL_DAYS", 30),
		RetentionSecurityEventDays: getIntEnv("RETENTION_SECURITY_EVENT_DAYS", 60),

		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 240),

		TelemetrySink: getEnv("TELEMETRY_SINK", "store"),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "telemetry"),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		ModerationEmails: getSliceEnv("MODERATION_EMAIL", nil),
		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getIntEnv("SMTP_PORT", 587),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %s", c.DBDriver)
		}
	case "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be 'postgres', 'sqlite' or 'memory'")
	}

	switch c.IdempotencyBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when IDEMPOTENCY_BACKEND is redis")
		}
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND must be 'memory' or 'redis'")
	}

	switch c.TelemetrySink {
	case "store":
	case "blob":
		if c.StorageAccount == "" {
			return fmt.Errorf("AZURE_STORAGE_ACCOUNT is required when TELEMETRY_SINK is blob")
		}
	default:
		return fmt.Errorf("TELEMETRY_SINK must be 'store' or 'blob'")
	}

	positive := map[string]int{
		"FEED_CACHE_TTL_SEC":                 c.FeedCacheTTLSec,
		"SIGNAL_USER_LIMIT_PER_HOUR":         c.SignalUserLimitPerHour,
		"SIGNAL_NETWORK_LIMIT_PER_HOUR":      c.SignalNetworkLimitPerHour,
		"IDEMPOTENCY_TTL_SEC":                c.IdempotencyTTLSec,
		"IDEMPOTENCY_MAX_ENTRIES":            c.IdempotencyMaxEntries,
		"BACKGROUND_QUEUE_FLUSH_INTERVAL_MS": c.QueueFlushIntervalMs,
		"BACKGROUND_QUEUE_BATCH_SIZE":        c.QueueBatchSize,
		"BACKGROUND_QUEUE_MAX_SIZE":          c.QueueMaxSize,
		"MAINTENANCE_INTERVAL_SEC":           c.MaintenanceIntervalSec,
		"RETENTION_AUTH_DAYS":                c.RetentionAuthDays,
		"RETENTION_LOGIN_AUDIT_DAYS":         c.RetentionLoginAuditDays,
		"RETENTION_AUDIT_LOG_DAYS":           c.RetentionAuditLogDays,
		"RETENTION_TELEMETRY_DAYS":           c.RetentionTelemetryDays,
		"RETENTION_POST_SIGNAL_DAYS":         c.RetentionPostSignalDays,
		"RETENTION_SECURITY_EVENT_DAYS":      c.RetentionSecurityEventDays,
		"RATE_LIMIT_PER_MINUTE":              c.RateLimitPerMinute,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if len(c.ModerationEmails) > 0 {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when MODERATION_EMAIL is set")
		}
	}

	return nil
}

// FeedCacheTTL is the lifetime of a cached feed page
func (c *Config) FeedCacheTTL() time.Duration {
	return time.Duration(c.FeedCacheTTLSec) * time.Second
}

// IdempotencyTTL is the lifetime of a completed idempotency entry
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

// QueueFlushInterval is the period of the background flush
func (c *Config) QueueFlushInterval() time.Duration {
	return time.Duration(c.QueueFlushIntervalMs) * time.Millisecond
}

// MaintenanceInterval is the period of the retention sweep
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSec) * time.Second
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
