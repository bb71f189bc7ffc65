package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseURL      = "data/kyc.db"
	defaultCacheDriver      = "memory"
	defaultRedisPrefix      = "kyc:"
	defaultHTTPAddr         = ":8080"
	defaultQueueConcurrency = 5
	defaultQueueMaxAttempts = 3
	defaultQueueBackoffBase = time.Second
	defaultKafkaTopic       = "kyc.applications"
	defaultReminderTime     = "10:00"
	defaultReminderStale    = 24 * time.Hour
	defaultSessionPurge     = 30 * 24 * time.Hour
)

// Config keeps runtime settings for the bot and the admin API.
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string

	DatabaseDriver string
	DatabaseURL    string

	CacheDriver string
	RedisURL    string
	RedisPrefix string

	HTTPAddr   string
	AdminToken string

	QueueConcurrency int
	QueueMaxAttempts int
	QueueBackoffBase time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ReminderTime       string
	ReminderStaleAfter time.Duration
	SessionPurgeAfter  time.Duration

	TelegramAPIEndpoint string

	// Optional single partner created on start, for one-bot deployments.
	BotToken    string
	PartnerCode string
	PartnerName string
}

// Load reads configuration from environment variables (and an optional .env
// file) with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:         envOr("APP_ENV", "development"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "console"),
		DatabaseDriver:      strings.ToLower(envOr("DATABASE_DRIVER", defaultDatabaseDriver)),
		DatabaseURL:         envOr("DATABASE_URL", defaultDatabaseURL),
		CacheDriver:         strings.ToLower(envOr("CACHE_DRIVER", defaultCacheDriver)),
		RedisURL:            env("REDIS_URL"),
		RedisPrefix:         envOr("REDIS_PREFIX", defaultRedisPrefix),
		HTTPAddr:            envOr("HTTP_ADDR", defaultHTTPAddr),
		AdminToken:          env("ADMIN_TOKEN"),
		QueueConcurrency:    parseInt(env("QUEUE_CONCURRENCY"), defaultQueueConcurrency),
		QueueMaxAttempts:    parseInt(env("QUEUE_MAX_ATTEMPTS"), defaultQueueMaxAttempts),
		QueueBackoffBase:    parseDuration(env("QUEUE_BACKOFF_BASE"), defaultQueueBackoffBase),
		KafkaBrokers:        splitList(env("KAFKA_BROKERS")),
		KafkaTopic:          envOr("KAFKA_TOPIC", defaultKafkaTopic),
		ReminderTime:        envOr("REMINDER_TIME", defaultReminderTime),
		ReminderStaleAfter:  parseDuration(env("REMINDER_STALE_AFTER"), defaultReminderStale),
		SessionPurgeAfter:   parseDuration(env("SESSION_PURGE_AFTER"), defaultSessionPurge),
		TelegramAPIEndpoint: env("TELEGRAM_API_ENDPOINT"),
		BotToken:            env("BOT_TOKEN"),
		PartnerCode:         env("PARTNER_CODE"),
		PartnerName:         env("PARTNER_NAME"),
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return cfg, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	switch cfg.CacheDriver {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("REDIS_URL is required when CACHE_DRIVER=redis")
		}
	default:
		return cfg, fmt.Errorf("unsupported CACHE_DRIVER %q", cfg.CacheDriver)
	}

	if cfg.BotToken != "" && cfg.PartnerCode == "" {
		return cfg, fmt.Errorf("PARTNER_CODE is required when BOT_TOKEN is set")
	}

	if cfg.AdminToken == "" {
		return cfg, fmt.Errorf("ADMIN_TOKEN is required")
	}

	return cfg, nil
}

// IsProduction reports whether the process runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envOr(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
