package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/honeynil/sms-billing/internal/gateway"
	"github.com/honeynil/sms-billing/internal/reconciler"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPAddr       string
	StoreDriver    string
	PostgresDSN    string
	MigrateOnStart bool
	RedisAddr      string
	KafkaBrokers   []string
	JWTSecret      string
	LogLevel       string
	OTLPEndpoint   string
	PublicBaseURL  string

	GatewayBaseURL   string
	GatewayAPIKey    string
	GatewayTimeout   time.Duration
	WebhookKey       string
	BreakerThreshold int
	BreakerCooldown  time.Duration

	ReconcileInterval    time.Duration
	ReconcileGrace       time.Duration
	ReconcileMaxAge      time.Duration
	ReconcileBatch       int
	ReconcileConcurrency int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:    getEnv("STORE_DRIVER", StoreDriverPostgres),
		PostgresDSN:    getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=billing sslmode=disable"),
		MigrateOnStart: getBool("MIGRATE_ON_START", false),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		JWTSecret:      getEnv("JWT_SECRET", "supersecret"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		GatewayBaseURL:   getEnv("ZENOPAY_BASE_URL", "https://zenoapi.com/api/payments"),
		GatewayAPIKey:    os.Getenv("ZENOPAY_API_KEY"),
		GatewayTimeout:   getDuration("GATEWAY_TIMEOUT", 30*time.Second),
		WebhookKey:       os.Getenv("ZENOPAY_WEBHOOK_KEY"),
		BreakerThreshold: getInt("GATEWAY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),

		ReconcileInterval:    getDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:       getDuration("RECONCILE_GRACE", 2*time.Minute),
		ReconcileMaxAge:      getDuration("RECONCILE_MAX_AGE", time.Hour),
		ReconcileBatch:       getInt("RECONCILE_BATCH", 100),
		ReconcileConcurrency: getInt("RECONCILE_CONCURRENCY", 4),
	}

	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		slog.Warn("unknown store driver, falling back to postgres", "driver", cfg.StoreDriver)
		cfg.StoreDriver = StoreDriverPostgres
	}
	if cfg.GatewayAPIKey == "" {
		slog.Warn("ZENOPAY_API_KEY is not set, payment initiation will be rejected by the gateway")
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"store_driver", cfg.StoreDriver,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"gateway_base_url", cfg.GatewayBaseURL,
		"reconcile_interval", cfg.ReconcileInterval,
	)
	return cfg
}

// WebhookURL is the callback address handed to the gateway.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/api/billing/payments/webhook"
}

func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		BaseURL:          c.GatewayBaseURL,
		APIKey:           c.GatewayAPIKey,
		Timeout:          c.GatewayTimeout,
		WebhookURL:       c.WebhookURL(),
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
	}
}

func (c *Config) ReconcileConfig() reconciler.Config {
	return reconciler.Config{
		Interval:    c.ReconcileInterval,
		GracePeriod: c.ReconcileGrace,
		MaxAge:      c.ReconcileMaxAge,
		BatchSize:   c.ReconcileBatch,
		Concurrency: c.ReconcileConcurrency,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
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

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
