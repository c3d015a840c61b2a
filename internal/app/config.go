// Package app holds process configuration and the explicit service graph
// shared by the binary.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/db"
	"github.com/Harvey-AU/crawl-admission/internal/semaphore"
	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/Harvey-AU/crawl-admission/internal/watchdog"
	"github.com/Harvey-AU/crawl-admission/internal/worker"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full process configuration.
type Config struct {
	Env                  string // Environment (development/staging/production)
	Port                 string // HTTP port for the submission API
	LogLevel             string // Log level (debug, info, warn, error)
	SentryDSN            string // Sentry DSN for error tracking
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter

	Database *db.Config
	Redis    coord.Config

	Semaphore        semaphore.Config
	FlagTTL          time.Duration // Slot-preacquired flag lifetime
	LeaderTTL        time.Duration // Feeder leader lease
	Defaults         settings.Settings
	SettingsCacheTTL time.Duration
	Watchdog         watchdog.Config
	Worker           worker.Config

	FeederEnabled bool // Run the feeder loop in this process
	WorkerEnabled bool // Run the worker pool in this process
	APIEnabled    bool // Serve the submission API

	ExecutorURL     string
	ExecutorToken   string
	ExecutorTimeout time.Duration

	SlackWebhookURL    string
	SlackAlertInterval time.Duration

	APIRatePerSecond float64
	APIRateBurst     int
}

// LoadConfig reads .env.local/.env when present and then the environment.
func LoadConfig() (*Config, error) {
	// Missing files are fine; real environment variables always win.
	_ = godotenv.Load(".env.local", ".env")

	cfg := &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		Port:                 getEnvWithDefault("PORT", "8080"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ObservabilityEnabled: getEnvBool("OBSERVABILITY_ENABLED", true),
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		Database: db.ConfigFromEnv(),
		Redis:    coord.ConfigFromEnv(),

		Semaphore:        semaphore.DefaultConfig(),
		FlagTTL:          getEnvSeconds("SLOT_FLAG_TTL_SECONDS", time.Hour),
		LeaderTTL:        getEnvSeconds("FEEDER_LEADER_TTL_SECONDS", 30*time.Second),
		Defaults:         settings.DefaultsFromEnv(),
		SettingsCacheTTL: getEnvSeconds("TENANT_SETTINGS_CACHE_SECONDS", time.Minute),
		Watchdog:         watchdog.DefaultConfig(),
		Worker:           workerConfigFromEnv(),

		FeederEnabled: getEnvBool("FEEDER_ENABLED", true),
		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
		APIEnabled:    getEnvBool("API_ENABLED", true),

		ExecutorURL:     os.Getenv("CRAWL_EXECUTOR_URL"),
		ExecutorToken:   os.Getenv("CRAWL_EXECUTOR_TOKEN"),
		ExecutorTimeout: getEnvSeconds("CRAWL_EXECUTOR_TIMEOUT_SECONDS", 5*time.Minute),

		SlackWebhookURL:    os.Getenv("SLACK_WEBHOOK_URL"),
		SlackAlertInterval: getEnvSeconds("SLACK_ALERT_INTERVAL_SECONDS", 15*time.Minute),

		APIRatePerSecond: float64(getEnvInt("API_RATE_LIMIT_PER_SECOND", 20)),
		APIRateBurst:     getEnvInt("API_RATE_LIMIT_BURST", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func workerConfigFromEnv() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Workers = getEnvInt("WORKER_COUNT", defaultWorkerCount(os.Getenv("APP_ENV")))
	cfg.MaxRetries = getEnvInt("JOB_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryBase = getEnvSeconds("JOB_RETRY_BASE_SECONDS", cfg.RetryBase)
	cfg.RetryMax = getEnvSeconds("JOB_RETRY_MAX_SECONDS", cfg.RetryMax)
	return cfg
}

func defaultWorkerCount(env string) int {
	switch env {
	case "production":
		return 20
	case "staging":
		return 8
	default:
		return 4
	}
}

// Validate checks the timing relationships the recovery protocol depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.FlagTTL <= c.Semaphore.TTL {
		errs = append(errs, fmt.Errorf("slot flag TTL (%s) must exceed semaphore TTL (%s)", c.FlagTTL, c.Semaphore.TTL))
	}
	if c.Watchdog.StaleThreshold >= c.Watchdog.MaxAge {
		errs = append(errs, fmt.Errorf("stale threshold (%s) must be below max age (%s)", c.Watchdog.StaleThreshold, c.Watchdog.MaxAge))
	}
	if c.Defaults.PollInterval >= c.LeaderTTL {
		errs = append(errs, fmt.Errorf("feeder poll interval (%s) must be below leader TTL (%s)", c.Defaults.PollInterval, c.LeaderTTL))
	}
	if c.Watchdog.RunningCeiling <= 0 {
		errs = append(errs, errors.New("running ceiling must be positive"))
	}
	if c.WorkerEnabled && c.ExecutorURL == "" {
		errs = append(errs, errors.New("CRAWL_EXECUTOR_URL is required when WORKER_ENABLED"))
	}

	return errors.Join(errs...)
}

func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n <= 0 {
		return defaultValue
	}
	return time.Duration(n) * time.Second
}

// ParseOTLPHeaders splits "k=v,k2=v2" into a header map.
func ParseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for pair := range strings.SplitSeq(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
