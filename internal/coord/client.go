package coord

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config holds Redis connection configuration for the coordination store
type Config struct {
	URL             string        // REDIS_URL, e.g. redis://localhost:6379/0
	PoolSize        int           // Maximum number of socket connections
	DialTimeout     time.Duration // Timeout for establishing new connections
	ReadTimeout     time.Duration // Timeout for socket reads
	ConnectAttempts int           // Ping attempts before giving up at startup
	RetryInterval   time.Duration // Initial wait between ping attempts
}

// ConfigFromEnv builds a Config from environment variables with defaults
func ConfigFromEnv() Config {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	return Config{
		URL:             url,
		PoolSize:        20,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		ConnectAttempts: 10,
		RetryInterval:   time.Second,
	}
}

// Connect creates a Redis client and waits until it answers PING
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}

	client := redis.NewClient(opts)

	attempts := max(cfg.ConnectAttempts, 1)
	backoff := cfg.RetryInterval
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("Redis connection established after retries")
			}
			return client, nil
		}
		if attempt == attempts {
			break
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", backoff).
			Msg("Redis ping failed, retrying...")

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("redis connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempts, lastErr)
}

// ScanKeys walks the keyspace with a cursor-based SCAN, calling fn for every
// key matching pattern. It never issues a blocking KEYS command.
func ScanKeys(ctx context.Context, client redis.Cmdable, pattern string, count int64, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
