package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier (typically 2.0)
	Jitter          bool          // Add randomness to prevent thundering herd
}

// DefaultRetryConfig returns sensible defaults for database connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// ConnectWithRetry opens the database, retrying transient failures with
// exponential backoff. Configuration and authentication errors fail fast.
func ConnectWithRetry(ctx context.Context, config *Config, retryConfig RetryConfig) (*DB, error) {
	return connectWithRetry(ctx, retryConfig, func() (*DB, error) {
		return New(ctx, config)
	})
}

func connectWithRetry(ctx context.Context, retryConfig RetryConfig, connect func() (*DB, error)) (*DB, error) {
	var lastErr error
	backoff := retryConfig.InitialInterval
	startTime := time.Now()
	attempts := max(retryConfig.MaxAttempts, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := connect()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= attempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retryConfig.Multiplier)
		if backoff > retryConfig.MaxInterval {
			backoff = retryConfig.MaxInterval
		}
		if retryConfig.Jitter && backoff > 0 {
			// +/-10%
			backoff += time.Duration((rand.Float64()*0.2 - 0.1) * float64(backoff))
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_attempts", attempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, lastErr)
}

// isRetryableError classifies connection errors. SQLSTATE classes for
// connection, resource and operator problems are transient; data and
// authorisation problems are not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := sqlState(err); ok {
		switch code[:2] {
		case "08", "53", "57", "58":
			return true
		case "22", "23", "28", "3D", "42":
			return false
		default:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	if strings.Contains(msg, "is required") {
		return false
	}
	return true
}

func sqlState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && len(pqErr.Code) >= 2 {
		return string(pqErr.Code), true
	}
	return "", false
}
