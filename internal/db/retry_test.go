package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pgx connection exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pgx too many connections", err: fmt.Errorf("ping: %w", &pgconn.PgError{Code: "53300"}), want: true},
		{name: "pgx invalid password", err: &pgconn.PgError{Code: "28P01"}, want: false},
		{name: "pgx unknown database", err: &pgconn.PgError{Code: "3D000"}, want: false},
		{name: "pq admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "pq unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connection refused"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "missing config", err: errors.New("database host is required"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestConnectWithRetry(t *testing.T) {
	t.Parallel()

	fast := RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		want := &DB{}
		got, err := connectWithRetry(context.Background(), fast, func() (*DB, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection reset by peer")
			}
			return want, nil
		})
		require.NoError(t, err)
		assert.Same(t, want, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("fails fast on non-retryable error", func(t *testing.T) {
		calls := 0
		_, err := connectWithRetry(context.Background(), fast, func() (*DB, error) {
			calls++
			return nil, &pgconn.PgError{Code: "28P01"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		_, err := connectWithRetry(context.Background(), fast, func() (*DB, error) {
			calls++
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("respects cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryConfig{MaxAttempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}
		_, err := connectWithRetry(ctx, slow, func() (*DB, error) {
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
