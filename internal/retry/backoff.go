// Package retry holds the busy-retry policy for jobs that could not take a
// tenant slot: full-jitter backoff and the per-job retry bookkeeping that
// enforces the maximum time a job may spend waiting.
package retry

import (
	"math/rand/v2"
	"time"
)

// Delay returns a full-jitter backoff for the given 1-based attempt: a uniform
// random duration in [0, min(base*2^(attempt-1), max)). Jitter keeps workers
// that were rejected together from retrying together.
func Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	ceiling := Ceiling(attempt, base, maxDelay)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

// Ceiling is the exponential bound Delay draws from.
func Ceiling(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			return maxDelay
		}
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
