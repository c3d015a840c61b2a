package semaphore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// FailurePolicy decides what Acquire does when the coordination store is unreachable.
type FailurePolicy string

const (
	// FailOpen admits every request while the store is down.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed admits requests only through a bounded in-process counter.
	FailClosed FailurePolicy = "fail_closed"
)

// Admission outcomes reported to metrics.
const (
	OutcomeGranted          = "granted"
	OutcomeRejected         = "rejected"
	OutcomeUnlimited        = "unlimited"
	OutcomeFailOpen         = "fail_open"
	OutcomeFallbackGranted  = "fallback_granted"
	OutcomeFallbackRejected = "fallback_rejected"
)

// Config controls the counter TTL and store failure behaviour.
type Config struct {
	TTL    time.Duration
	Policy FailurePolicy
}

// DefaultConfig returns the semaphore defaults, overridable via environment.
func DefaultConfig() Config {
	cfg := Config{
		TTL:    15 * time.Minute,
		Policy: FailClosed,
	}

	if v, ok := os.LookupEnv("SEMAPHORE_TTL_SECONDS"); ok {
		var sec int
		if _, err := fmt.Sscanf(v, "%d", &sec); err == nil && sec > 0 {
			cfg.TTL = time.Duration(sec) * time.Second
		}
	}
	if v, ok := os.LookupEnv("SEMAPHORE_FAILURE_POLICY"); ok {
		if p, err := ParsePolicy(v); err == nil {
			cfg.Policy = p
		} else {
			log.Warn().Str("value", v).Msg("Unknown semaphore failure policy, keeping fail_closed")
		}
	}

	return cfg
}

// ParsePolicy converts a configuration string into a FailurePolicy.
func ParsePolicy(v string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(v))) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", v)
}

// Semaphore is a Redis-backed counting semaphore with one counter per tenant.
// Every state transition runs as a single Lua script so concurrent processes
// can never both take the last slot.
type Semaphore struct {
	client redis.Cmdable
	cfg    Config

	mu       sync.Mutex
	fallback map[string]int
}

// New creates a semaphore on top of the coordination store client.
func New(client redis.Cmdable, cfg Config) *Semaphore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Policy == "" {
		cfg.Policy = FailClosed
	}
	return &Semaphore{
		client:   client,
		cfg:      cfg,
		fallback: make(map[string]int),
	}
}

// Acquire takes one slot for the tenant. It returns false when the tenant is at
// maxConcurrent. maxConcurrent <= 0 disables limiting without touching the store.
func (s *Semaphore) Acquire(ctx context.Context, tenantID string, maxConcurrent int) bool {
	if maxConcurrent <= 0 {
		observability.RecordAdmission(ctx, tenantID, OutcomeUnlimited)
		return true
	}

	granted, err := acquireScript.Run(ctx, s.client,
		[]string{coord.ActiveJobsKey(tenantID)},
		maxConcurrent, ttlSeconds(s.cfg.TTL),
	).Int()
	if err != nil {
		return s.acquireDegraded(ctx, tenantID, maxConcurrent, err)
	}
	s.dropFallback(tenantID)

	if granted == 1 {
		observability.RecordAdmission(ctx, tenantID, OutcomeGranted)
		return true
	}

	observability.RecordAdmission(ctx, tenantID, OutcomeRejected)
	return false
}

func (s *Semaphore) acquireDegraded(ctx context.Context, tenantID string, maxConcurrent int, cause error) bool {
	if s.cfg.Policy == FailOpen {
		log.Warn().
			Err(cause).
			Str("tenant_id", tenantID).
			Msg("Coordination store unavailable, admitting job (fail open)")
		observability.RecordAdmission(ctx, tenantID, OutcomeFailOpen)
		return true
	}

	s.mu.Lock()
	held := s.fallback[tenantID]
	granted := held < maxConcurrent
	if granted {
		s.fallback[tenantID] = held + 1
	}
	s.mu.Unlock()

	event := log.Warn().
		Err(cause).
		Str("tenant_id", tenantID).
		Int("fallback_held", held).
		Int("max_concurrent", maxConcurrent)
	if granted {
		event.Msg("Coordination store unavailable, admitted through local fallback")
		observability.RecordAdmission(ctx, tenantID, OutcomeFallbackGranted)
	} else {
		event.Msg("Coordination store unavailable and local fallback exhausted")
		observability.RecordAdmission(ctx, tenantID, OutcomeFallbackRejected)
	}
	return granted
}

// Release returns one slot. It never drives the counter below zero and never
// fails. Only when the store cannot be reached does the release come out of
// the local fallback.
func (s *Semaphore) Release(ctx context.Context, tenantID string) {
	err := releaseScript.Run(ctx, s.client, []string{coord.ActiveJobsKey(tenantID)}).Err()
	if err == nil {
		return
	}
	if s.releaseFallback(tenantID) {
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Msg("Coordination store unavailable, released local fallback slot")
		return
	}
	log.Error().
		Err(err).
		Str("tenant_id", tenantID).
		Msg("Failed to release tenant slot")
}

func (s *Semaphore) releaseFallback(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.fallback[tenantID]
	if held <= 0 {
		return false
	}
	if held == 1 {
		delete(s.fallback, tenantID)
	} else {
		s.fallback[tenantID] = held - 1
	}
	return true
}

// dropFallback forgets local grants once the store answers again. Jobs that
// were admitted locally are counted back in by the watchdog's reconciliation.
func (s *Semaphore) dropFallback(tenantID string) {
	s.mu.Lock()
	held := s.fallback[tenantID]
	delete(s.fallback, tenantID)
	s.mu.Unlock()

	if held > 0 {
		log.Info().
			Str("tenant_id", tenantID).
			Int("fallback_held", held).
			Msg("Coordination store reachable again, dropped local fallback slots")
	}
}

func (s *Semaphore) fallbackHeld(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback[tenantID]
}

// Count reads the tenant's current counter. A missing key counts as zero.
func (s *Semaphore) Count(ctx context.Context, tenantID string) (int, error) {
	n, err := s.client.Get(ctx, coord.ActiveJobsKey(tenantID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// Reconcile swaps the counter from observed to target in one atomic step. It
// returns false, nil when another process moved the counter in between.
func (s *Semaphore) Reconcile(ctx context.Context, tenantID string, observed, target int) (bool, error) {
	if target < 0 {
		target = 0
	}
	swapped, err := reconcileScript.Run(ctx, s.client,
		[]string{coord.ActiveJobsKey(tenantID)},
		observed, target, ttlSeconds(s.cfg.TTL),
	).Int()
	if err != nil {
		return false, fmt.Errorf("reconcile counter for tenant %s: %w", tenantID, err)
	}
	return swapped == 1, nil
}

// Tenants lists tenants that currently have a counter key.
func (s *Semaphore) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := coord.ScanKeys(ctx, s.client, coord.ActiveJobsPattern, 100, func(key string) error {
		if id, ok := coord.TenantFromActiveJobsKey(key); ok {
			tenants = append(tenants, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func ttlSeconds(d time.Duration) int {
	sec := int(d / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}
