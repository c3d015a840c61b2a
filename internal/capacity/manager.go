// Package capacity wraps the tenant semaphore with tenant-aware limits and
// batch sizing for the feeder.
package capacity

import (
	"context"
	"fmt"

	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/rs/zerolog/log"
)

// Semaphore is the atomic admission gate the manager sizes against.
type Semaphore interface {
	Acquire(ctx context.Context, tenantID string, maxConcurrent int) bool
	Release(ctx context.Context, tenantID string)
	Count(ctx context.Context, tenantID string) (int, error)
}

// SettingsResolver resolves a tenant's effective limiter settings.
type SettingsResolver interface {
	ForTenant(ctx context.Context, tenantID string) (settings.Settings, error)
}

// Manager exposes per-tenant capacity on top of the semaphore.
type Manager struct {
	sem      Semaphore
	settings SettingsResolver
}

// NewManager creates a capacity manager.
func NewManager(sem Semaphore, resolver SettingsResolver) *Manager {
	return &Manager{sem: sem, settings: resolver}
}

// Limits returns the tenant's effective settings. Resolution errors are logged
// and the defaults returned by the resolver are used.
func (m *Manager) Limits(ctx context.Context, tenantID string) settings.Settings {
	s, err := m.settings.ForTenant(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Using default crawl limits")
	}
	return s
}

// AvailableCapacity is max(0, max_concurrent - counter). It is a sizing hint
// only: admission still goes through Acquire. Unlimited tenants report their
// batch size.
func (m *Manager) AvailableCapacity(ctx context.Context, tenantID string) (int, error) {
	return m.available(ctx, tenantID, m.Limits(ctx, tenantID))
}

func (m *Manager) available(ctx context.Context, tenantID string, limits settings.Settings) (int, error) {
	if limits.MaxConcurrent <= 0 {
		return limits.BatchSize, nil
	}

	active, err := m.sem.Count(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("read active jobs: %w", err)
	}
	return max(0, limits.MaxConcurrent-active), nil
}

// BatchSize returns how many pending entries the feeder should attempt for a
// tenant this cycle: min(available capacity, configured batch size).
func (m *Manager) BatchSize(ctx context.Context, tenantID string) (int, settings.Settings, error) {
	limits := m.Limits(ctx, tenantID)
	available, err := m.available(ctx, tenantID, limits)
	if err != nil {
		return 0, limits, err
	}
	return min(available, limits.BatchSize), limits, nil
}

// Acquire takes a slot using the tenant's resolved ceiling.
func (m *Manager) Acquire(ctx context.Context, tenantID string) bool {
	return m.sem.Acquire(ctx, tenantID, m.Limits(ctx, tenantID).MaxConcurrent)
}

// Release returns a slot.
func (m *Manager) Release(ctx context.Context, tenantID string) {
	m.sem.Release(ctx, tenantID)
}
