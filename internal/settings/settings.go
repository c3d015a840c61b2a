package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Setting names as stored in tenants.settings.
const (
	MaxConcurrent = "max_concurrent_crawls"
	BatchSize     = "crawl_batch_size"
	PollInterval  = "crawl_poll_interval_seconds"
)

// Settings are the effective limiter settings for one tenant.
type Settings struct {
	MaxConcurrent int           // 0 disables limiting
	BatchSize     int           // Max entries the feeder moves per cycle
	PollInterval  time.Duration // Feeder sleep when this tenant is the most eager one
}

// DefaultsFromEnv returns platform defaults, overridable via environment.
func DefaultsFromEnv() Settings {
	d := Settings{
		MaxConcurrent: 5,
		BatchSize:     10,
		PollInterval:  5 * time.Second,
	}

	if v, ok := os.LookupEnv("CRAWL_MAX_CONCURRENT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			d.MaxConcurrent = n
		}
	}
	if v, ok := os.LookupEnv("CRAWL_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("CRAWL_POLL_INTERVAL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.PollInterval = time.Duration(n) * time.Second
		}
	}

	return d
}

// OverridesSource loads the raw per-tenant overrides.
type OverridesSource interface {
	TenantOverrides(ctx context.Context, tenantID string) (map[string]any, error)
}

// Resolver merges tenant overrides over defaults.
type Resolver struct {
	defaults Settings
	source   OverridesSource
	cache    *overrideCache
}

// NewResolver creates a resolver. source may be nil, in which case every tenant
// runs on defaults. cacheTTL <= 0 disables caching.
func NewResolver(defaults Settings, source OverridesSource, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		defaults: defaults,
		source:   source,
		cache:    newOverrideCache(cacheTTL),
	}
}

// Defaults returns the platform defaults.
func (r *Resolver) Defaults() Settings {
	return r.defaults
}

// GetSetting returns the value of a named setting, taking the tenant override
// when it is set and valid and the default otherwise.
func (r *Resolver) GetSetting(name string, overrides map[string]any) any {
	switch name {
	case MaxConcurrent:
		if n, ok := intOverride(overrides, name); ok && n >= 0 {
			return n
		}
		return r.defaults.MaxConcurrent
	case BatchSize:
		if n, ok := intOverride(overrides, name); ok && n > 0 {
			return n
		}
		return r.defaults.BatchSize
	case PollInterval:
		if n, ok := intOverride(overrides, name); ok && n > 0 {
			return time.Duration(n) * time.Second
		}
		return r.defaults.PollInterval
	}
	if overrides != nil {
		if v, ok := overrides[name]; ok {
			return v
		}
	}
	return nil
}

// Resolve builds typed settings from a set of overrides.
func (r *Resolver) Resolve(overrides map[string]any) Settings {
	return Settings{
		MaxConcurrent: r.GetSetting(MaxConcurrent, overrides).(int),
		BatchSize:     r.GetSetting(BatchSize, overrides).(int),
		PollInterval:  r.GetSetting(PollInterval, overrides).(time.Duration),
	}
}

// ForTenant resolves a tenant's effective settings. When the overrides cannot be
// loaded the defaults are returned together with the error.
func (r *Resolver) ForTenant(ctx context.Context, tenantID string) (Settings, error) {
	if r.source == nil {
		return r.defaults, nil
	}

	if overrides, ok := r.cache.Get(tenantID); ok {
		return r.Resolve(overrides), nil
	}

	overrides, err := r.source.TenantOverrides(ctx, tenantID)
	if err != nil {
		return r.defaults, fmt.Errorf("load settings for tenant %s: %w", tenantID, err)
	}
	r.cache.Set(tenantID, overrides)
	return r.Resolve(overrides), nil
}

// Invalidate drops a tenant's cached overrides.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

func intOverride(overrides map[string]any, name string) (int, bool) {
	if overrides == nil {
		return 0, false
	}
	raw, ok := overrides[name]
	if !ok || raw == nil {
		return 0, false
	}

	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}

	log.Debug().
		Str("setting", name).
		Str("type", fmt.Sprintf("%T", raw)).
		Msg("Ignoring tenant setting override with unsupported type")
	return 0, false
}

// PostgresSource reads overrides from the tenants.settings JSONB column.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates an overrides source backed by the tenants table.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// TenantOverrides returns the tenant's overrides; unknown tenants have none.
func (s *PostgresSource) TenantOverrides(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(settings, '{}'::jsonb)
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant settings: %w", err)
	}

	overrides := map[string]any{}
	if len(raw) == 0 {
		return overrides, nil
	}
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("failed to decode tenant settings: %w", err)
	}
	return overrides, nil
}
