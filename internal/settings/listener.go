package settings

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ChangeChannel is the Postgres NOTIFY channel fired when tenants.settings changes.
const ChangeChannel = "tenant_settings_changed"

// Invalidator drops a tenant's cached settings.
type Invalidator interface {
	Invalidate(tenantID string)
}

// Listener invalidates cached tenant settings as soon as they change,
// instead of waiting for the cache TTL.
type Listener struct {
	connStr string
	target  Invalidator
}

// NewListener returns nil when LISTEN is not usable on connStr; the cache TTL
// then bounds how stale settings can be.
func NewListener(connStr string, target Invalidator) *Listener {
	if target == nil || !canUseListen(connStr) {
		return nil
	}
	return &Listener{connStr: connStr, target: target}
}

// Run listens until ctx is cancelled, reconnecting after errors.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.listen(ctx); err != nil {
			log.Warn().Err(err).Msg("Settings listener error, retrying in 5s")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Settings listener stopped")
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Settings listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return err
	}
	log.Info().Str("channel", ChangeChannel).Msg("Settings listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Connection was re-established; notifications may have been missed.
				log.Debug().Msg("Settings listener reconnected")
				continue
			}
			l.handle(n.Extra)

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) handle(payload string) {
	tenantID := strings.TrimSpace(payload)
	if tenantID == "" {
		return
	}
	l.target.Invalidate(tenantID)
	log.Debug().Str("tenant_id", tenantID).Msg("Tenant settings changed, cache invalidated")
}

// canUseListen reports whether connStr can hold a session-level LISTEN.
// Transaction-mode poolers cannot.
func canUseListen(connStr string) bool {
	if connStr == "" {
		return false
	}
	if strings.Contains(connStr, "pooler") || strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
