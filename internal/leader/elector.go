// Package leader provides a single-holder lease on the coordination store so
// that only one feeder drives the orchestration loop at a time.
package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Elector holds or competes for one leader key. Each elector has a unique
// token; refreshes and releases only ever touch the key while it holds that
// token, so a stale leader cannot clobber its successor.
type Elector struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

// NewElector creates an elector for key with the given lease duration.
func NewElector(client redis.Cmdable, key string, ttl time.Duration) *Elector {
	return &Elector{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Token identifies this elector as the value stored under the leader key.
func (e *Elector) Token() string {
	return e.token
}

// TryAcquire takes the lease if it is free. If this elector already owns it
// the lease is extended instead.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.token, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lock %s: %w", e.key, err)
	}
	if ok {
		log.Info().Str("key", e.key).Str("token", e.token).Msg("Acquired leader lock")
		return true, nil
	}
	return e.Refresh(ctx)
}

// Refresh extends the lease if this elector still holds it.
func (e *Elector) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, e.client, []string{e.key}, e.token, e.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh leader lock %s: %w", e.key, err)
	}
	return n == 1, nil
}

// Release gives up the lease if this elector holds it.
func (e *Elector) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.token).Int()
	if err != nil {
		return fmt.Errorf("release leader lock %s: %w", e.key, err)
	}
	if n == 1 {
		log.Info().Str("key", e.key).Msg("Released leader lock")
	}
	return nil
}
