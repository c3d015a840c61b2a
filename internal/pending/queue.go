package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/redis/go-redis/v9"
)

// ErrMalformedEntry is returned by Decode for entries that cannot be dispatched.
var ErrMalformedEntry = errors.New("malformed pending entry")

// Entry describes a job waiting for admission. Its JSON encoding is
// deterministic (struct field order, sorted map keys) so the same job always
// serializes to the same bytes.
type Entry struct {
	JobID    string         `json:"job_id"`
	TenantID string         `json:"tenant_id"`
	TaskName string         `json:"task_name"`
	Params   map[string]any `json:"params,omitempty"`
}

// Encode serializes an entry.
func (e Entry) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode pending entry for job %s: %w", e.JobID, err)
	}
	return string(b), nil
}

// Decode parses a raw entry read from a queue.
func Decode(raw string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.JobID == "" || e.TenantID == "" || e.TaskName == "" {
		return Entry{}, fmt.Errorf("%w: missing job_id, tenant_id or task_name", ErrMalformedEntry)
	}
	return e, nil
}

// Queue is a per-tenant FIFO of jobs that could not be admitted immediately.
type Queue struct {
	client    redis.Cmdable
	scanCount int64
}

// NewQueue creates a pending queue over the coordination store.
func NewQueue(client redis.Cmdable) *Queue {
	return &Queue{client: client, scanCount: 100}
}

// Push appends an entry to its tenant's queue.
func (q *Queue) Push(ctx context.Context, e Entry) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, coord.PendingKey(e.TenantID), raw).Err(); err != nil {
		return fmt.Errorf("push pending job %s: %w", e.JobID, err)
	}
	return nil
}

// PeekBatch reads up to n raw entries from the head without removing them.
func (q *Queue) PeekBatch(ctx context.Context, tenantID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, coord.PendingKey(tenantID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek pending for tenant %s: %w", tenantID, err)
	}
	return raws, nil
}

// Remove deletes one occurrence of the exact raw bytes. Removing an entry that
// is already gone is not an error.
func (q *Queue) Remove(ctx context.Context, tenantID, raw string) error {
	if err := q.client.LRem(ctx, coord.PendingKey(tenantID), 1, raw).Err(); err != nil {
		return fmt.Errorf("remove pending entry for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Contains reports whether the entry is already queued.
func (q *Queue) Contains(ctx context.Context, e Entry) (bool, error) {
	raw, err := e.Encode()
	if err != nil {
		return false, err
	}
	_, err = q.client.LPos(ctx, coord.PendingKey(e.TenantID), raw, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup pending job %s: %w", e.JobID, err)
	}
	return true, nil
}

// Tenants lists tenants that currently have pending entries. Empty lists do
// not exist in Redis, so every key found is a non-empty queue.
func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var tenants []string
	err := coord.ScanKeys(ctx, q.client, coord.PendingPattern, q.scanCount, func(key string) error {
		id, ok := coord.TenantFromPendingKey(key)
		if !ok {
			return nil
		}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
		tenants = append(tenants, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
