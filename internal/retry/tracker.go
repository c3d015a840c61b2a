package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/redis/go-redis/v9"
)

// Tracker records how long a job has been waiting for a slot and how many
// genuine execution failures it has had. Busy rejections only start the wait
// clock; they never count as failures.
type Tracker struct {
	client redis.Cmdable
	maxAge time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker. Keys live for maxAge plus an hour so they
// outlast the longest possible wait and then clean themselves up.
func NewTracker(client redis.Cmdable, maxAge time.Duration) *Tracker {
	return &Tracker{client: client, maxAge: maxAge, now: time.Now}
}

func (t *Tracker) keyTTL() time.Duration {
	return t.maxAge + time.Hour
}

// MarkWaiting records the first time a job was turned away. Later calls keep
// the original start time.
func (t *Tracker) MarkWaiting(ctx context.Context, jobID string) (time.Time, error) {
	now := t.now().UTC()
	key := coord.StartTimeKey(jobID)
	if err := t.client.SetNX(ctx, key, now.UnixMilli(), t.keyTTL()).Err(); err != nil {
		return time.Time{}, fmt.Errorf("record wait start for job %s: %w", jobID, err)
	}
	return t.StartTime(ctx, jobID)
}

// StartTime returns when the job first started waiting, or the zero time if
// it never has.
func (t *Tracker) StartTime(ctx context.Context, jobID string) (time.Time, error) {
	raw, err := t.client.Get(ctx, coord.StartTimeKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read wait start for job %s: %w", jobID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse wait start for job %s: %w", jobID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Age is how long the job has been waiting; zero when it never waited.
func (t *Tracker) Age(ctx context.Context, jobID string) (time.Duration, error) {
	start, err := t.StartTime(ctx, jobID)
	if err != nil || start.IsZero() {
		return 0, err
	}
	return t.now().Sub(start), nil
}

// Expired reports whether the job has waited longer than the max age.
func (t *Tracker) Expired(ctx context.Context, jobID string) (bool, error) {
	age, err := t.Age(ctx, jobID)
	if err != nil {
		return false, err
	}
	return age > t.maxAge, nil
}

// RecordFailure counts a genuine execution failure and returns the new total.
func (t *Tracker) RecordFailure(ctx context.Context, jobID string) (int, error) {
	now := t.now().UTC().UnixMilli()
	pipe := t.client.TxPipeline()
	pipe.SetNX(ctx, coord.StartTimeKey(jobID), now, t.keyTTL())
	incr := pipe.Incr(ctx, coord.RetryCountKey(jobID))
	pipe.Expire(ctx, coord.RetryCountKey(jobID), t.keyTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record failure for job %s: %w", jobID, err)
	}
	return int(incr.Val()), nil
}

// Clear removes the job's retry bookkeeping once it reaches a terminal state.
func (t *Tracker) Clear(ctx context.Context, jobID string) error {
	if err := t.client.Del(ctx, coord.StartTimeKey(jobID), coord.RetryCountKey(jobID)).Err(); err != nil {
		return fmt.Errorf("clear retry state for job %s: %w", jobID, err)
	}
	return nil
}
