// Package enqueue hands admitted jobs to the task runtime using the
// slot-preacquired protocol: the flag is written before the task is enqueued
// so the executing worker knows the slot is already counted.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultFlagTTL outlives the semaphore counter TTL by a wide margin.
const DefaultFlagTTL = time.Hour

// Runtime accepts tasks for execution. Enqueue failures are synchronous.
type Runtime interface {
	Enqueue(ctx context.Context, taskName, jobID string, params map[string]any) error
}

// SlotReleaser returns a tenant slot.
type SlotReleaser interface {
	Release(ctx context.Context, tenantID string)
}

// StatusWriter records job status changes.
type StatusWriter interface {
	SetStatus(ctx context.Context, jobID string, to jobs.Status, errMsg string) error
}

// DispatchRequest describes a job whose slot the caller has already acquired.
type DispatchRequest struct {
	JobID    string
	TenantID string
	TaskName string
	Params   map[string]any
}

// Enqueuer owns the slot-preacquired flags.
type Enqueuer struct {
	client  redis.Cmdable
	runtime Runtime
	slots   SlotReleaser
	jobs    StatusWriter
	flagTTL time.Duration
}

// New creates an enqueuer.
func New(client redis.Cmdable, runtime Runtime, slots SlotReleaser, jobStore StatusWriter, flagTTL time.Duration) *Enqueuer {
	if flagTTL <= 0 {
		flagTTL = DefaultFlagTTL
	}
	return &Enqueuer{
		client:  client,
		runtime: runtime,
		slots:   slots,
		jobs:    jobStore,
		flagTTL: flagTTL,
	}
}

// Dispatch writes the flag and enqueues the task. On any failure the slot is
// rolled back and the job is marked FAILED before the error is returned.
func (e *Enqueuer) Dispatch(ctx context.Context, req DispatchRequest) error {
	if err := e.client.Set(ctx, coord.SlotPreacquiredKey(req.JobID), req.TenantID, e.flagTTL).Err(); err != nil {
		cause := fmt.Errorf("write slot flag: %w", err)
		return errors.Join(cause, e.Rollback(ctx, req.TenantID, req.JobID, false, cause))
	}

	if err := e.runtime.Enqueue(ctx, req.TaskName, req.JobID, req.Params); err != nil {
		cause := fmt.Errorf("enqueue task: %w", err)
		return errors.Join(cause, e.Rollback(ctx, req.TenantID, req.JobID, true, cause))
	}

	log.Debug().
		Str("job_id", req.JobID).
		Str("tenant_id", req.TenantID).
		Str("task_name", req.TaskName).
		Msg("Job dispatched with preacquired slot")
	return nil
}

// Rollback undoes an admission that could not be completed: it deletes the
// flag if it was written, releases the slot and marks the job FAILED. Every
// step is attempted even when an earlier one fails.
func (e *Enqueuer) Rollback(ctx context.Context, tenantID, jobID string, flagWritten bool, cause error) error {
	var errs []error

	if flagWritten {
		if err := e.client.Del(ctx, coord.SlotPreacquiredKey(jobID)).Err(); err != nil {
			errs = append(errs, fmt.Errorf("delete slot flag: %w", err))
		}
	}

	e.slots.Release(ctx, tenantID)

	msg := "dispatch failed"
	if cause != nil {
		msg = "dispatch failed: " + cause.Error()
	}
	if err := e.jobs.SetStatus(ctx, jobID, jobs.StatusFailed, msg); err != nil {
		errs = append(errs, fmt.Errorf("mark job failed: %w", err))
	}

	err := errors.Join(errs...)
	event := log.Warn()
	if err != nil {
		event = log.Error().AnErr("rollback_error", err)
	}
	event.
		Err(cause).
		Str("job_id", jobID).
		Str("tenant_id", tenantID).
		Bool("flag_written", flagWritten).
		Msg("Rolled back job dispatch")
	return err
}

// ClaimSlot atomically reads and deletes the job's flag. held is true when
// the slot was preacquired for this job; the caller then owns that slot.
func (e *Enqueuer) ClaimSlot(ctx context.Context, jobID string) (tenantID string, held bool, err error) {
	tenantID, err = e.client.GetDel(ctx, coord.SlotPreacquiredKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim slot flag for job %s: %w", jobID, err)
	}
	return tenantID, true, nil
}

// HasSlot reports whether the job still holds a preacquired slot.
func (e *Enqueuer) HasSlot(ctx context.Context, jobID string) (bool, error) {
	n, err := e.client.Exists(ctx, coord.SlotPreacquiredKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check slot flag for job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// HeldSlots reports which of the given jobs still hold a preacquired slot.
func (e *Enqueuer) HeldSlots(ctx context.Context, jobIDs []string) (map[string]bool, error) {
	held := make(map[string]bool, len(jobIDs))
	if len(jobIDs) == 0 {
		return held, nil
	}

	pipe := e.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(jobIDs))
	for i, id := range jobIDs {
		cmds[i] = pipe.Exists(ctx, coord.SlotPreacquiredKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check slot flags: %w", err)
	}
	for i, id := range jobIDs {
		held[id] = cmds[i].Val() > 0
	}
	return held, nil
}

// RefreshFlag extends a held flag's TTL. It returns false when the flag is gone.
func (e *Enqueuer) RefreshFlag(ctx context.Context, jobID string) (bool, error) {
	ok, err := e.client.Expire(ctx, coord.SlotPreacquiredKey(jobID), e.flagTTL).Result()
	if err != nil {
		return false, fmt.Errorf("refresh slot flag for job %s: %w", jobID, err)
	}
	return ok, nil
}

// DeleteFlag removes a job's flag.
func (e *Enqueuer) DeleteFlag(ctx context.Context, jobID string) error {
	if err := e.client.Del(ctx, coord.SlotPreacquiredKey(jobID)).Err(); err != nil {
		return fmt.Errorf("delete slot flag for job %s: %w", jobID, err)
	}
	return nil
}

// Redispatch enqueues a job that still holds its slot, without touching the
// semaphore.
func (e *Enqueuer) Redispatch(ctx context.Context, req DispatchRequest) error {
	if err := e.runtime.Enqueue(ctx, req.TaskName, req.JobID, req.Params); err != nil {
		return fmt.Errorf("re-enqueue job %s: %w", req.JobID, err)
	}
	return nil
}
