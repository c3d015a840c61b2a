// Package admission is the synchronous submission path for interactive
// crawl requests. A request that cannot take a slot immediately is queued
// for the feeder; callers never see capacity waits.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/enqueue"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/rs/zerolog/log"
)

// JobWriter creates job records and marks failures.
type JobWriter interface {
	CreateJob(ctx context.Context, job jobs.NewJob) (string, error)
	SetStatus(ctx context.Context, jobID string, to jobs.Status, errMsg string) error
}

// SlotAcquirer takes a tenant slot at the tenant's configured ceiling.
type SlotAcquirer interface {
	Acquire(ctx context.Context, tenantID string) bool
}

// Dispatcher hands an admitted job to the runtime, rolling back on failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, req enqueue.DispatchRequest) error
}

// PendingQueue accepts jobs that could not be admitted.
type PendingQueue interface {
	Push(ctx context.Context, e pending.Entry) error
}

// WaitTracker starts the job's age clock.
type WaitTracker interface {
	MarkWaiting(ctx context.Context, jobID string) (time.Time, error)
}

// ErrInvalidRequest is returned for submissions missing a tenant or task name.
var ErrInvalidRequest = errors.New("invalid submission")

// Request is one crawl submission.
type Request struct {
	TenantID string
	TaskName string
	Params   map[string]any
}

// Service implements the optimistic fast path.
type Service struct {
	jobs       JobWriter
	slots      SlotAcquirer
	dispatcher Dispatcher
	queue      PendingQueue
	tracker    WaitTracker
}

// NewService wires the submission path. tracker may be nil.
func NewService(jobStore JobWriter, slots SlotAcquirer, dispatcher Dispatcher, queue PendingQueue, tracker WaitTracker) *Service {
	return &Service{
		jobs:       jobStore,
		slots:      slots,
		dispatcher: dispatcher,
		queue:      queue,
		tracker:    tracker,
	}
}

// Submit records the job and either dispatches it straight away or queues
// it for the feeder. Both count as accepted: the job id is returned with a
// nil error. An error means the job could not be accepted; if a record was
// created it has already been marked FAILED and its id is returned too.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.TenantID == "" || req.TaskName == "" {
		return "", fmt.Errorf("%w: tenant id and task name are required", ErrInvalidRequest)
	}

	jobID, err := s.jobs.CreateJob(ctx, jobs.NewJob{
		TenantID: req.TenantID,
		TaskName: req.TaskName,
		Params:   req.Params,
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if s.tracker != nil {
		if _, err := s.tracker.MarkWaiting(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to start job age clock")
		}
	}

	if s.slots.Acquire(ctx, req.TenantID) {
		err := s.dispatcher.Dispatch(ctx, enqueue.DispatchRequest{
			JobID:    jobID,
			TenantID: req.TenantID,
			TaskName: req.TaskName,
			Params:   req.Params,
		})
		if err != nil {
			return jobID, fmt.Errorf("dispatch job %s: %w", jobID, err)
		}
		log.Info().
			Str("job_id", jobID).
			Str("tenant_id", req.TenantID).
			Msg("Job admitted immediately")
		return jobID, nil
	}

	entry := pending.Entry{JobID: jobID, TenantID: req.TenantID, TaskName: req.TaskName, Params: req.Params}
	if err := s.queue.Push(ctx, entry); err != nil {
		cause := fmt.Errorf("queue job %s: %w", jobID, err)
		if serr := s.jobs.SetStatus(ctx, jobID, jobs.StatusFailed, cause.Error()); serr != nil {
			cause = errors.Join(cause, fmt.Errorf("mark job failed: %w", serr))
		}
		log.Error().
			Err(cause).
			Str("job_id", jobID).
			Str("tenant_id", req.TenantID).
			Msg("Could not queue job for admission")
		return jobID, cause
	}

	log.Info().
		Str("job_id", jobID).
		Str("tenant_id", req.TenantID).
		Msg("Tenant at capacity, job queued for feeder")
	return jobID, nil
}
