// Package worker consumes the task runtime. It completes the slot handoff
// started by the enqueuer: a task whose job still carries a slot flag runs on
// that slot, any other task must win a slot from the semaphore first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/db"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/observability"
	"github.com/Harvey-AU/crawl-admission/internal/retry"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Task outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeBusy      = "busy"
	OutcomeExpired   = "expired"
	OutcomeDropped   = "dropped"
	OutcomeDeferred  = "deferred"
)

// Handler executes one job. Returning an error counts as a failed attempt.
type Handler func(ctx context.Context, job jobs.Job) error

// TaskSource is the task runtime consumed by the pool.
type TaskSource interface {
	ClaimNext(ctx context.Context) (*db.Task, error)
	EnqueueAt(ctx context.Context, taskName, jobID string, params map[string]any, runAt time.Time) error
}

// JobStore is the job persistence the pool needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
	SetStatus(ctx context.Context, jobID string, to jobs.Status, errMsg string) error
}

// SlotClaimer takes ownership of a preacquired slot.
type SlotClaimer interface {
	ClaimSlot(ctx context.Context, jobID string) (tenantID string, held bool, err error)
}

// Slots acquires and releases tenant slots.
type Slots interface {
	Acquire(ctx context.Context, tenantID string) bool
	Release(ctx context.Context, tenantID string)
}

// RetryTracker keeps per-job wait and failure state.
type RetryTracker interface {
	MarkWaiting(ctx context.Context, jobID string) (time.Time, error)
	Expired(ctx context.Context, jobID string) (bool, error)
	RecordFailure(ctx context.Context, jobID string) (int, error)
	Clear(ctx context.Context, jobID string) error
}

// Config controls pool size and retry behaviour.
type Config struct {
	Workers      int
	PollInterval time.Duration // idle sleep when no task is due
	MaxRetries   int           // failed attempts before a job is FAILED
	RetryBase    time.Duration // backoff base after a failed attempt
	RetryMax     time.Duration
	BusyBase     time.Duration // backoff base while the tenant is at capacity
	BusyMax      time.Duration
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		MaxRetries:   3,
		RetryBase:    30 * time.Second,
		RetryMax:     10 * time.Minute,
		BusyBase:     5 * time.Second,
		BusyMax:      2 * time.Minute,
	}
}

// Pool runs workers against the task runtime.
type Pool struct {
	cfg      Config
	tasks    TaskSource
	store    JobStore
	flags    SlotClaimer
	slots    Slots
	tracker  RetryTracker
	handlers map[string]Handler

	now     func() time.Time
	delay   func(attempt int, base, maxDelay time.Duration) time.Duration
	idleLog rate.Sometimes

	mu     sync.Mutex
	stopCh chan struct{}
	group  *errgroup.Group
}

// NewPool creates a worker pool. Handlers are keyed by task name.
func NewPool(cfg Config, tasks TaskSource, store JobStore, flags SlotClaimer, slots Slots, tracker RetryTracker, handlers map[string]Handler) *Pool {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.BusyBase <= 0 {
		cfg.BusyBase = def.BusyBase
	}

	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		store:    store,
		flags:    flags,
		slots:    slots,
		tracker:  tracker,
		handlers: handlers,
		now:      time.Now,
		delay:    retry.Delay,
		idleLog:  rate.Sometimes{Interval: time.Minute},
	}
}

// Start launches the workers. It is a no-op if the pool is already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}

	log.Info().Int("workers", p.cfg.Workers).Msg("Starting worker pool")

	p.stopCh = make(chan struct{})
	p.group = new(errgroup.Group)
	for i := range p.cfg.Workers {
		stop := p.stopCh
		p.group.Go(func() error {
			p.worker(ctx, i, stop)
			return nil
		})
	}
}

// Stop signals the workers and waits up to timeout for in-flight tasks to
// finish. Workers still running after the timeout are left to the context.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	stopCh, group := p.stopCh, p.group
	p.stopCh, p.group = nil, nil
	p.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	log.Debug().Msg("Stopping worker pool")
	close(stopCh)

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Worker pool stopped")
		return nil
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Worker pool still busy after stop timeout")
		return fmt.Errorf("worker pool did not stop within %s", timeout)
	}
}

func (p *Pool) worker(ctx context.Context, workerID int, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to process task")
		}
		if processed && err == nil {
			continue
		}

		if !processed {
			p.idleLog.Do(func() {
				log.Debug().Int("worker_id", workerID).Msg("Waiting for due tasks")
			})
		}
		select {
		case <-time.After(p.cfg.PollInterval):
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessNext claims and handles one due task. It returns false when none was due.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	task, err := p.tasks.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	start := p.now()
	outcome, tenantID := p.handle(ctx, task)
	observability.RecordWorkerTask(ctx, observability.WorkerTaskMetrics{
		TenantID: tenantID,
		Outcome:  outcome,
		Duration: p.now().Sub(start),
	})
	return true, nil
}

func (p *Pool) handle(ctx context.Context, task *db.Task) (string, string) {
	logger := log.With().Str("job_id", task.JobID).Str("task_id", task.ID).Logger()

	job, err := p.store.GetJob(ctx, task.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		logger.Warn().Msg("Dropping task for unknown job")
		p.releaseOrphanFlag(ctx, task.JobID, logger)
		return OutcomeDropped, ""
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job, deferring task")
		p.reschedule(ctx, task, p.cfg.BusyBase, logger)
		return OutcomeDeferred, ""
	}

	logger = logger.With().Str("tenant_id", job.TenantID).Logger()

	switch job.Status {
	case jobs.StatusQueued:
	case jobs.StatusInProgress:
		// The running worker consumed its own flag; one still present came
		// with this duplicate and carries a slot nobody else will release.
		logger.Info().Msg("Job already running, dropping duplicate task")
		p.releaseOrphanFlag(ctx, job.ID, logger)
		return OutcomeDropped, job.TenantID
	default:
		logger.Debug().Str("status", string(job.Status)).Msg("Dropping task for finished job")
		p.releaseOrphanFlag(ctx, job.ID, logger)
		return OutcomeDropped, job.TenantID
	}

	_, preacquired, err := p.flags.ClaimSlot(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read slot flag, deferring task")
		p.reschedule(ctx, task, p.cfg.BusyBase, logger)
		return OutcomeDeferred, job.TenantID
	}
	if !preacquired && !p.slots.Acquire(ctx, job.TenantID) {
		return p.busy(ctx, task, job, logger), job.TenantID
	}

	// From here this worker owns one slot for the tenant.
	if err := p.store.SetStatus(ctx, job.ID, jobs.StatusInProgress, ""); err != nil {
		p.slots.Release(ctx, job.TenantID)
		if errors.Is(err, jobs.ErrTransitionRejected) {
			logger.Info().Msg("Job left QUEUED before it could start, dropping task")
			return OutcomeDropped, job.TenantID
		}
		logger.Error().Err(err).Msg("Failed to start job, deferring task")
		p.reschedule(ctx, task, p.cfg.BusyBase, logger)
		return OutcomeDeferred, job.TenantID
	}

	runErr := p.run(ctx, *job)
	if runErr == nil {
		p.finish(ctx, job, jobs.StatusComplete, "", logger)
		return OutcomeCompleted, job.TenantID
	}
	return p.fail(ctx, task, job, runErr, logger), job.TenantID
}

// busy handles a task that found its tenant at capacity. The retry counter
// is not touched: waiting for capacity is not a failure.
func (p *Pool) busy(ctx context.Context, task *db.Task, job *jobs.Job, logger zerolog.Logger) string {
	startedAt, err := p.tracker.MarkWaiting(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record wait start")
	}

	expired, err := p.tracker.Expired(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read job age")
	}
	if expired {
		msg := "exceeded max age waiting for capacity"
		if err := p.store.SetStatus(ctx, job.ID, jobs.StatusFailed, msg); err != nil {
			logger.Warn().Err(err).Msg("Failed to expire waiting job")
		} else {
			p.clearTracker(ctx, job.ID, logger)
			logger.Info().Msg("Job expired while waiting for capacity")
		}
		return OutcomeExpired
	}

	attempt := 1
	if !startedAt.IsZero() {
		attempt = waitAttempt(p.now().Sub(startedAt), p.cfg.BusyBase)
	}
	p.reschedule(ctx, task, p.delay(attempt, p.cfg.BusyBase, p.cfg.BusyMax), logger)
	return OutcomeBusy
}

// waitAttempt maps time spent waiting to a backoff attempt so the delay
// ceiling roughly doubles as the wait doubles.
func waitAttempt(waited, base time.Duration) int {
	if waited < base || base <= 0 {
		return 1
	}
	return 1 + bits.Len64(uint64(waited/base))
}

func (p *Pool) fail(ctx context.Context, task *db.Task, job *jobs.Job, runErr error, logger zerolog.Logger) string {
	count, err := p.tracker.RecordFailure(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record attempt failure")
		count = p.cfg.MaxRetries
	}

	if count < p.cfg.MaxRetries {
		if err := p.store.SetStatus(ctx, job.ID, jobs.StatusQueued, runErr.Error()); err != nil {
			logger.Warn().Err(err).Msg("Failed to requeue job after failed attempt")
			return OutcomeFailed
		}
		p.slots.Release(ctx, job.TenantID)

		wait := p.delay(count, p.cfg.RetryBase, p.cfg.RetryMax)
		if err := p.tasks.EnqueueAt(ctx, task.TaskName, job.ID, task.Params, p.now().Add(wait)); err != nil {
			// The job stays QUEUED; the watchdog rescues it once it goes stale.
			logger.Error().Err(err).Msg("Failed to schedule retry")
		}
		logger.Warn().
			Err(runErr).
			Int("attempt", count).
			Dur("retry_in", wait).
			Msg("Job attempt failed, retrying")
		return OutcomeRetried
	}

	p.finish(ctx, job, jobs.StatusFailed, runErr.Error(), logger)
	logger.Error().Err(runErr).Int("attempts", count).Msg("Job failed")
	return OutcomeFailed
}

// finish moves a running job to a terminal status and gives its slot back
// when the transition was ours.
func (p *Pool) finish(ctx context.Context, job *jobs.Job, to jobs.Status, errMsg string, logger zerolog.Logger) {
	err := p.store.SetStatus(ctx, job.ID, to, errMsg)
	switch {
	case err == nil:
		p.slots.Release(ctx, job.TenantID)
		p.clearTracker(ctx, job.ID, logger)
	case errors.Is(err, jobs.ErrTransitionRejected):
		// The watchdog failed this job and returned its slot.
		logger.Warn().Str("status", string(to)).Msg("Job was finalised elsewhere, keeping slot untouched")
	default:
		// Left IN_PROGRESS; the running ceiling reclaims the slot.
		logger.Error().Err(err).Str("status", string(to)).Msg("Failed to record job result")
		sentry.CaptureException(err)
	}
}

func (p *Pool) run(ctx context.Context, job jobs.Job) (err error) {
	handler, ok := p.handlers[job.TaskName]
	if !ok {
		return fmt.Errorf("no handler registered for task %q", job.TaskName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error().
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in task handler")
			sentry.CurrentHub().Recover(r)
		}
	}()

	return handler(ctx, job)
}

// releaseOrphanFlag returns a slot still flagged for a job that will never run.
func (p *Pool) releaseOrphanFlag(ctx context.Context, jobID string, logger zerolog.Logger) {
	tenantID, held, err := p.flags.ClaimSlot(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to claim orphaned slot flag")
		return
	}
	if held && tenantID != "" {
		p.slots.Release(ctx, tenantID)
	}
}

func (p *Pool) reschedule(ctx context.Context, task *db.Task, wait time.Duration, logger zerolog.Logger) {
	if err := p.tasks.EnqueueAt(ctx, task.TaskName, task.JobID, task.Params, p.now().Add(wait)); err != nil {
		logger.Error().Err(err).Msg("Failed to reschedule task")
		sentry.CaptureException(err)
	}
}

func (p *Pool) clearTracker(ctx context.Context, jobID string, logger zerolog.Logger) {
	if err := p.tracker.Clear(ctx, jobID); err != nil {
		logger.Debug().Err(err).Msg("Failed to clear retry state")
	}
}
