// Package feeder moves pending jobs into the task runtime as tenant capacity
// frees up. Exactly one process feeds at a time; the others stand by until
// the leader lock expires.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/enqueue"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/observability"
	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/Harvey-AU/crawl-admission/internal/watchdog"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Leader is the feeder's leader lock.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Repairer runs one recovery pass.
type Repairer interface {
	Run(ctx context.Context) (watchdog.Report, error)
}

// Queue is the pending queue surface the feeder drains.
type Queue interface {
	Tenants(ctx context.Context) ([]string, error)
	PeekBatch(ctx context.Context, tenantID string, n int) ([]string, error)
	Remove(ctx context.Context, tenantID, raw string) error
}

// Capacity sizes batches and takes slots.
type Capacity interface {
	BatchSize(ctx context.Context, tenantID string) (int, settings.Settings, error)
	Acquire(ctx context.Context, tenantID string) bool
}

// Dispatcher hands an admitted job to the task runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, req enqueue.DispatchRequest) error
}

// StatusReader reads a job's current status.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (jobs.Status, error)
}

// CycleResult summarises one cycle.
type CycleResult struct {
	Leader     bool
	Tenants    int
	Dispatched int
	Dropped    int
	Errors     int
	// Sleep is the shortest poll interval among the tenants seen this cycle.
	Sleep time.Duration
}

// Feeder runs the admission loop.
type Feeder struct {
	leader     Leader
	repairer   Repairer
	queue      Queue
	capacity   Capacity
	dispatcher Dispatcher
	statuses   StatusReader
	idleSleep  time.Duration

	heartbeat rate.Sometimes

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a feeder. repairer may be nil to disable the watchdog. idleSleep
// is used when no tenant has pending work.
func New(leader Leader, repairer Repairer, queue Queue, capacity Capacity, dispatcher Dispatcher, statuses StatusReader, idleSleep time.Duration) *Feeder {
	if idleSleep <= 0 {
		idleSleep = 5 * time.Second
	}
	return &Feeder{
		leader:     leader,
		repairer:   repairer,
		queue:      queue,
		capacity:   capacity,
		dispatcher: dispatcher,
		statuses:   statuses,
		idleSleep:  idleSleep,
		heartbeat:  rate.Sometimes{Interval: 5 * time.Minute},
	}
}

// RunCycle performs one feeder cycle. Only leadership and tenant discovery
// failures are returned; per-tenant problems are logged and counted.
func (f *Feeder) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	ctx, span := observability.StartFeederCycleSpan(ctx)
	defer span.End()

	result := CycleResult{Sleep: f.idleSleep}
	defer func() {
		span.SetAttributes(
			attribute.Bool("feeder.leader", result.Leader),
			attribute.Int("feeder.tenants", result.Tenants),
			attribute.Int("feeder.dispatched", result.Dispatched),
		)
		observability.RecordFeederCycle(ctx, observability.FeederCycleMetrics{
			Leader:     result.Leader,
			Tenants:    result.Tenants,
			Dispatched: result.Dispatched,
			Duration:   time.Since(start),
		})
	}()

	leader, err := f.leader.TryAcquire(ctx)
	if err != nil {
		return result, fmt.Errorf("acquire feeder leadership: %w", err)
	}
	if !leader {
		return result, nil
	}
	result.Leader = true

	if f.repairer != nil {
		if _, err := f.repairer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Watchdog pass failed")
			sentry.CaptureException(err)
		}
	}

	tenants, err := f.queue.Tenants(ctx)
	if err != nil {
		return result, fmt.Errorf("discover tenants: %w", err)
	}
	result.Tenants = len(tenants)

	sleep := time.Duration(0)
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		tr := f.feedTenant(ctx, tenantID)
		result.Dispatched += tr.dispatched
		result.Dropped += tr.dropped
		if tr.err != nil {
			result.Errors++
			log.Error().Err(tr.err).Str("tenant_id", tenantID).Msg("Failed to feed tenant")
			sentry.CaptureException(fmt.Errorf("feed tenant %s: %w", tenantID, tr.err))
		}
		if tr.poll > 0 && (sleep == 0 || tr.poll < sleep) {
			sleep = tr.poll
		}
	}
	if sleep > 0 {
		result.Sleep = sleep
	}

	if ok, err := f.leader.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh feeder leadership")
	} else if !ok {
		log.Warn().Msg("Lost feeder leadership during cycle")
	}

	if result.Dispatched == 0 {
		f.heartbeat.Do(func() {
			log.Info().Int("tenants", result.Tenants).Msg("Feeder idle")
		})
	} else {
		log.Debug().
			Int("tenants", result.Tenants).
			Int("dispatched", result.Dispatched).
			Msg("Feeder cycle dispatched jobs")
	}
	return result, nil
}

type tenantResult struct {
	dispatched int
	dropped    int
	poll       time.Duration
	err        error
}

func (f *Feeder) feedTenant(ctx context.Context, tenantID string) tenantResult {
	var tr tenantResult

	size, limits, err := f.capacity.BatchSize(ctx, tenantID)
	tr.poll = limits.PollInterval
	if err != nil {
		tr.err = err
		return tr
	}
	if size <= 0 {
		return tr
	}

	raws, err := f.queue.PeekBatch(ctx, tenantID, size)
	if err != nil {
		tr.err = err
		return tr
	}

	for _, raw := range raws {
		entry, err := pending.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Str("entry", raw).Msg("Removing malformed pending entry")
			f.remove(ctx, tenantID, raw)
			tr.dropped++
			continue
		}

		status, err := f.statuses.GetJobStatus(ctx, entry.JobID)
		if errors.Is(err, jobs.ErrJobNotFound) {
			log.Warn().Str("job_id", entry.JobID).Str("tenant_id", tenantID).Msg("Removing pending entry for unknown job")
			f.remove(ctx, tenantID, raw)
			tr.dropped++
			continue
		}
		if err != nil {
			tr.err = err
			return tr
		}
		if status != jobs.StatusQueued {
			log.Debug().
				Str("job_id", entry.JobID).
				Str("status", string(status)).
				Msg("Removing pending entry for job no longer queued")
			f.remove(ctx, tenantID, raw)
			tr.dropped++
			continue
		}

		if !f.capacity.Acquire(ctx, tenantID) {
			break
		}

		err = f.dispatcher.Dispatch(ctx, enqueue.DispatchRequest{
			JobID:    entry.JobID,
			TenantID: tenantID,
			TaskName: entry.TaskName,
			Params:   entry.Params,
		})
		// A failed dispatch has already released the slot and failed the job.
		f.remove(ctx, tenantID, raw)
		if err != nil {
			log.Error().Err(err).Str("job_id", entry.JobID).Str("tenant_id", tenantID).Msg("Failed to dispatch pending job")
			tr.dropped++
			continue
		}
		tr.dispatched++
	}
	return tr
}

func (f *Feeder) remove(ctx context.Context, tenantID, raw string) {
	if err := f.queue.Remove(ctx, tenantID, raw); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to remove pending entry")
	}
}

// Start runs cycles in the background until Stop is called or ctx ends.
func (f *Feeder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopCh != nil {
		return
	}
	f.stopCh = make(chan struct{})
	f.done = make(chan struct{})

	go f.loop(ctx, f.stopCh, f.done)
	log.Info().Msg("Crawl feeder started")
}

func (f *Feeder) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		result, err := f.RunCycle(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Feeder cycle failed")
			sentry.CaptureException(err)
		}

		select {
		case <-time.After(result.Sleep):
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop, waiting up to timeout for the current cycle, and
// gives up the leader lock so a standby can take over at once.
func (f *Feeder) Stop(timeout time.Duration) error {
	f.mu.Lock()
	stopCh, done := f.stopCh, f.done
	f.stopCh, f.done = nil, nil
	f.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)

	var errs []error
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("feeder did not stop within %s", timeout))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.leader.Release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release feeder leadership: %w", err))
	}

	log.Info().Msg("Crawl feeder stopped")
	return errors.Join(errs...)
}
