// Package watchdog repairs jobs and tenant counters left inconsistent by
// crashes or partial failures. Database reads and writes for one pass share a
// transaction; slot releases and re-submissions run only after it commits.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/enqueue"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/notifications"
	"github.com/Harvey-AU/crawl-admission/internal/observability"
	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Phase names used in logs and metrics.
const (
	PhaseReconcile = "reconcile"
	PhaseExpire    = "expire_queued"
	PhaseRescue    = "rescue_queued"
	PhaseStalled   = "fail_stalled"
)

// Config holds the watchdog thresholds.
type Config struct {
	MaxAge         time.Duration // QUEUED jobs created longer ago than this are failed
	StaleThreshold time.Duration // QUEUED jobs untouched this long are re-submitted
	RunningCeiling time.Duration // IN_PROGRESS jobs running longer than this are failed
	BatchLimit     int           // Max jobs handled per phase per pass
}

// DefaultConfig returns watchdog defaults, overridable via environment.
func DefaultConfig() Config {
	cfg := Config{
		MaxAge:         2 * time.Hour,
		StaleThreshold: 10 * time.Minute,
		RunningCeiling: time.Hour,
		BatchLimit:     200,
	}
	if v := envSeconds("JOB_MAX_AGE_SECONDS"); v > 0 {
		cfg.MaxAge = v
	}
	if v := envSeconds("JOB_STALE_THRESHOLD_SECONDS"); v > 0 {
		cfg.StaleThreshold = v
	}
	if v := envSeconds("JOB_RUNNING_CEILING_SECONDS"); v > 0 {
		cfg.RunningCeiling = v
	}
	if v, err := strconv.Atoi(os.Getenv("WATCHDOG_BATCH_LIMIT")); err == nil && v > 0 {
		cfg.BatchLimit = v
	}
	return cfg
}

func envSeconds(name string) time.Duration {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Store opens the recovery transaction.
type Store interface {
	WithRecovery(ctx context.Context, fn func(jobs.RecoveryTx) error) error
}

// Counters is the semaphore surface the watchdog reconciles and releases.
type Counters interface {
	Tenants(ctx context.Context) ([]string, error)
	Count(ctx context.Context, tenantID string) (int, error)
	Reconcile(ctx context.Context, tenantID string, observed, target int) (bool, error)
	Release(ctx context.Context, tenantID string)
}

// LimitResolver resolves a tenant's effective crawl limits.
type LimitResolver interface {
	Limits(ctx context.Context, tenantID string) settings.Settings
}

// Flags is the slot-preacquired flag surface.
type Flags interface {
	HasSlot(ctx context.Context, jobID string) (bool, error)
	HeldSlots(ctx context.Context, jobIDs []string) (map[string]bool, error)
	ClaimSlot(ctx context.Context, jobID string) (tenantID string, held bool, err error)
	DeleteFlag(ctx context.Context, jobID string) error
	RefreshFlag(ctx context.Context, jobID string) (bool, error)
	Redispatch(ctx context.Context, req enqueue.DispatchRequest) error
}

// Pending is the pending queue surface used for re-submission.
type Pending interface {
	Contains(ctx context.Context, e pending.Entry) (bool, error)
	Push(ctx context.Context, e pending.Entry) error
}

// Notifier receives a summary after passes that repaired something.
type Notifier interface {
	NotifyRepairs(ctx context.Context, s notifications.RepairSummary) error
}

// Report summarises one pass.
type Report struct {
	Reconciled       int
	ReconcileAborted int
	Expired          int
	Rescued          int
	Stalled          int
	SlotsReleased    int
	Errors           int
	Duration         time.Duration
}

// Summary converts the report for alerting.
func (r Report) Summary() notifications.RepairSummary {
	return notifications.RepairSummary{
		Reconciled: r.Reconciled,
		Expired:    r.Expired,
		Rescued:    r.Rescued,
		Stalled:    r.Stalled,
		Errors:     r.Errors,
	}
}

// slotRelease is a slot to give back once the transaction commits. When
// viaFlag is set the slot is still carried by the job's flag and is released
// only if claiming the flag succeeds, so a worker that got there first keeps
// ownership. Otherwise the slot is released and any leftover flag deleted.
type slotRelease struct {
	tenantID string
	jobID    string
	viaFlag  bool
}

// Watchdog runs recovery passes.
type Watchdog struct {
	cfg      Config
	store    Store
	counters Counters
	limits   LimitResolver
	flags    Flags
	queue    Pending
	notifier Notifier
	now      func() time.Time
}

// New creates a watchdog. notifier may be nil.
func New(cfg Config, store Store, counters Counters, limits LimitResolver, flags Flags, queue Pending, notifier Notifier) *Watchdog {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return &Watchdog{
		cfg:      cfg,
		store:    store,
		counters: counters,
		limits:   limits,
		flags:    flags,
		queue:    queue,
		notifier: notifier,
		now:      time.Now,
	}
}

// Run performs one pass. An error means the transaction did not commit and
// no slots were released; individual job repairs that fail are only counted.
func (w *Watchdog) Run(ctx context.Context) (Report, error) {
	start := w.now()
	var (
		report   Report
		releases []slotRelease
		rescues  []jobs.Job
	)

	err := w.store.WithRecovery(ctx, func(tx jobs.RecoveryTx) error {
		// Work is collected afresh on every attempt of the closure.
		report, releases, rescues = Report{}, nil, nil

		if err := w.reconcileCounters(ctx, tx, &report); err != nil {
			return err
		}

		now := w.now()
		var err error
		releases, err = w.expireQueued(ctx, tx, now, &report)
		if err != nil {
			return err
		}
		rescues, err = w.rescueQueued(ctx, tx, now, &report)
		if err != nil {
			return err
		}
		stalled, err := w.failStalled(ctx, tx, now, &report)
		if err != nil {
			return err
		}
		releases = append(releases, stalled...)
		return nil
	})
	if err != nil {
		report.Duration = w.now().Sub(start)
		return report, fmt.Errorf("watchdog pass rolled back: %w", err)
	}

	for _, r := range releases {
		if w.release(ctx, r) {
			report.SlotsReleased++
		}
	}
	for _, job := range rescues {
		w.resubmit(ctx, job, &report)
	}

	report.Duration = w.now().Sub(start)
	w.record(ctx, report)
	return report, nil
}

// tenantHolders is what the database says one tenant is holding.
type tenantHolders struct {
	running int
	queued  []string
}

// reconcileCounters compares each tenant's counter with the slots actually
// held: IN_PROGRESS jobs plus QUEUED jobs still carrying a slot flag.
func (w *Watchdog) reconcileCounters(ctx context.Context, tx jobs.RecoveryTx, report *Report) error {
	holders, err := tx.SlotHolders(ctx)
	if err != nil {
		return err
	}
	byTenant := make(map[string]*tenantHolders)
	for _, h := range holders {
		th := byTenant[h.TenantID]
		if th == nil {
			th = &tenantHolders{}
			byTenant[h.TenantID] = th
		}
		if h.Status == jobs.StatusInProgress {
			th.running++
		} else {
			th.queued = append(th.queued, h.JobID)
		}
	}

	tenants, err := w.counters.Tenants(ctx)
	if err != nil {
		// Without the counter list we can still correct tenants with live jobs.
		log.Warn().Err(err).Msg("Failed to list tenant counters")
		report.Errors++
	}
	seen := make(map[string]bool, len(tenants)+len(byTenant))
	for _, t := range tenants {
		seen[t] = true
	}
	for t := range byTenant {
		if !seen[t] {
			tenants = append(tenants, t)
			seen[t] = true
		}
	}

	for _, tenantID := range tenants {
		th := byTenant[tenantID]
		if th == nil {
			th = &tenantHolders{}
		}
		if err := w.reconcileTenant(ctx, tx, tenantID, th, report); err != nil {
			report.Errors++
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Counter reconciliation skipped")
		}
	}
	return nil
}

func (w *Watchdog) reconcileTenant(ctx context.Context, tx jobs.RecoveryTx, tenantID string, th *tenantHolders, report *Report) error {
	unlimited := w.limits.Limits(ctx, tenantID).MaxConcurrent <= 0

	truth := 0
	if !unlimited {
		var err error
		if truth, err = w.heldSlots(ctx, tx, th); err != nil {
			return err
		}
	}

	observed, err := w.counters.Count(ctx, tenantID)
	if err != nil {
		return err
	}
	if observed == truth {
		return nil
	}

	swapped, err := w.counters.Reconcile(ctx, tenantID, observed, truth)
	if err != nil {
		return err
	}
	if !swapped {
		report.ReconcileAborted++
		log.Info().
			Str("tenant_id", tenantID).
			Int("observed", observed).
			Int("expected", truth).
			Msg("Counter changed during reconciliation, leaving it for the next pass")
		return nil
	}

	report.Reconciled++
	if unlimited {
		log.Warn().
			Str("tenant_id", tenantID).
			Int("observed", observed).
			Msg("Removed counter of unlimited tenant")
		return nil
	}
	log.Warn().
		Str("tenant_id", tenantID).
		Int("observed", observed).
		Int("corrected_to", truth).
		Msg("Reconciled tenant counter with job state")
	return nil
}

// heldSlots counts running jobs plus queued jobs whose flag is still set. A
// queued job without a flag may have been claimed by a worker since the rows
// were read, so its status is read again and counted if it now runs.
func (w *Watchdog) heldSlots(ctx context.Context, tx jobs.RecoveryTx, th *tenantHolders) (int, error) {
	held, err := w.flags.HeldSlots(ctx, th.queued)
	if err != nil {
		return 0, err
	}

	truth := th.running
	var unflagged []string
	for _, id := range th.queued {
		if held[id] {
			truth++
		} else {
			unflagged = append(unflagged, id)
		}
	}
	if len(unflagged) == 0 {
		return truth, nil
	}

	statuses, err := tx.Statuses(ctx, unflagged)
	if err != nil {
		return 0, err
	}
	for _, st := range statuses {
		if st == jobs.StatusInProgress {
			truth++
		}
	}
	return truth, nil
}

func (w *Watchdog) expireQueued(ctx context.Context, tx jobs.RecoveryTx, now time.Time, report *Report) ([]slotRelease, error) {
	expired, err := tx.ListQueuedOlderThan(ctx, now.Add(-w.cfg.MaxAge), w.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}

	var releases []slotRelease
	for _, job := range expired {
		held, err := w.flags.HasSlot(ctx, job.ID)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Cannot tell whether expired job holds a slot, skipping")
			continue
		}

		ok, err := tx.MarkFailed(ctx, job.ID, jobs.StatusQueued,
			fmt.Sprintf("waited longer than %s for admission", w.cfg.MaxAge))
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to expire queued job")
			continue
		}
		if !ok {
			continue
		}

		report.Expired++
		log.Info().
			Str("job_id", job.ID).
			Str("tenant_id", job.TenantID).
			Bool("held_slot", held).
			Msg("Expired queued job")
		if held {
			releases = append(releases, slotRelease{tenantID: job.TenantID, jobID: job.ID, viaFlag: true})
		}
	}
	return releases, nil
}

func (w *Watchdog) release(ctx context.Context, r slotRelease) bool {
	if r.viaFlag {
		_, held, err := w.flags.ClaimSlot(ctx, r.jobID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", r.jobID).Msg("Failed to claim slot flag of expired job")
			return false
		}
		if !held {
			return false
		}
		w.counters.Release(ctx, r.tenantID)
		return true
	}

	w.counters.Release(ctx, r.tenantID)
	if err := w.flags.DeleteFlag(ctx, r.jobID); err != nil {
		log.Warn().Err(err).Str("job_id", r.jobID).Msg("Failed to delete slot flag of stalled job")
	}
	return true
}

func (w *Watchdog) rescueQueued(ctx context.Context, tx jobs.RecoveryTx, now time.Time, report *Report) ([]jobs.Job, error) {
	stale, err := tx.ListQueuedStale(ctx, now.Add(-w.cfg.MaxAge), now.Add(-w.cfg.StaleThreshold), w.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}

	var rescues []jobs.Job
	for _, job := range stale {
		touched, err := tx.Touch(ctx, job.ID)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to touch stale queued job")
			continue
		}
		if touched {
			rescues = append(rescues, job)
		}
	}
	return rescues, nil
}

func (w *Watchdog) failStalled(ctx context.Context, tx jobs.RecoveryTx, now time.Time, report *Report) ([]slotRelease, error) {
	stuck, err := tx.ListInProgressStuck(ctx, now.Add(-w.cfg.RunningCeiling), w.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}

	var releases []slotRelease
	for _, job := range stuck {
		ok, err := tx.MarkFailed(ctx, job.ID, jobs.StatusInProgress,
			fmt.Sprintf("running longer than %s", w.cfg.RunningCeiling))
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stalled job")
			continue
		}
		if !ok {
			continue
		}
		report.Stalled++
		log.Info().
			Str("job_id", job.ID).
			Str("tenant_id", job.TenantID).
			Msg("Failed stalled running job")
		releases = append(releases, slotRelease{tenantID: job.TenantID, jobID: job.ID})
	}
	return releases, nil
}

// resubmit puts a rescued job back in motion: straight to the runtime when it
// still holds its slot, otherwise back on the pending queue.
func (w *Watchdog) resubmit(ctx context.Context, job jobs.Job, report *Report) {
	logger := log.With().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Logger()

	held, err := w.flags.HasSlot(ctx, job.ID)
	if err != nil {
		report.Errors++
		logger.Warn().Err(err).Msg("Cannot check slot flag for rescued job")
		return
	}

	if held {
		if _, err := w.flags.RefreshFlag(ctx, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to refresh slot flag for rescued job")
		}
		err := w.flags.Redispatch(ctx, enqueue.DispatchRequest{
			JobID:    job.ID,
			TenantID: job.TenantID,
			TaskName: job.TaskName,
			Params:   job.Params,
		})
		if err != nil {
			report.Errors++
			logger.Warn().Err(err).Msg("Failed to re-enqueue rescued job")
			return
		}
		report.Rescued++
		logger.Info().Msg("Re-enqueued stale job holding a slot")
		return
	}

	entry := pending.Entry{JobID: job.ID, TenantID: job.TenantID, TaskName: job.TaskName, Params: job.Params}
	queued, err := w.queue.Contains(ctx, entry)
	if err != nil {
		report.Errors++
		logger.Warn().Err(err).Msg("Cannot check pending queue for rescued job")
		return
	}
	if queued {
		logger.Debug().Msg("Stale job already waiting in pending queue")
		return
	}
	if err := w.queue.Push(ctx, entry); err != nil {
		report.Errors++
		logger.Warn().Err(err).Msg("Failed to re-queue rescued job")
		return
	}
	report.Rescued++
	logger.Info().Msg("Re-queued stale job for admission")
}

func (w *Watchdog) record(ctx context.Context, report Report) {
	observability.RecordWatchdogRepairs(ctx, PhaseReconcile, report.Reconciled)
	observability.RecordWatchdogRepairs(ctx, PhaseExpire, report.Expired)
	observability.RecordWatchdogRepairs(ctx, PhaseRescue, report.Rescued)
	observability.RecordWatchdogRepairs(ctx, PhaseStalled, report.Stalled)

	summary := report.Summary()
	if summary.Total() == 0 && report.Errors == 0 {
		return
	}

	log.Info().
		Int("reconciled", report.Reconciled).
		Int("reconcile_aborted", report.ReconcileAborted).
		Int("expired", report.Expired).
		Int("rescued", report.Rescued).
		Int("stalled", report.Stalled).
		Int("slots_released", report.SlotsReleased).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Watchdog pass repaired jobs")

	if w.notifier != nil {
		if err := w.notifier.NotifyRepairs(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Failed to send watchdog alert")
			sentry.CaptureException(err)
		}
	}
}
