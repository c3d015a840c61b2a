package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/enqueue"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/mocks"
	"github.com/Harvey-AU/crawl-admission/internal/notifications"
	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/Harvey-AU/crawl-admission/internal/semaphore"
	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/Harvey-AU/crawl-admission/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	MaxAge:         2 * time.Hour,
	StaleThreshold: 10 * time.Minute,
	RunningCeiling: time.Hour,
	BatchLimit:     50,
}

type recordingNotifier struct {
	summaries []notifications.RepairSummary
}

func (n *recordingNotifier) NotifyRepairs(ctx context.Context, s notifications.RepairSummary) error {
	n.summaries = append(n.summaries, s)
	return nil
}

// tenantLimits maps tenants to max_concurrent; others get 5.
type tenantLimits map[string]int

func (l tenantLimits) Limits(ctx context.Context, tenantID string) settings.Settings {
	n, ok := l[tenantID]
	if !ok {
		n = 5
	}
	return settings.Settings{MaxConcurrent: n, BatchSize: 10, PollInterval: time.Second}
}

type fixture struct {
	now      time.Time
	client   *redis.Client
	sem      *semaphore.Semaphore
	store    *testutil.JobStore
	runtime  *mocks.MockTaskRuntime
	enq      *enqueue.Enqueuer
	queue    *pending.Queue
	limits   tenantLimits
	notifier *recordingNotifier
	wd       *Watchdog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, client := testutil.NewRedis(t)

	f := &fixture{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		client:   client,
		sem:      semaphore.New(client, semaphore.Config{TTL: time.Minute}),
		store:    testutil.NewJobStore(),
		runtime:  new(mocks.MockTaskRuntime),
		queue:    pending.NewQueue(client),
		limits:   tenantLimits{},
		notifier: &recordingNotifier{},
	}
	f.store.Now = func() time.Time { return f.now }
	f.enq = enqueue.New(client, f.runtime, f.sem, f.store, time.Hour)
	f.wd = New(testConfig, f.store, f.sem, f.limits, f.enq, f.queue, f.notifier)
	f.wd.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) put(id, tenant string, status jobs.Status, created, updated time.Duration) {
	job := jobs.Job{
		ID:        id,
		TenantID:  tenant,
		TaskName:  "crawl_website",
		Status:    status,
		CreatedAt: f.now.Add(-created),
		UpdatedAt: f.now.Add(-updated),
	}
	if status == jobs.StatusInProgress {
		started := job.UpdatedAt
		job.StartedAt = &started
	}
	f.store.Put(job)
}

func (f *fixture) setCounter(t *testing.T, tenant string, n int) {
	t.Helper()
	require.NoError(t, f.client.Set(context.Background(), coord.ActiveJobsKey(tenant), n, time.Minute).Err())
}

func (f *fixture) setFlag(t *testing.T, jobID, tenant string) {
	t.Helper()
	require.NoError(t, f.client.Set(context.Background(), coord.SlotPreacquiredKey(jobID), tenant, time.Hour).Err())
}

func (f *fixture) counter(t *testing.T, tenant string) int {
	t.Helper()
	n, err := f.sem.Count(context.Background(), tenant)
	require.NoError(t, err)
	return n
}

func (f *fixture) pendingLen(ctx context.Context, tenant string) (int64, error) {
	return f.client.LLen(ctx, coord.PendingKey(tenant)).Result()
}

func (f *fixture) status(t *testing.T, id string) jobs.Status {
	t.Helper()
	s, err := f.store.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestReconcileCorrectsDriftedCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put("running", "acme", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)
	f.put("dispatched", "acme", jobs.StatusQueued, time.Minute, time.Minute)
	f.put("waiting", "acme", jobs.StatusQueued, time.Minute, time.Minute)
	f.setFlag(t, "dispatched", "acme")
	f.setCounter(t, "acme", 5)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 2, f.counter(t, "acme"), "one running job plus one held flag")
}

func TestReconcileRestoresMissingCounter(t *testing.T) {
	f := newFixture(t)

	f.put("running", "acme", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)

	report, err := f.wd.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 1, f.counter(t, "acme"))
}

func TestReconcileNeverCountsUnlimitedTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.limits["free"] = 0

	require.True(t, f.sem.Acquire(ctx, "free", 0))
	f.put("running", "free", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reconciled)

	exists, err := f.client.Exists(ctx, coord.ActiveJobsKey("free")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "unlimited tenants never get a counter")
}

func TestReconcileRemovesCounterOfUnlimitedTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.limits["free"] = 0

	// Left over from before the tenant's limit was lifted.
	f.setCounter(t, "free", 3)
	f.put("running", "free", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)

	exists, err := f.client.Exists(ctx, coord.ActiveJobsKey("free")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestReconcileCountsJobClaimedDuringPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put("dispatched", "acme", jobs.StatusQueued, time.Minute, time.Minute)
	f.setFlag(t, "dispatched", "acme")
	f.setCounter(t, "acme", 1)

	// A worker takes the flag and starts the job right after the rows are read.
	var claimed bool
	f.store.AfterSlotHolders = func() {
		if claimed {
			return
		}
		claimed = true
		_, held, err := f.enq.ClaimSlot(ctx, "dispatched")
		require.NoError(t, err)
		require.True(t, held)
		require.NoError(t, f.store.SetStatus(ctx, "dispatched", jobs.StatusInProgress, ""))
	}

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Zero(t, report.Reconciled)
	assert.Zero(t, report.ReconcileAborted)
	assert.Equal(t, 1, f.counter(t, "acme"), "the running job keeps its slot")
}

func TestReconcileLeavesConsistentCounterAlone(t *testing.T) {
	f := newFixture(t)

	f.put("running", "acme", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)
	f.setCounter(t, "acme", 1)

	report, err := f.wd.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reconciled)
	assert.Empty(t, f.notifier.summaries, "quiet passes do not alert")
}

func TestExpireQueuedReleasesOnlyHeldSlots(t *testing.T) {
	f := newFixture(t)

	f.put("old-held", "acme", jobs.StatusQueued, 3*time.Hour, 3*time.Hour)
	f.put("old-waiting", "acme", jobs.StatusQueued, 3*time.Hour, 3*time.Hour)
	f.put("running", "acme", jobs.StatusInProgress, 5*time.Minute, 5*time.Minute)
	f.setFlag(t, "old-held", "acme")
	f.setCounter(t, "acme", 2)

	report, err := f.wd.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.SlotsReleased)
	assert.Equal(t, jobs.StatusFailed, f.status(t, "old-held"))
	assert.Equal(t, jobs.StatusFailed, f.status(t, "old-waiting"))
	assert.Equal(t, 1, f.counter(t, "acme"), "only the flagged job's slot is returned")

	held, err := f.enq.HasSlot(context.Background(), "old-held")
	require.NoError(t, err)
	assert.False(t, held)

	job, err := f.store.GetJob(context.Background(), "old-held")
	require.NoError(t, err)
	assert.Contains(t, job.ErrorMessage, "waited longer than")
}

func TestRescueRequeuesStaleJobOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put("stale", "acme", jobs.StatusQueued, 30*time.Minute, 20*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescued)

	n, err := f.pendingLen(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := f.store.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, f.now, job.UpdatedAt, "rescue touches the job")

	// Make it stale again: the entry already waiting must not be duplicated.
	f.now = f.now.Add(15 * time.Minute)
	report, err = f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Rescued)

	n, err = f.pendingLen(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRescueRedispatchesJobHoldingSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put("stale-held", "acme", jobs.StatusQueued, 30*time.Minute, 20*time.Minute)
	f.setFlag(t, "stale-held", "acme")
	f.setCounter(t, "acme", 1)

	f.runtime.On("Enqueue", mock.Anything, "crawl_website", "stale-held", mock.Anything).Return(nil).Once()

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescued)
	f.runtime.AssertExpectations(t)

	n, err := f.pendingLen(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, n, "a job holding a slot never goes back through admission")
	assert.Equal(t, 1, f.counter(t, "acme"))
}

func TestFailStalledRunningJob(t *testing.T) {
	f := newFixture(t)

	f.put("stuck", "acme", jobs.StatusInProgress, 3*time.Hour, 2*time.Hour)
	f.put("fresh", "acme", jobs.StatusInProgress, 10*time.Minute, 10*time.Minute)
	f.setCounter(t, "acme", 2)

	report, err := f.wd.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stalled)
	assert.Equal(t, jobs.StatusFailed, f.status(t, "stuck"))
	assert.Equal(t, jobs.StatusInProgress, f.status(t, "fresh"))
	assert.Equal(t, 1, f.counter(t, "acme"))

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, 1, f.notifier.summaries[0].Stalled)
}

func TestFailStalledDeletesLeftoverFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put("stuck", "acme", jobs.StatusInProgress, 3*time.Hour, 2*time.Hour)
	f.setFlag(t, "stuck", "acme")
	f.setCounter(t, "acme", 1)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stalled)
	assert.Equal(t, 1, report.SlotsReleased)
	assert.Equal(t, 0, f.counter(t, "acme"))

	held, err := f.enq.HasSlot(ctx, "stuck")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSingleJobFailureDoesNotAbortPass(t *testing.T) {
	f := newFixture(t)

	f.put("broken", "acme", jobs.StatusInProgress, 3*time.Hour, 2*time.Hour)
	f.put("stuck", "acme", jobs.StatusInProgress, 3*time.Hour, 90*time.Minute)
	f.setCounter(t, "acme", 2)
	f.store.FailMark["broken"] = true

	report, err := f.wd.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stalled)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, jobs.StatusInProgress, f.status(t, "broken"))
	assert.Equal(t, jobs.StatusFailed, f.status(t, "stuck"))
	assert.Equal(t, 1, f.counter(t, "acme"))
}

func TestCommitFailureReleasesNothing(t *testing.T) {
	f := newFixture(t)

	f.put("stuck", "acme", jobs.StatusInProgress, 3*time.Hour, 2*time.Hour)
	f.put("stale", "acme", jobs.StatusQueued, 30*time.Minute, 20*time.Minute)
	f.setCounter(t, "acme", 1)
	f.store.CommitErr = errors.New("connection lost")

	_, err := f.wd.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, jobs.StatusInProgress, f.status(t, "stuck"))
	assert.Equal(t, 1, f.counter(t, "acme"))
	n, err := f.pendingLen(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.summaries)
}

func TestExpiredFlagClaimedByWorkerIsNotReleasedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setCounter(t, "acme", 1)
	f.setFlag(t, "job", "acme")

	// A worker claimed the flag between the transaction and the release.
	_, held, err := f.enq.ClaimSlot(ctx, "job")
	require.NoError(t, err)
	require.True(t, held)

	assert.False(t, f.wd.release(ctx, slotRelease{tenantID: "acme", jobID: "job", viaFlag: true}))
	assert.Equal(t, 1, f.counter(t, "acme"))
}
