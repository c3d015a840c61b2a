package enqueue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/mocks"
	"github.com/Harvey-AU/crawl-admission/internal/semaphore"
	"github.com/Harvey-AU/crawl-admission/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// failFlagWrites rejects SET on slot-preacquired keys and passes everything else through.
type failFlagWrites struct{}

func (failFlagWrites) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failFlagWrites) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "set" && len(cmd.Args()) > 1 {
			if key, ok := cmd.Args()[1].(string); ok && strings.HasSuffix(key, ":slot_preacquired") {
				err := errors.New("READONLY You can't write against a read only replica")
				cmd.SetErr(err)
				return err
			}
		}
		return next(ctx, cmd)
	}
}

func (failFlagWrites) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

type fixture struct {
	client  *redis.Client
	sem     *semaphore.Semaphore
	store   *testutil.JobStore
	runtime *mocks.MockTaskRuntime
	enq     *Enqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, client := testutil.NewRedis(t)
	f := &fixture{
		client:  client,
		sem:     semaphore.New(client, semaphore.Config{TTL: time.Minute}),
		store:   testutil.NewJobStore(),
		runtime: new(mocks.MockTaskRuntime),
	}
	f.enq = New(client, f.runtime, f.sem, f.store, time.Hour)
	return f
}

func (f *fixture) admittedJob(t *testing.T) string {
	t.Helper()
	id, err := f.store.CreateJob(context.Background(), jobs.NewJob{TenantID: "acme", TaskName: "crawl_website"})
	require.NoError(t, err)
	require.True(t, f.sem.Acquire(context.Background(), "acme", 2))
	return id
}

func TestDispatchWritesFlagThenEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID := f.admittedJob(t)
	params := map[string]any{"url": "https://acme.test"}

	f.runtime.On("Enqueue", mock.Anything, "crawl_website", jobID, params).
		Run(func(args mock.Arguments) {
			// The flag must already be visible to whoever picks the task up.
			v, err := f.client.Get(ctx, coord.SlotPreacquiredKey(jobID)).Result()
			assert.NoError(t, err)
			assert.Equal(t, "acme", v)
		}).
		Return(nil).Once()

	err := f.enq.Dispatch(ctx, DispatchRequest{JobID: jobID, TenantID: "acme", TaskName: "crawl_website", Params: params})
	require.NoError(t, err)

	ttl, err := f.client.TTL(ctx, coord.SlotPreacquiredKey(jobID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.Equal(t, jobs.StatusQueued, f.store.Status(jobID))
	f.runtime.AssertExpectations(t)
}

func TestDispatchFlagWriteFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID := f.admittedJob(t)

	// Same server, but flag writes fail.
	broken := redis.NewClient(&redis.Options{Addr: f.client.Options().Addr, MaxRetries: -1})
	t.Cleanup(func() { _ = broken.Close() })
	broken.AddHook(failFlagWrites{})
	enq := New(broken, f.runtime, f.sem, f.store, time.Hour)

	err := enq.Dispatch(ctx, DispatchRequest{JobID: jobID, TenantID: "acme", TaskName: "crawl_website"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write slot flag")

	count, err := f.sem.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "slot released")
	assert.Equal(t, jobs.StatusFailed, f.store.Status(jobID), "job never left QUEUED")
	f.runtime.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchEnqueueFailureRollsBackAllThreeSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID := f.admittedJob(t)

	f.runtime.On("Enqueue", mock.Anything, "crawl_website", jobID, mock.Anything).
		Return(errors.New("task table unavailable")).Once()

	err := f.enq.Dispatch(ctx, DispatchRequest{JobID: jobID, TenantID: "acme", TaskName: "crawl_website"})
	require.Error(t, err)

	exists, err := f.client.Exists(ctx, coord.SlotPreacquiredKey(jobID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "flag deleted")

	count, err := f.sem.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "slot released")

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "task table unavailable")
}

func TestRollbackReportsStatusFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID := f.admittedJob(t)
	f.store.SetStatusErr = errors.New("db down")

	err := f.enq.Rollback(ctx, "acme", jobID, false, errors.New("boom"))
	require.Error(t, err)

	count, cerr := f.sem.Count(ctx, "acme")
	require.NoError(t, cerr)
	assert.Equal(t, 0, count, "slot released even though the status write failed")
}

func TestClaimSlotIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Set(ctx, coord.SlotPreacquiredKey("job-7"), "acme", time.Hour).Err())

	tenant, held, err := f.enq.ClaimSlot(ctx, "job-7")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "acme", tenant)

	_, held, err = f.enq.ClaimSlot(ctx, "job-7")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHeldSlotsAndRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Set(ctx, coord.SlotPreacquiredKey("a"), "acme", time.Minute).Err())

	held, err := f.enq.HeldSlots(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, held)

	ok, err := f.enq.RefreshFlag(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err := f.client.TTL(ctx, coord.SlotPreacquiredKey("a")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	ok, err = f.enq.RefreshFlag(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := f.enq.HasSlot(ctx, "a")
	require.NoError(t, err)
	assert.True(t, has)
	require.NoError(t, f.enq.DeleteFlag(ctx, "a"))
	has, err = f.enq.HasSlot(ctx, "a")
	require.NoError(t, err)
	assert.False(t, has)
}
