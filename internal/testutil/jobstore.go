package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/jobs"
)

// JobStore is an in-memory job store that enforces the same status
// transitions as the Postgres store.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]*jobs.Job
	nextID int

	// Now is the store clock; tests may replace it.
	Now func() time.Time
	// CreateErr, when set, fails CreateJob.
	CreateErr error
	// SetStatusErr, when set, fails SetStatus.
	SetStatusErr error
	// FailMark lists job ids whose MarkFailed returns an error inside a recovery tx.
	FailMark map[string]bool
	// CommitErr, when set, fails WithRecovery after fn ran and discards its changes.
	CommitErr error
	// AfterSlotHolders, when set, runs after SlotHolders has read its rows,
	// standing in for work other sessions commit mid-transaction.
	AfterSlotHolders func()
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]*jobs.Job),
		Now:      time.Now,
		FailMark: make(map[string]bool),
	}
}

// CreateJob stores a QUEUED job.
func (s *JobStore) CreateJob(ctx context.Context, job jobs.NewJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	s.nextID++
	id := fmt.Sprintf("job-%d", s.nextID)
	now := s.Now()
	s.jobs[id] = &jobs.Job{
		ID:        id,
		TenantID:  job.TenantID,
		TaskName:  job.TaskName,
		Params:    job.Params,
		Status:    jobs.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// Put inserts or replaces a job as-is.
func (s *JobStore) Put(job jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[job.ID] = &j
}

// GetJob returns a copy of a job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	out := *j
	return &out, nil
}

// GetJobStatus returns a job's status.
func (s *JobStore) GetJobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// Status returns a job's status or "" when it does not exist.
func (s *JobStore) Status(jobID string) jobs.Status {
	st, _ := s.GetJobStatus(context.Background(), jobID)
	return st
}

// SetStatus applies a guarded transition.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, to jobs.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetStatusErr != nil {
		return s.SetStatusErr
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if !jobs.CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", jobs.ErrTransitionRejected, j.Status, to)
	}
	s.apply(j, to, errMsg)
	return nil
}

func (s *JobStore) apply(j *jobs.Job, to jobs.Status, errMsg string) {
	now := s.Now()
	j.Status = to
	j.UpdatedAt = now
	if errMsg != "" {
		j.ErrorMessage = errMsg
	}
	if to == jobs.StatusInProgress {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
}

// ListStuck mirrors the Postgres query.
func (s *JobStore) ListStuck(ctx context.Context, olderThan time.Duration, status jobs.Status, limit int) ([]jobs.Job, error) {
	cutoff := s.Now().Add(-olderThan)
	return s.filter(limit, func(j *jobs.Job) bool {
		return j.Status == status && j.UpdatedAt.Before(cutoff)
	}, func(j *jobs.Job) time.Time { return j.UpdatedAt }), nil
}

func (s *JobStore) filter(limit int, keep func(*jobs.Job) bool, orderBy func(*jobs.Job) time.Time) []jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []jobs.Job
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ta, tb := orderBy(&out[a]), orderBy(&out[b])
		if ta.Equal(tb) {
			return out[a].ID < out[b].ID
		}
		return ta.Before(tb)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WithRecovery runs fn against a snapshot and keeps its changes only when
// CommitErr is nil.
func (s *JobStore) WithRecovery(ctx context.Context, fn func(jobs.RecoveryTx) error) error {
	s.mu.Lock()
	snapshot := make(map[string]jobs.Job, len(s.jobs))
	for id, j := range s.jobs {
		snapshot[id] = *j
	}
	s.mu.Unlock()

	if err := fn(&recoveryTx{store: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	if s.CommitErr != nil {
		s.restore(snapshot)
		return fmt.Errorf("failed to commit transaction: %w", s.CommitErr)
	}
	return nil
}

func (s *JobStore) restore(snapshot map[string]jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*jobs.Job, len(snapshot))
	for id, j := range snapshot {
		jj := j
		s.jobs[id] = &jj
	}
}

type recoveryTx struct {
	store *JobStore
}

func (r *recoveryTx) SlotHolders(ctx context.Context) ([]jobs.SlotHolder, error) {
	var holders []jobs.SlotHolder
	for _, j := range r.store.filter(0, func(j *jobs.Job) bool {
		return j.Status == jobs.StatusQueued || j.Status == jobs.StatusInProgress
	}, createdAt) {
		holders = append(holders, jobs.SlotHolder{JobID: j.ID, TenantID: j.TenantID, Status: j.Status})
	}
	if hook := r.store.AfterSlotHolders; hook != nil {
		hook()
	}
	return holders, nil
}

func (r *recoveryTx) Statuses(ctx context.Context, jobIDs []string) (map[string]jobs.Status, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]jobs.Status, len(jobIDs))
	for _, id := range jobIDs {
		if j, ok := s.jobs[id]; ok {
			statuses[id] = j.Status
		}
	}
	return statuses, nil
}

func (r *recoveryTx) ListQueuedOlderThan(ctx context.Context, createdBefore time.Time, limit int) ([]jobs.Job, error) {
	return r.store.filter(limit, func(j *jobs.Job) bool {
		return j.Status == jobs.StatusQueued && j.CreatedAt.Before(createdBefore)
	}, createdAt), nil
}

func (r *recoveryTx) ListQueuedStale(ctx context.Context, createdAfter, updatedBefore time.Time, limit int) ([]jobs.Job, error) {
	return r.store.filter(limit, func(j *jobs.Job) bool {
		return j.Status == jobs.StatusQueued && !j.CreatedAt.Before(createdAfter) && j.UpdatedAt.Before(updatedBefore)
	}, func(j *jobs.Job) time.Time { return j.UpdatedAt }), nil
}

func (r *recoveryTx) ListInProgressStuck(ctx context.Context, startedBefore time.Time, limit int) ([]jobs.Job, error) {
	return r.store.filter(limit, func(j *jobs.Job) bool {
		return j.Status == jobs.StatusInProgress && startedOrUpdated(j).Before(startedBefore)
	}, startedOrUpdated), nil
}

func (r *recoveryTx) MarkFailed(ctx context.Context, jobID string, from jobs.Status, reason string) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailMark[jobID] {
		return false, errors.New("injected mark failure")
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != from {
		return false, nil
	}
	s.apply(j, jobs.StatusFailed, reason)
	return true, nil
}

func (r *recoveryTx) Touch(ctx context.Context, jobID string) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != jobs.StatusQueued {
		return false, nil
	}
	j.UpdatedAt = s.Now()
	return true, nil
}

func createdAt(j *jobs.Job) time.Time { return j.CreatedAt }

func startedOrUpdated(j *jobs.Job) time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.UpdatedAt
}
