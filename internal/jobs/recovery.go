package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SlotHolder is a job that may be holding a tenant slot.
type SlotHolder struct {
	JobID    string
	TenantID string
	Status   Status
}

// RecoveryTx is the transactional view the orphan watchdog works through.
// Selected rows are locked until commit; rows another session already holds
// are skipped rather than waited on.
type RecoveryTx interface {
	SlotHolders(ctx context.Context) ([]SlotHolder, error)
	Statuses(ctx context.Context, jobIDs []string) (map[string]Status, error)
	ListQueuedOlderThan(ctx context.Context, createdBefore time.Time, limit int) ([]Job, error)
	ListQueuedStale(ctx context.Context, createdAfter, updatedBefore time.Time, limit int) ([]Job, error)
	ListInProgressStuck(ctx context.Context, startedBefore time.Time, limit int) ([]Job, error)
	MarkFailed(ctx context.Context, jobID string, from Status, reason string) (bool, error)
	Touch(ctx context.Context, jobID string) (bool, error)
}

type recoveryTx struct {
	tx        *sql.Tx
	savepoint int
}

// SlotHolders reads every QUEUED and IN_PROGRESS job in one statement, so a
// job moving from one state to the other is seen exactly once.
func (r *recoveryTx) SlotHolders(ctx context.Context) ([]SlotHolder, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, tenant_id, status
		FROM jobs
		WHERE status IN ($1, $2)
	`, string(StatusQueued), string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list slot holders: %w", err)
	}
	defer rows.Close()

	var holders []SlotHolder
	for rows.Next() {
		var (
			h      SlotHolder
			status string
		)
		if err := rows.Scan(&h.JobID, &h.TenantID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan slot holder: %w", err)
		}
		h.Status = Status(status)
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// Statuses re-reads the current status of the given jobs. Each statement in
// the transaction sees rows committed before it started.
func (r *recoveryTx) Statuses(ctx context.Context, jobIDs []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(jobIDs))
	if len(jobIDs) == 0 {
		return statuses, nil
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, status FROM jobs WHERE id = ANY($1)
	`, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to re-read job statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		statuses[id] = Status(status)
	}
	return statuses, rows.Err()
}

func (r *recoveryTx) ListQueuedOlderThan(ctx context.Context, createdBefore time.Time, limit int) ([]Job, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(StatusQueued), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *recoveryTx) ListQueuedStale(ctx context.Context, createdAfter, updatedBefore time.Time, limit int) ([]Job, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND created_at >= $2 AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, string(StatusQueued), createdAfter, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *recoveryTx) ListInProgressStuck(ctx context.Context, startedBefore time.Time, limit int) ([]Job, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND COALESCE(started_at, updated_at) < $2
		ORDER BY COALESCE(started_at, updated_at)
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(StatusInProgress), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck in-progress jobs: %w", err)
	}
	return collectJobs(rows)
}

// MarkFailed fails one job inside its own savepoint, so a failing statement
// leaves the rest of the transaction usable.
func (r *recoveryTx) MarkFailed(ctx context.Context, jobID string, from Status, reason string) (bool, error) {
	return r.inSavepoint(ctx, `
		UPDATE jobs
		SET status = 'FAILED', error_message = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = $2
	`, jobID, string(from), reason)
}

// Touch bumps updated_at on a job that is still QUEUED.
func (r *recoveryTx) Touch(ctx context.Context, jobID string) (bool, error) {
	return r.inSavepoint(ctx, `
		UPDATE jobs SET updated_at = NOW() WHERE id = $1 AND status = 'QUEUED'
	`, jobID)
}

func (r *recoveryTx) inSavepoint(ctx context.Context, query string, args ...any) (bool, error) {
	r.savepoint++
	name := fmt.Sprintf("job_repair_%d", r.savepoint)

	if _, err := r.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return false, fmt.Errorf("failed to create savepoint: %w", err)
	}

	res, err := r.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if _, rbErr := r.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return false, fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rbErr)
		}
		return false, err
	}

	if _, err := r.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return false, fmt.Errorf("failed to release savepoint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
