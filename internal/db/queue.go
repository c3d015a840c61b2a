package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DbQueue runs database operations inside transactions
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a transaction runner over db
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{
		db: db,
	}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Task is one unit of work handed to the worker pool
type Task struct {
	ID        string
	TaskName  string
	JobID     string
	Params    map[string]any
	RunAt     time.Time
	CreatedAt time.Time
}

// TaskQueue is the Postgres-backed task runtime. Claiming a task deletes its
// row, so a task is delivered to at most one worker; jobs whose worker dies
// mid-run are recovered by the orphan watchdog.
type TaskQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskQueue creates a task runtime over db
func NewTaskQueue(db *sql.DB) *TaskQueue {
	return &TaskQueue{db: db, now: time.Now}
}

// Enqueue schedules a task to run immediately. Errors are returned
// synchronously so callers can roll back.
func (q *TaskQueue) Enqueue(ctx context.Context, taskName, jobID string, params map[string]any) error {
	return q.EnqueueAt(ctx, taskName, jobID, params, q.now())
}

// EnqueueAt schedules a task to become claimable at runAt.
func (q *TaskQueue) EnqueueAt(ctx context.Context, taskName, jobID string, params map[string]any, runAt time.Time) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode task params: %w", err)
	}

	taskID := uuid.NewString()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO crawl_tasks (id, task_name, job_id, params, run_at)
		VALUES ($1, $2, $3, $4, $5)
	`, taskID, taskName, jobID, raw, runAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue task for job %s: %w", jobID, err)
	}

	log.Debug().
		Str("task_id", taskID).
		Str("job_id", jobID).
		Str("task_name", taskName).
		Time("run_at", runAt).
		Msg("Task enqueued")
	return nil
}

// ClaimNext removes and returns the oldest due task. It returns nil, nil when
// nothing is due. Concurrent workers never receive the same task.
func (q *TaskQueue) ClaimNext(ctx context.Context) (*Task, error) {
	var (
		task Task
		raw  []byte
	)
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM crawl_tasks
		WHERE id = (
			SELECT id FROM crawl_tasks
			WHERE run_at <= $1
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_name, job_id, params, run_at, created_at
	`, q.now().UTC()).Scan(&task.ID, &task.TaskName, &task.JobID, &raw, &task.RunAt, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task.Params = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &task.Params); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("Discarding unreadable task params")
			task.Params = map[string]any{}
		}
	}
	return &task, nil
}
