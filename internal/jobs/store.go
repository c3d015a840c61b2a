package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/db"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const jobColumns = `id, tenant_id, task_name, params, status, error_message, created_at, updated_at, started_at, completed_at`

// PostgresStore persists job records in the jobs table
type PostgresStore struct {
	conn  *sql.DB
	queue *db.DbQueue
	newID func() string
}

// NewPostgresStore creates a job store over an open database
func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{
		conn:  conn,
		queue: db.NewDbQueue(conn),
		newID: uuid.NewString,
	}
}

// CreateJob inserts a QUEUED job and returns its id
func (s *PostgresStore) CreateJob(ctx context.Context, job NewJob) (string, error) {
	if job.TenantID == "" || job.TaskName == "" {
		return "", fmt.Errorf("tenant id and task name are required")
	}
	params := job.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode job params: %w", err)
	}

	id := s.newID()
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, task_name, params, status)
		VALUES ($1, $2, $3, $4, $5)
	`, id, job.TenantID, job.TaskName, raw, string(StatusQueued))
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	log.Debug().
		Str("job_id", id).
		Str("tenant_id", job.TenantID).
		Str("task_name", job.TaskName).
		Msg("Job created")
	return id, nil
}

// GetJob loads a job record
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// GetJobStatus returns only the job's status
func (s *PostgresStore) GetJobStatus(ctx context.Context, jobID string) (Status, error) {
	var status string
	err := s.conn.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of job %s: %w", jobID, err)
	}
	return Status(status), nil
}

// SetStatus moves a job to a new status. The transition is guarded in SQL so
// concurrent writers cannot resurrect a terminal job; a guard miss returns
// ErrTransitionRejected, an unknown id ErrJobNotFound.
func (s *PostgresStore) SetStatus(ctx context.Context, jobID string, to Status, errMsg string) error {
	sources := sourcesFor(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no transition into %s", ErrTransitionRejected, to)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
			error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
			updated_at = NOW(),
			started_at = CASE WHEN $2 = 'IN_PROGRESS' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('COMPLETE', 'FAILED') THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($4)
	`, jobID, string(to), errMsg, pq.Array(sources))
	if err != nil {
		return fmt.Errorf("failed to set job %s to %s: %w", jobID, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrTransitionRejected, jobID, current, to)
}

// ListStuck returns jobs in status whose last update is older than olderThan,
// oldest first.
func (s *PostgresStore) ListStuck(ctx context.Context, olderThan time.Duration, status Status, limit int) ([]Job, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	return collectJobs(rows)
}

// WithRecovery runs fn inside one transaction. Commit errors are returned so
// callers can skip any post-commit side effects.
func (s *PostgresStore) WithRecovery(ctx context.Context, fn func(RecoveryTx) error) error {
	return s.queue.Execute(ctx, func(tx *sql.Tx) error {
		return fn(&recoveryTx{tx: tx})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		params      []byte
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.TaskName, &params, &status, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.ErrorMessage = errMsg.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}
