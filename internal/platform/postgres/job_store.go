package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/platform/logger"
	"github.com/phrazzld/scry-batch/internal/store"
)

const jobColumns = `id, job_type, status, total_items, processed_items, successful_items,
	failed_items, metadata, started_at, completed_at, cancelled_at, created_at, updated_at`

const errorColumns = `id, job_id, item_id, error_message, attempt_number, created_at`

// PostgresJobStore implements the batch.JobStore interface using PostgreSQL
type PostgresJobStore struct {
	db store.DBTX
}

var _ batch.JobStore = (*PostgresJobStore)(nil)

// NewPostgresJobStore creates a new PostgresJobStore
func NewPostgresJobStore(db store.DBTX) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// CreateJob inserts a new job record.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *batch.Job) error {
	log := logger.FromContext(ctx)

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to encode job metadata: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO batch_jobs (id, job_type, status, total_items, processed_items,
			successful_items, failed_items, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.JobType,
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.SuccessfulItems,
		job.FailedItems,
		metadata,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create batch job",
			"job_id", job.ID,
			"error", err)
		return fmt.Errorf("failed to create batch job: %w", MapError(err))
	}

	return nil
}

// UpdateJobCounters adds delta to the job's counters in a single UPDATE, so
// concurrent flushes never lose increments.
func (s *PostgresJobStore) UpdateJobCounters(ctx context.Context, jobID uuid.UUID, delta batch.CounterDelta) error {
	query := `
		UPDATE batch_jobs
		SET processed_items = processed_items + $2,
			successful_items = successful_items + $3,
			failed_items = failed_items + $4,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, jobID, delta.Processed, delta.Successful, delta.Failed)
	if err != nil {
		logger.FromContext(ctx).Error("failed to update batch job counters",
			"job_id", jobID,
			"error", err)
		return fmt.Errorf("failed to update batch job counters: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "batch job"); err != nil {
		return store.ErrJobNotFound
	}
	return nil
}

// statusTimestampColumn names the column stamped when a job enters status.
func statusTimestampColumn(status batch.JobStatus) string {
	switch status {
	case batch.JobStatusProcessing:
		return "started_at"
	case batch.JobStatusCompleted, batch.JobStatusFailed:
		return "completed_at"
	case batch.JobStatusCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}

// SetJobStatus moves a non-terminal job to status. Updates to terminal jobs
// are refused with store.ErrUpdateFailed.
func (s *PostgresJobStore) SetJobStatus(
	ctx context.Context,
	jobID uuid.UUID,
	status batch.JobStatus,
	at time.Time,
) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown job status %q", store.ErrInvalidEntity, status)
	}

	set := "status = $2, updated_at = $3"
	if column := statusTimestampColumn(status); column != "" {
		set += ", " + column + " = $3"
	}
	query := `UPDATE batch_jobs SET ` + set + `
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	result, err := s.db.ExecContext(ctx, query, jobID, string(status), at)
	if err != nil {
		logger.FromContext(ctx).Error("failed to set batch job status",
			"job_id", jobID,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to set batch job status: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "batch job"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Nothing updated: either the job does not exist or it is already terminal.
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is already %s", store.ErrUpdateFailed, jobID, current.Status)
}

// AppendError records an item that exhausted its retries.
func (s *PostgresJobStore) AppendError(ctx context.Context, record *batch.JobError) error {
	query := `
		INSERT INTO batch_job_errors (` + errorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.JobID,
		record.ItemID,
		record.ErrorMessage,
		record.AttemptNumber,
		record.CreatedAt,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return store.ErrJobNotFound
		}
		logger.FromContext(ctx).Error("failed to append batch job error",
			"job_id", record.JobID,
			"item_id", record.ItemID,
			"error", err)
		return fmt.Errorf("failed to append batch job error: %w", MapError(err))
	}
	return nil
}

// GetJob retrieves one job by id.
func (s *PostgresJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get batch job: %w", MapError(err))
	}
	return job, nil
}

// ListJobsByStatus returns jobs in any of statuses, newest first.
// No statuses returns every job.
func (s *PostgresJobStore) ListJobsByStatus(ctx context.Context, statuses ...batch.JobStatus) ([]*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list batch jobs",
			"statuses", statuses,
			"error", err)
		return nil, fmt.Errorf("failed to list batch jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*batch.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch jobs: %w", MapError(err))
	}
	return jobs, nil
}

// ListErrors returns the job's error records, newest first. A non-positive
// limit returns all of them.
func (s *PostgresJobStore) ListErrors(ctx context.Context, jobID uuid.UUID, limit int) ([]*batch.JobError, error) {
	query := `SELECT ` + errorColumns + ` FROM batch_job_errors
		WHERE job_id = $1
		ORDER BY created_at DESC, id`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list batch job errors",
			"job_id", jobID,
			"error", err)
		return nil, fmt.Errorf("failed to list batch job errors: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	recs := make([]*batch.JobError, 0)
	for rows.Next() {
		var rec batch.JobError
		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.ItemID,
			&rec.ErrorMessage,
			&rec.AttemptNumber,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch job error: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch job errors: %w", MapError(err))
	}
	return recs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*batch.Job, error) {
	var (
		job                                 batch.Job
		status                              string
		metadata                            []byte
		startedAt, completedAt, cancelledAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&status,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.SuccessfulItems,
		&job.FailedItems,
		&metadata,
		&startedAt,
		&completedAt,
		&cancelledAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = batch.JobStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.CancelledAt = nullTimePtr(cancelledAt)
	return &job, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
