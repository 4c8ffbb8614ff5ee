package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore persists jobs and their item errors.
//
// Implementations must apply UpdateJobCounters atomically and must refuse
// SetJobStatus on a job that is already terminal, returning an error wrapping
// store.ErrUpdateFailed. Lookups of unknown jobs return an error wrapping
// store.ErrNotFound.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJobCounters atomically adds delta to the job's counters.
	UpdateJobCounters(ctx context.Context, jobID uuid.UUID, delta CounterDelta) error

	// SetJobStatus moves the job to status, stamping the timestamp that
	// belongs to that status with at.
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, at time.Time) error

	// AppendError records an item that exhausted its retries.
	AppendError(ctx context.Context, record *JobError) error

	// GetJob retrieves one job.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// ListJobsByStatus returns jobs in any of the given statuses, newest first.
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error)

	// ListErrors returns the job's error records, newest first.
	// A non-positive limit returns all of them.
	ListErrors(ctx context.Context, jobID uuid.UUID, limit int) ([]*JobError, error)
}
