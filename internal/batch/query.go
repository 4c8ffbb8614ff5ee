package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/store"
)

// StatusSource serves live progress for jobs tracked in memory.
// *Coordinator implements it.
type StatusSource interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*Progress, error)
}

// ProgressCache holds the latest published Progress of jobs across processes.
type ProgressCache interface {
	// GetProgress returns nil, nil when no snapshot is cached.
	GetProgress(ctx context.Context, jobID uuid.UUID) (*Progress, error)
}

// QueryService answers read-only job queries. Status lookups try the live
// coordinator, then the progress cache, then the JobStore, so jobs evicted from
// memory or owned by another process return the same Progress shape.
type QueryService struct {
	live       StatusSource
	cache      ProgressCache
	store      JobStore
	errorLimit int
	clock      Clock
	logger     *slog.Logger
}

// NewQueryService creates a QueryService. live and cache may be nil.
func NewQueryService(
	live StatusSource,
	cache ProgressCache,
	jobStore JobStore,
	errorLimit int,
	logger *slog.Logger,
) *QueryService {
	if errorLimit <= 0 {
		errorLimit = DefaultCoordinatorConfig().RecentErrorLimit
	}
	return &QueryService{
		live:       live,
		cache:      cache,
		store:      jobStore,
		errorLimit: errorLimit,
		clock:      SystemClock,
		logger:     logger.With("component", "job_query_service"),
	}
}

// GetJobStatus returns the progress of any known job.
func (q *QueryService) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	if q.live != nil {
		progress, err := q.live.GetJobStatus(ctx, jobID)
		if err == nil {
			return progress, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var cached *Progress
	if q.cache != nil {
		progress, err := q.cache.GetProgress(ctx, jobID)
		switch {
		case err != nil:
			q.logger.WarnContext(ctx, "progress cache lookup failed, falling back to store",
				"job_id", jobID,
				"error", err)
		case progress != nil && progress.Status.IsTerminal():
			return progress, nil
		default:
			cached = progress
		}
	}

	// The store is the system of record: a non-terminal snapshot may predate
	// a terminal write whose cache update was lost.
	stored, err := q.storeProgress(ctx, jobID)
	if err != nil {
		if cached != nil {
			q.logger.WarnContext(ctx, "store lookup failed, serving cached progress",
				"job_id", jobID,
				"error", err)
			return cached, nil
		}
		return nil, err
	}
	if cached != nil && !stored.Status.IsTerminal() {
		// both are in flight; the snapshot also carries the current item
		return cached, nil
	}
	return stored, nil
}

func (q *QueryService) storeProgress(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	recs, err := q.store.ListErrors(ctx, jobID, q.errorLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors for job %s: %w", jobID, err)
	}

	recent := make([]JobError, 0, len(recs))
	for _, rec := range recs {
		recent = append(recent, *rec)
	}
	progress := ProgressFromJob(job, recent, "", q.clock.Now().UTC())
	return &progress, nil
}

// ListJobs returns stored jobs in any of statuses, newest first.
// No statuses means every job.
func (q *QueryService) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, &ValidationError{Fields: []FieldError{{
				Field:   "status",
				Message: fmt.Sprintf("unknown status %q", s),
			}}}
		}
	}
	jobs, err := q.store.ListJobsByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetJobErrors returns every error record of a job, newest first.
func (q *QueryService) GetJobErrors(ctx context.Context, jobID uuid.UUID) ([]*JobError, error) {
	if _, err := q.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	recs, err := q.store.ListErrors(ctx, jobID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors for job %s: %w", jobID, err)
	}
	return recs, nil
}

func (q *QueryService) getJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}
