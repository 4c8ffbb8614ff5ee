package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProgressCache implements ProgressCache for testing
type mockProgressCache struct {
	GetProgressFn func(ctx context.Context, jobID uuid.UUID) (*Progress, error)
	calls         int
}

func (m *mockProgressCache) GetProgress(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	m.calls++
	return m.GetProgressFn(ctx, jobID)
}

func seedFinishedJob(t *testing.T, s *MemoryStore, failed int) *Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &Job{ID: uuid.New(), JobType: DefaultJobType, Status: JobStatusPending, TotalItems: 5, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.SetJobStatus(ctx, job.ID, JobStatusProcessing, now))
	require.NoError(t, s.UpdateJobCounters(ctx, job.ID, CounterDelta{Processed: 5, Successful: 5 - failed, Failed: failed}))
	for i := 0; i < failed; i++ {
		require.NoError(t, s.AppendError(ctx, &JobError{
			ID: uuid.New(), JobID: job.ID, ItemID: itemIDs(failed)[i], AttemptNumber: 3, CreatedAt: now,
		}))
	}
	require.NoError(t, s.SetJobStatus(ctx, job.ID, JobStatusCompleted, now))
	return job
}

func TestQueryService_LivePreferred(t *testing.T) {
	memStore := NewMemoryStore()
	c, _ := newTestCoordinator(t, memStore, succeedAll(), testCoordinatorConfig())
	cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
		return nil, errors.New("must not be called")
	}}
	q := NewQueryService(c, cache, memStore, 10, setupTestLogger())

	id, err := c.StartBatch(context.Background(), StartRequest{ItemIDs: itemIDs(2)})
	require.NoError(t, err)
	waitForJob(t, c, id)

	p, err := q.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.SuccessfulItems)
	assert.Zero(t, cache.calls)
}

func TestQueryService_CacheThenStore(t *testing.T) {
	memStore := NewMemoryStore()
	c, _ := newTestCoordinator(t, memStore, succeedAll(), testCoordinatorConfig())
	job := seedFinishedJob(t, memStore, 2)

	t.Run("cache hit", func(t *testing.T) {
		cached := &Progress{JobID: job.ID, Status: JobStatusCompleted, TotalItems: 5, ProcessedItems: 5}
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return cached, nil
		}}
		q := NewQueryService(c, cache, memStore, 10, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Same(t, cached, p)
	})

	t.Run("stale in-flight snapshot loses to a terminal store row", func(t *testing.T) {
		stale := &Progress{JobID: job.ID, Status: JobStatusProcessing, TotalItems: 5, ProcessedItems: 4}
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return stale, nil
		}}
		q := NewQueryService(nil, cache, memStore, 10, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, p.Status)
		assert.Equal(t, 5, p.ProcessedItems)
	})

	t.Run("in-flight snapshot served while store row is in flight too", func(t *testing.T) {
		running := &Job{ID: uuid.New(), Status: JobStatusPending, TotalItems: 5, CreatedAt: time.Now().UTC()}
		require.NoError(t, memStore.CreateJob(context.Background(), running))
		require.NoError(t, memStore.SetJobStatus(context.Background(), running.ID, JobStatusProcessing, time.Now()))

		snapshot := &Progress{JobID: running.ID, Status: JobStatusProcessing, TotalItems: 5, ProcessedItems: 2, CurrentItem: "item-3"}
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return snapshot, nil
		}}
		q := NewQueryService(nil, cache, memStore, 10, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), running.ID)
		require.NoError(t, err)
		assert.Same(t, snapshot, p)
	})

	t.Run("in-flight snapshot served when the store has no row", func(t *testing.T) {
		snapshot := &Progress{JobID: uuid.New(), Status: JobStatusProcessing, TotalItems: 5}
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return snapshot, nil
		}}
		q := NewQueryService(nil, cache, memStore, 10, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), snapshot.JobID)
		require.NoError(t, err)
		assert.Same(t, snapshot, p)
	})

	t.Run("cache miss falls back to store", func(t *testing.T) {
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return nil, nil
		}}
		q := NewQueryService(c, cache, memStore, 1, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, cache.calls)
		assert.Equal(t, JobStatusCompleted, p.Status)
		assert.Equal(t, 3, p.SuccessfulItems)
		assert.Equal(t, 2, p.FailedItems)
		assert.Len(t, p.RecentErrors, 1, "error limit applies to store fallback")
		assert.NotNil(t, p.CompletedAt)
	})

	t.Run("cache error falls back to store", func(t *testing.T) {
		cache := &mockProgressCache{GetProgressFn: func(ctx context.Context, id uuid.UUID) (*Progress, error) {
			return nil, errors.New("redis: connection refused")
		}}
		q := NewQueryService(nil, cache, memStore, 10, setupTestLogger())

		p, err := q.GetJobStatus(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, p.ProcessedItems)
	})
}

func TestQueryService_NotFound(t *testing.T) {
	q := NewQueryService(nil, nil, NewMemoryStore(), 10, setupTestLogger())

	_, err := q.GetJobStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = q.GetJobErrors(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryService_ListJobsAndErrors(t *testing.T) {
	memStore := NewMemoryStore()
	q := NewQueryService(nil, nil, memStore, 10, setupTestLogger())
	job := seedFinishedJob(t, memStore, 3)
	ctx := context.Background()

	jobs, err := q.ListJobs(ctx, JobStatusCompleted)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = q.ListJobs(ctx, JobStatusProcessing)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = q.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = q.ListJobs(ctx, "archived")
	assert.ErrorIs(t, err, ErrValidation)

	recs, err := q.GetJobErrors(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
