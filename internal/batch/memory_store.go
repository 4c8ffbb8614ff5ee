package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/store"
)

// MemoryStore is an in-process JobStore. It backs tests and single-process
// runs without a database. The optional ...Fn fields replace individual
// operations so tests can inject store failures.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	errors map[uuid.UUID][]*JobError

	CreateJobFn         func(ctx context.Context, job *Job) error
	UpdateJobCountersFn func(ctx context.Context, jobID uuid.UUID, delta CounterDelta) error
	SetJobStatusFn      func(ctx context.Context, jobID uuid.UUID, status JobStatus, at time.Time) error
	AppendErrorFn       func(ctx context.Context, record *JobError) error
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[uuid.UUID]*Job),
		errors: make(map[uuid.UUID][]*JobError),
	}
}

// CreateJob stores a copy of job.
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if s.CreateJobFn != nil {
		return s.CreateJobFn(ctx, job)
	}
	return s.createJob(job)
}

func (s *MemoryStore) createJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJobCounters adds delta to the stored counters.
func (s *MemoryStore) UpdateJobCounters(ctx context.Context, jobID uuid.UUID, delta CounterDelta) error {
	if s.UpdateJobCountersFn != nil {
		return s.UpdateJobCountersFn(ctx, jobID, delta)
	}
	return s.updateJobCounters(jobID, delta)
}

func (s *MemoryStore) updateJobCounters(jobID uuid.UUID, delta CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Apply(delta)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetJobStatus moves the job to status unless it is already terminal.
func (s *MemoryStore) SetJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, at time.Time) error {
	if s.SetJobStatusFn != nil {
		return s.SetJobStatusFn(ctx, jobID, status, at)
	}
	return s.setJobStatus(jobID, status, at)
}

func (s *MemoryStore) setJobStatus(jobID uuid.UUID, status JobStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrUpdateFailed)
	}
	job.SetStatus(status, at)
	return nil
}

// AppendError records an item failure.
func (s *MemoryStore) AppendError(ctx context.Context, record *JobError) error {
	if s.AppendErrorFn != nil {
		return s.AppendErrorFn(ctx, record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[record.JobID]; !ok {
		return store.ErrJobNotFound
	}
	rec := *record
	s.errors[record.JobID] = append(s.errors[record.JobID], &rec)
	return nil
}

// GetJob returns a copy of the stored job.
func (s *MemoryStore) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobsByStatus returns copies of matching jobs, newest first.
// No statuses means all jobs.
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(want) == 0 || want[job.Status] {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// ListErrors returns the job's error records, newest first.
func (s *MemoryStore) ListErrors(ctx context.Context, jobID uuid.UUID, limit int) ([]*JobError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, store.ErrJobNotFound
	}

	recs := s.errors[jobID]
	out := make([]*JobError, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		rec := *recs[i]
		out = append(out, &rec)
	}
	return out, nil
}

func cloneJob(job *Job) *Job {
	c := *job
	c.Metadata.ItemIDs = append([]string(nil), job.Metadata.ItemIDs...)
	return &c
}
