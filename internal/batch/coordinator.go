package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/events"
	"github.com/phrazzld/scry-batch/internal/redact"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"
)

// StartRequest describes a batch submission. Zero values select defaults.
type StartRequest struct {
	ItemIDs []string `json:"itemIds" validate:"required,min=1,max=1000,dive,required"`
	// Concurrency defaults to the coordinator's DefaultConcurrency.
	Concurrency int `json:"concurrency" validate:"omitempty,min=1,max=10"`
	// RateLimitPerMinute overrides the tier's sustained rate.
	RateLimitPerMinute int `json:"rateLimitPerMinute" validate:"omitempty,min=10,max=500"`
	// Tier selects the burst capacity and default rate.
	Tier    Tier   `json:"tier" validate:"omitempty,oneof=high constrained"`
	JobType string `json:"jobType" validate:"omitempty,max=64"`
}

// CoordinatorConfig tunes the Coordinator.
type CoordinatorConfig struct {
	DefaultConcurrency int
	DefaultTier        Tier
	Policy             RetryPolicy

	// FlushInterval is how often buffered counter deltas are persisted.
	FlushInterval time.Duration

	// EvictionGrace is how long terminal jobs stay in memory.
	EvictionGrace time.Duration

	// EvictionInterval is how often the eviction sweep runs.
	EvictionInterval time.Duration

	// RecentErrorLimit caps the errors included in a status snapshot.
	RecentErrorLimit int

	// StoreRetryDelay is the pause between store write attempts.
	StoreRetryDelay time.Duration

	// StoreRetries is the number of retries after a failed store write.
	StoreRetries uint64

	// InstanceID identifies this coordinator in job metadata. It should be
	// stable across restarts so Start can recover the instance's own jobs.
	// Empty means a random ID, which owns nothing from earlier runs.
	InstanceID string

	// OrphanTimeout is how long an unfinished job owned by another instance
	// must go without a store write before Start treats it as abandoned.
	// Running jobs write at least every OrphanTimeout/4.
	OrphanTimeout time.Duration
}

// DefaultCoordinatorConfig returns the production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultConcurrency: 5,
		DefaultTier:        TierHigh,
		Policy:             DefaultRetryPolicy(),
		FlushInterval:      time.Second,
		EvictionGrace:      10 * time.Minute,
		EvictionInterval:   time.Minute,
		RecentErrorLimit:   10,
		StoreRetryDelay:    100 * time.Millisecond,
		StoreRetries:       2,
		OrphanTimeout:      time.Hour,
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the clock used for limiter waits, backoff and timestamps.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLimiterFactory replaces the per-job limiter constructor.
func WithLimiterFactory(f LimiterFactory) Option {
	return func(c *Coordinator) { c.newLimiter = f }
}

// WithEventEmitter publishes job lifecycle events to emitter.
func WithEventEmitter(emitter events.EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = emitter }
}

// Coordinator owns the lifecycle of batch jobs: creation, progress
// aggregation, cancellation and completion. Each job runs asynchronously with
// its own WorkerPool and limiter.
type Coordinator struct {
	store      JobStore
	processor  ItemProcessor
	newLimiter LimiterFactory
	emitter    events.EventEmitter
	clock      Clock
	config     CoordinatorConfig
	validate   *validator.Validate
	logger     *slog.Logger

	// ctx is the parent of every job context; Stop cancels it
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu   sync.RWMutex
	jobs map[uuid.UUID]*jobRun
}

// NewCoordinator creates a Coordinator. Invalid config values are replaced by
// their defaults.
func NewCoordinator(
	jobStore JobStore,
	processor ItemProcessor,
	config CoordinatorConfig,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if config.DefaultConcurrency <= 0 {
		config.DefaultConcurrency = defaults.DefaultConcurrency
	}
	if _, err := TierConfig(config.DefaultTier); err != nil {
		config.DefaultTier = defaults.DefaultTier
	}
	if config.Policy.MaxAttempts <= 0 {
		config.Policy.MaxAttempts = defaults.Policy.MaxAttempts
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.EvictionGrace <= 0 {
		config.EvictionGrace = defaults.EvictionGrace
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = defaults.EvictionInterval
	}
	if config.RecentErrorLimit <= 0 {
		config.RecentErrorLimit = defaults.RecentErrorLimit
	}
	if config.StoreRetryDelay <= 0 {
		config.StoreRetryDelay = defaults.StoreRetryDelay
	}
	if config.OrphanTimeout <= 0 {
		config.OrphanTimeout = defaults.OrphanTimeout
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      jobStore,
		processor:  processor,
		newLimiter: NewTokenBucketLimiter,
		clock:      SystemClock,
		config:     config,
		validate:   validator.New(),
		logger:     logger.With("component", "batch_coordinator", "instance_id", config.InstanceID),
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[uuid.UUID]*jobRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start recovers orphaned jobs and launches the eviction monitor.
//
// A job left pending or processing is orphaned when it was owned by an
// earlier run of this instance, or when it has gone OrphanTimeout without a
// store write. Orphans cannot be resumed exactly, because per-item success is
// not persisted, so they are marked failed. Jobs other instances are still
// running are left alone.
func (c *Coordinator) Start(ctx context.Context) error {
	unfinished, err := c.store.ListJobsByStatus(ctx, JobStatusPending, JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range unfinished {
		reason, orphaned := c.orphanReason(job)
		if !orphaned {
			continue
		}

		c.logger.Warn("marking orphaned job as failed",
			"job_id", job.ID,
			"owner", job.Metadata.Owner,
			"reason", reason,
			"status", job.Status,
			"processed_items", job.ProcessedItems,
			"total_items", job.TotalItems)
		if err := c.withStoreRetry(ctx, func(ctx context.Context) error {
			return c.store.SetJobStatus(ctx, job.ID, JobStatusFailed, c.now())
		}); err != nil && !errors.Is(err, store.ErrUpdateFailed) {
			return fmt.Errorf("failed to mark orphaned job %s as failed: %w", job.ID, err)
		}
		recovered++
	}

	c.wg.Go(c.evictionMonitor)

	c.logger.Info("batch coordinator started",
		"unfinished_jobs", len(unfinished),
		"recovered_jobs", recovered)
	return nil
}

// orphanReason reports whether an unfinished store job has no live owner.
func (c *Coordinator) orphanReason(job *Job) (string, bool) {
	if _, running := c.lookup(job.ID); running {
		return "", false
	}
	if job.Metadata.Owner == c.config.InstanceID {
		return "owner restarted", true
	}
	if idle := c.now().Sub(job.UpdatedAt); idle >= c.config.OrphanTimeout {
		return fmt.Sprintf("no store write for %s", idle.Round(time.Second)), true
	}
	return "", false
}

// Stop cancels every running job and waits for workers to exit or ctx to end.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.RLock()
	for _, run := range c.jobs {
		run.requestCancel()
	}
	c.mu.RUnlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("batch coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for batch workers: %w", ctx.Err())
	}
}

// StartBatch validates req, persists a pending job and runs it asynchronously.
func (c *Coordinator) StartBatch(ctx context.Context, req StartRequest) (uuid.UUID, error) {
	if err := c.validate.Struct(req); err != nil {
		return uuid.Nil, newValidationError(err)
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = c.config.DefaultConcurrency
	}
	tier := req.Tier
	if tier == "" {
		tier = c.config.DefaultTier
	}
	limits, err := TierConfig(tier)
	if err != nil {
		return uuid.Nil, &ValidationError{Fields: []FieldError{{Field: "Tier", Message: err.Error()}}}
	}
	if req.RateLimitPerMinute > 0 {
		limits.RatePerMinute = req.RateLimitPerMinute
	}
	jobType := req.JobType
	if jobType == "" {
		jobType = DefaultJobType
	}

	now := c.now()
	job := &Job{
		ID:         uuid.New(),
		JobType:    jobType,
		Status:     JobStatusPending,
		TotalItems: len(req.ItemIDs),
		Metadata: Metadata{
			ItemIDs:            append([]string(nil), req.ItemIDs...),
			Concurrency:        concurrency,
			RateLimitPerMinute: limits.RatePerMinute,
			BurstCapacity:      limits.Capacity,
			Tier:               tier,
			MaxAttempts:        c.config.Policy.MaxAttempts,
			RetryBaseDelayMs:   c.config.Policy.BaseDelay.Milliseconds(),
			Owner:              c.config.InstanceID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.withStoreRetry(ctx, func(ctx context.Context) error {
		return c.store.CreateJob(ctx, job)
	}); err != nil {
		return uuid.Nil, fmt.Errorf("%w: failed to create job: %w", ErrFatalSetup, err)
	}

	run := newJobRun(c.ctx, job, c.newLimiter(limits, c.clock), c.config.RecentErrorLimit)
	c.mu.Lock()
	c.jobs[job.ID] = run
	c.mu.Unlock()

	c.logger.Info("batch job created",
		"job_id", job.ID,
		"job_type", jobType,
		"total_items", job.TotalItems,
		"concurrency", concurrency,
		"tier", tier,
		"rate_per_minute", limits.RatePerMinute)
	c.emit(run, events.JobCreated)

	c.wg.Go(func() { c.runJob(run) })
	return job.ID, nil
}

// GetJobStatus returns the live progress of a tracked job.
func (c *Coordinator) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	run, ok := c.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	_, progress := run.snapshot(c.now())
	return &progress, nil
}

// CancelJob requests cooperative cancellation. Cancelling a terminal job is a
// no-op. Jobs that are no longer in memory are looked up in the store so that
// finished jobs still cancel idempotently.
func (c *Coordinator) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	run, ok := c.lookup(jobID)
	if !ok {
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			if store.IsNotFoundError(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return fmt.Errorf("failed to look up job %s: %w", jobID, err)
		}
		if !job.Status.IsTerminal() {
			c.logger.Warn("cancel requested for job owned by another process",
				"job_id", jobID,
				"status", job.Status)
		}
		return nil
	}

	if run.requestCancel() {
		c.logger.Info("batch job cancellation requested", "job_id", jobID)
	}
	return nil
}

// ListActiveJobs returns pending and processing jobs, oldest first.
func (c *Coordinator) ListActiveJobs(ctx context.Context) ([]Job, error) {
	c.mu.RLock()
	runs := make([]*jobRun, 0, len(c.jobs))
	for _, run := range c.jobs {
		runs = append(runs, run)
	}
	c.mu.RUnlock()

	now := c.now()
	active := make([]Job, 0, len(runs))
	for _, run := range runs {
		job, _ := run.snapshot(now)
		if job.Status.IsActive() {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// GetStats aggregates counters across tracked jobs.
func (c *Coordinator) GetStats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	runs := make([]*jobRun, 0, len(c.jobs))
	for _, run := range c.jobs {
		runs = append(runs, run)
	}
	c.mu.RUnlock()

	now := c.now()
	stats := Stats{TrackedJobs: len(runs)}
	for _, run := range runs {
		job, _ := run.snapshot(now)
		if job.Status.IsActive() {
			stats.ActiveJobs++
		}
		stats.TotalProcessed += job.ProcessedItems
		stats.TotalSuccessful += job.SuccessfulItems
		stats.TotalFailed += job.FailedItems
	}
	return stats, nil
}

// runJob drives one job from pending to a terminal status.
func (c *Coordinator) runJob(run *jobRun) {
	job, _ := run.snapshot(c.now())
	log := c.logger.With("job_id", job.ID)
	bg := context.WithoutCancel(run.ctx)
	defer close(run.done)

	if run.ctx.Err() != nil {
		c.finish(bg, run, JobStatusCancelled, log)
		return
	}

	if err := c.transition(bg, run, JobStatusProcessing); err != nil {
		log.Error("failed to start job", "error", redact.Error(err))
		c.finish(bg, run, JobStatusFailed, log)
		return
	}
	c.emit(run, events.JobStarted)

	stopFlusher := make(chan struct{})
	var flusher conc.WaitGroup
	flusher.Go(func() {
		ticker := time.NewTicker(c.config.FlushInterval)
		defer ticker.Stop()
		lastWrite := c.now()
		for {
			select {
			case <-ticker.C:
				if c.flush(bg, run, log) {
					lastWrite = c.now()
				} else if c.now().Sub(lastWrite) >= c.config.OrphanTimeout/4 {
					c.heartbeat(bg, run, log)
					lastWrite = c.now()
				}
			case <-stopFlusher:
				return
			}
		}
	})

	pool := NewWorkerPool(c.processor, run.limiter, runHandler{c: c, run: run}, WorkerPoolConfig{
		JobID:       job.ID,
		Concurrency: job.Metadata.Concurrency,
		Policy:      c.config.Policy,
		Clock:       c.clock,
	}, log)
	summary := pool.Run(run.ctx, job.Metadata.ItemIDs)

	close(stopFlusher)
	flusher.Wait()

	status := JobStatusCompleted
	if run.wasCancelRequested() || summary.Cancelled {
		status = JobStatusCancelled
	}

	log.Info("batch job workers finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"abandoned", summary.Abandoned,
		"status", status)
	c.finish(bg, run, status, log)
}

// finish flushes remaining counters, then persists and publishes the terminal status.
func (c *Coordinator) finish(ctx context.Context, run *jobRun, status JobStatus, log *slog.Logger) {
	c.flush(ctx, run, log)
	if err := c.transition(ctx, run, status); err != nil {
		log.Error("failed to persist terminal job status",
			"status", status,
			"error", redact.Error(err))
	}

	switch status {
	case JobStatusCompleted:
		c.emit(run, events.JobCompleted)
	case JobStatusCancelled:
		c.emit(run, events.JobCancelled)
	case JobStatusFailed:
		c.emit(run, events.JobFailed)
	}
}

// transition persists status, then applies it to the in-memory run.
// Terminal statuses are applied in memory even when the store write fails.
func (c *Coordinator) transition(ctx context.Context, run *jobRun, status JobStatus) error {
	at := c.now()
	err := c.withStoreRetry(ctx, func(ctx context.Context) error {
		return c.store.SetJobStatus(ctx, run.id, status, at)
	})
	if err != nil && !status.IsTerminal() {
		return err
	}
	run.setStatus(status, at)
	return err
}

// flush persists the counters accumulated since the last flush and reports
// whether anything was written.
func (c *Coordinator) flush(ctx context.Context, run *jobRun, log *slog.Logger) bool {
	delta := run.takeDelta()
	if delta.IsZero() {
		return false
	}
	if err := c.withStoreRetry(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobCounters(ctx, run.id, delta)
	}); err != nil {
		run.restoreDelta(delta)
		log.Error("failed to flush job counters", "error", redact.Error(err))
		return false
	}
	c.emit(run, events.JobProgress)
	return true
}

// heartbeat bumps the job's updated_at with an empty counter update so other
// instances do not mistake a slow job for an orphan.
func (c *Coordinator) heartbeat(ctx context.Context, run *jobRun, log *slog.Logger) {
	if err := c.withStoreRetry(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobCounters(ctx, run.id, CounterDelta{})
	}); err != nil {
		log.Warn("failed to write job heartbeat", "error", redact.Error(err))
	}
}

func (c *Coordinator) persistError(run *jobRun, rec *JobError) {
	err := c.withStoreRetry(context.WithoutCancel(run.ctx), func(ctx context.Context) error {
		return c.store.AppendError(ctx, rec)
	})
	if err != nil {
		c.logger.Error("failed to record item error",
			"job_id", rec.JobID,
			"item_id", rec.ItemID,
			"error", redact.Error(err))
	}
}

// withStoreRetry retries transient store failures with a constant backoff.
// Not-found, duplicate and refused-update errors are returned immediately.
func (c *Coordinator) withStoreRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.config.StoreRetries, retry.NewConstant(c.config.StoreRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) ||
			errors.Is(err, store.ErrDuplicate) ||
			errors.Is(err, store.ErrUpdateFailed) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (c *Coordinator) emit(run *jobRun, eventType string) {
	if c.emitter == nil {
		return
	}
	_, progress := run.snapshot(c.now())
	event, err := events.NewJobEvent(eventType, progress.JobID, string(progress.Status), progress)
	if err != nil {
		c.logger.Error("failed to build job event", "event_type", eventType, "error", err)
		return
	}
	if err := c.emitter.EmitEvent(context.WithoutCancel(run.ctx), event); err != nil {
		c.logger.Warn("job event handler failed",
			"event_type", eventType,
			"job_id", progress.JobID,
			"error", redact.Error(err))
	}
}

// evictionMonitor drops terminal jobs from memory once their grace period ends.
func (c *Coordinator) evictionMonitor() {
	ticker := time.NewTicker(c.config.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// evictExpired removes terminal jobs whose grace period has elapsed and
// returns how many were dropped.
func (c *Coordinator) evictExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, run := range c.jobs {
		if run.evictable(now, c.config.EvictionGrace) {
			delete(c.jobs, id)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("evicted finished jobs", "count", evicted, "tracked", len(c.jobs))
	}
	return evicted
}

func (c *Coordinator) lookup(jobID uuid.UUID) (*jobRun, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.jobs[jobID]
	return run, ok
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().UTC()
}

func redactMessage(msg string) string {
	return redact.String(msg)
}
