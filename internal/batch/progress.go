package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// jobRun is the in-memory state of one tracked job. Fields after mu are
// guarded by it; the lock is never held across store or processor calls.
type jobRun struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	limiter Limiter

	mu              sync.Mutex
	job             Job
	currentItem     string
	recentErrors    []JobError
	errorLimit      int
	pending         CounterDelta
	cancelRequested bool
	finishedAt      time.Time
}

func newJobRun(parent context.Context, job *Job, limiter Limiter, errorLimit int) *jobRun {
	ctx, cancel := context.WithCancel(parent)
	return &jobRun{
		id:         job.ID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		limiter:    limiter,
		job:        *cloneJob(job),
		errorLimit: errorLimit,
	}
}

func (r *jobRun) recordStart(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentItem = itemID
}

// recordOutcome bumps the live counters and the pending store delta together,
// so processed always equals successful plus failed.
func (r *jobRun) recordOutcome(success bool, rec *JobError) {
	d := CounterDelta{Processed: 1}
	if success {
		d.Successful = 1
	} else {
		d.Failed = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.job.Apply(d)
	r.pending = r.pending.Add(d)
	if rec != nil {
		r.recentErrors = append(r.recentErrors, *rec)
		if over := len(r.recentErrors) - r.errorLimit; over > 0 {
			r.recentErrors = append([]JobError(nil), r.recentErrors[over:]...)
		}
	}
}

// takeDelta hands the unflushed counter delta to the caller.
func (r *jobRun) takeDelta() CounterDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.pending
	r.pending = CounterDelta{}
	return d
}

// restoreDelta puts back a delta whose flush failed.
func (r *jobRun) restoreDelta(d CounterDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = r.pending.Add(d)
}

func (r *jobRun) setStatus(status JobStatus, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.SetStatus(status, at)
	if status.IsTerminal() {
		r.currentItem = ""
		r.finishedAt = at
	}
}

// requestCancel flags the run and cancels its context. It reports false when
// the job is already terminal.
func (r *jobRun) requestCancel() bool {
	r.mu.Lock()
	if r.job.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelRequested = true
	r.mu.Unlock()

	r.cancel()
	return true
}

func (r *jobRun) wasCancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// snapshot returns a copy of the job and a Progress view as of now.
func (r *jobRun) snapshot(now time.Time) (Job, Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := *cloneJob(&r.job)
	recent := make([]JobError, len(r.recentErrors))
	// newest first, matching the store's ordering
	for i, rec := range r.recentErrors {
		recent[len(r.recentErrors)-1-i] = rec
	}
	return job, ProgressFromJob(&job, recent, r.currentItem, now)
}

// evictable reports whether the run finished at least grace ago.
func (r *jobRun) evictable(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status.IsTerminal() && !r.finishedAt.IsZero() && now.Sub(r.finishedAt) >= grace
}

// runHandler adapts the run to the WorkerPool Handler interface.
type runHandler struct {
	c   *Coordinator
	run *jobRun
}

func (h runHandler) OnItemStart(itemID string) {
	h.run.recordStart(itemID)
}

func (h runHandler) OnItemSuccess(itemID string, result Result, elapsed time.Duration) {
	h.run.recordOutcome(true, nil)
	h.c.logger.Debug("item processed",
		"job_id", h.run.id,
		"item_id", itemID,
		"output_bytes", len(result.Output),
		"duration_ms", elapsed.Milliseconds())
}

func (h runHandler) OnItemFailure(rec *JobError, _ time.Duration) {
	rec.ErrorMessage = redactMessage(rec.ErrorMessage)
	h.run.recordOutcome(false, rec)
	h.c.persistError(h.run, rec)
}
