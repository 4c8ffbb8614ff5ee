package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances instantly on Sleep and records every requested delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) TotalSlept() time.Duration {
	var total time.Duration
	for _, d := range c.Sleeps() {
		total += d
	}
	return total
}

// unlimitedLimiter grants every request unless ctx is done.
type unlimitedLimiter struct{}

func (unlimitedLimiter) Acquire(ctx context.Context) error {
	return ctx.Err()
}

func unlimitedFactory(LimiterConfig, Clock) Limiter {
	return unlimitedLimiter{}
}

// recordingHandler collects WorkerPool outcomes.
type recordingHandler struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failures  []*JobError
}

func (h *recordingHandler) OnItemStart(itemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, itemID)
}

func (h *recordingHandler) OnItemSuccess(itemID string, _ Result, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.succeeded = append(h.succeeded, itemID)
}

func (h *recordingHandler) OnItemFailure(rec *JobError, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, rec)
}

func itemIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%d", i+1)
	}
	return ids
}

// testCoordinatorConfig keeps store retries and backoff fast.
func testCoordinatorConfig() CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()
	cfg.StoreRetryDelay = time.Millisecond
	cfg.FlushInterval = 10 * time.Millisecond
	return cfg
}

func newTestCoordinator(
	t *testing.T,
	jobStore JobStore,
	processor ItemProcessor,
	cfg CoordinatorConfig,
	opts ...Option,
) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock), WithLimiterFactory(unlimitedFactory)}, opts...)
	c := NewCoordinator(jobStore, processor, cfg, setupTestLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, clock
}

// waitForJob blocks until the job's workers have exited and the terminal
// status has been recorded.
func waitForJob(t *testing.T, c *Coordinator, jobID uuid.UUID) *Progress {
	t.Helper()
	run, ok := c.lookup(jobID)
	require.True(t, ok, "job %s is not tracked", jobID)

	select {
	case <-run.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for job %s", jobID)
	}

	progress, err := c.GetJobStatus(context.Background(), jobID)
	require.NoError(t, err)
	return progress
}
