package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Handler receives item outcomes from a WorkerPool. Calls arrive from
// multiple worker goroutines concurrently.
type Handler interface {
	// OnItemStart is called when a worker picks up an item.
	OnItemStart(itemID string)

	// OnItemSuccess is called once for an item whose processor call succeeded.
	OnItemSuccess(itemID string, result Result, elapsed time.Duration)

	// OnItemFailure is called once for an item whose retry budget was exhausted.
	OnItemFailure(record *JobError, elapsed time.Duration)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// JobID stamps the JobError records the pool produces.
	JobID uuid.UUID

	// Concurrency is the maximum number of items in flight.
	// If zero or negative, defaults to 1
	Concurrency int

	// Policy decides retries for failed attempts.
	Policy RetryPolicy

	// Clock drives backoff sleeps. Defaults to SystemClock.
	Clock Clock
}

// RunSummary accounts for every item handed to Run.
// Succeeded + Failed + Abandoned equals the number of items.
type RunSummary struct {
	Succeeded int
	Failed    int
	// Abandoned items were skipped or interrupted by cancellation.
	Abandoned int
	// Cancelled is true when ctx was done by the time Run returned.
	Cancelled bool
}

// WorkerPool processes the items of one job with bounded concurrency.
type WorkerPool struct {
	// processor performs the work for each item
	processor ItemProcessor

	// limiter throttles processor calls; every attempt takes a token
	limiter Limiter

	// handler is told about item outcomes
	handler Handler

	config WorkerPoolConfig
	logger *slog.Logger
}

type itemOutcome int

const (
	outcomeSucceeded itemOutcome = iota
	outcomeFailed
	outcomeAbandoned
)

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	processor ItemProcessor,
	limiter Limiter,
	handler Handler,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if config.Concurrency <= 0 {
		logger.Warn("invalid concurrency specified, using default",
			"specified_concurrency", config.Concurrency,
			"default_concurrency", 1)
		config.Concurrency = 1
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}

	return &WorkerPool{
		processor: processor,
		limiter:   limiter,
		handler:   handler,
		config:    config,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Run processes itemIDs until all are done or ctx is cancelled, and blocks
// until every worker has exited. Cancellation is cooperative: a processor
// call already in flight runs to completion and its outcome is reported, but
// no new item is started and no further retry is attempted.
func (p *WorkerPool) Run(ctx context.Context, itemIDs []string) RunSummary {
	var succeeded, failed, abandoned atomic.Int64

	items := make(chan string)
	var wg conc.WaitGroup

	wg.Go(func() {
		defer close(items)
		for i, id := range itemIDs {
			select {
			case items <- id:
			case <-ctx.Done():
				abandoned.Add(int64(len(itemIDs) - i))
				return
			}
		}
	})

	for w := 0; w < p.config.Concurrency; w++ {
		workerID := w
		wg.Go(func() {
			for id := range items {
				if ctx.Err() != nil {
					abandoned.Add(1)
					continue
				}
				switch p.processItem(ctx, workerID, id) {
				case outcomeSucceeded:
					succeeded.Add(1)
				case outcomeFailed:
					failed.Add(1)
				default:
					abandoned.Add(1)
				}
			}
		})
	}

	wg.Wait()

	return RunSummary{
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Abandoned: int(abandoned.Load()),
		Cancelled: ctx.Err() != nil,
	}
}

// processItem runs one item through token acquisition, the processor and the
// retry policy, all within a single concurrency slot.
func (p *WorkerPool) processItem(ctx context.Context, workerID int, itemID string) itemOutcome {
	log := p.logger.With("worker_id", workerID, "item_id", itemID)
	clock := p.config.Clock
	start := clock.Now()

	p.handler.OnItemStart(itemID)

	for attempt := 1; ; attempt++ {
		if err := p.limiter.Acquire(ctx); err != nil {
			log.Debug("abandoning item while waiting for rate limit token", "attempt", attempt)
			return outcomeAbandoned
		}

		// The call is shielded from job cancellation so it can finish.
		result, err := p.invoke(context.WithoutCancel(ctx), itemID)
		if err == nil {
			if result.ItemID == "" {
				result.ItemID = itemID
			}
			p.handler.OnItemSuccess(itemID, result, clock.Now().Sub(start))
			return outcomeSucceeded
		}

		itemErr := &ItemError{ItemID: itemID, Attempt: attempt, Err: err}
		decision := p.config.Policy.Decide(attempt, err)
		if !decision.Retry {
			log.Warn("item failed permanently",
				"attempt", attempt,
				"reason", decision.Reason,
				"error", err)
			p.handler.OnItemFailure(&JobError{
				ID:            uuid.New(),
				JobID:         p.config.JobID,
				ItemID:        itemID,
				ErrorMessage:  itemErr.Error(),
				AttemptNumber: attempt,
				CreatedAt:     clock.Now().UTC(),
			}, clock.Now().Sub(start))
			return outcomeFailed
		}

		if ctx.Err() != nil {
			log.Debug("abandoning item retry after cancellation", "attempt", attempt)
			return outcomeAbandoned
		}

		log.Debug("retrying item after backoff",
			"attempt", attempt,
			"delay", decision.Delay,
			"error", err)
		if err := clock.Sleep(ctx, decision.Delay); err != nil {
			return outcomeAbandoned
		}
	}
}

// invoke calls the processor and converts a panic into an error.
func (p *WorkerPool) invoke(ctx context.Context, itemID string) (Result, error) {
	var (
		result  Result
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		result, err = p.processor.Process(ctx, itemID)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		p.logger.Error("item processor panicked",
			"item_id", itemID,
			"panic", fmt.Sprint(recovered.Value))
		return Result{}, fmt.Errorf("item processor panicked: %v", recovered.Value)
	}
	return result, err
}
