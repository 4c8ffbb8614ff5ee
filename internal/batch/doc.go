// Package batch implements the batch job engine: a token bucket rate limiter,
// an exponential backoff retry policy, a bounded worker pool and the
// Coordinator that owns job lifecycle, progress aggregation and cancellation.
//
// A job is submitted with StartBatch and runs asynchronously. Each item passes
// through the worker pool: acquire a token, invoke the ItemProcessor, and on
// failure consult the RetryPolicy. Per-item failures never abort a job; they
// are recorded as JobError values once the retry budget is exhausted.
//
// Live progress is served from an in-memory arena owned by the Coordinator.
// QueryService extends those reads to jobs that were evicted from memory or
// are owned by another process, using the progress cache and the JobStore.
package batch
