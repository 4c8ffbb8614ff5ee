package batch

import "context"

// Result is the output of processing one item.
type Result struct {
	ItemID string `json:"itemId"`
	Output string `json:"output,omitempty"`
}

// ItemProcessor performs the unit of work for one item. Implementations own
// any per-call timeout; the engine only bounds retries. Any returned error is
// treated as recoverable and retried under the job's RetryPolicy.
type ItemProcessor interface {
	Process(ctx context.Context, itemID string) (Result, error)
}

// ProcessorFunc adapts an ordinary function to the ItemProcessor interface.
type ProcessorFunc func(ctx context.Context, itemID string) (Result, error)

// Process calls f(ctx, itemID).
func (f ProcessorFunc) Process(ctx context.Context, itemID string) (Result, error) {
	return f(ctx, itemID)
}
