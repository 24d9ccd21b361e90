package activity

import "context"

// Sink receives flushed batches. Consume may be slow; the Hub bounds it with
// a per-call timeout and never retries.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
