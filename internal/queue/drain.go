// Package queue holds backend-independent helpers that operate on a crawler.Queue.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// DefaultPollInterval is used when AwaitDrain is given a non-positive interval.
const DefaultPollInterval = 250 * time.Millisecond

// AwaitDrain blocks until a single Stats snapshot shows no waiting and no
// active jobs, and returns that snapshot. Queues implementing crawler.Watcher
// wake the loop on every state change; others are polled every pollInterval.
func AwaitDrain(ctx context.Context, q crawler.Queue, pollInterval time.Duration) (crawler.QueueStats, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	watcher, _ := q.(crawler.Watcher)
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		// Grab the watch channel before reading stats so a change between the
		// two calls still wakes us.
		var changed <-chan struct{}
		if watcher != nil {
			changed = watcher.Watch()
		}
		stats, err := q.Stats(ctx)
		if err != nil {
			return crawler.QueueStats{}, fmt.Errorf("await drain: %w", err)
		}
		if stats.Drained() {
			return stats, nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("await drain: %w", ctx.Err())
		case <-changed:
		case <-timer.C:
		}
	}
}
