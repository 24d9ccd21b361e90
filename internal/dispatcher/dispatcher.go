// Package dispatcher runs a fixed pool of workers against one batch queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/worker"
)

// Dispatcher fans queue work out to its workers. At most len(workers) jobs
// are in flight at once.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New wraps an existing set of workers.
func New(workers []*worker.Worker, logger *zap.Logger) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, errors.New("dispatcher needs at least one worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}, nil
}

// NewPool builds size workers sharing deps and cfg.
func NewPool(size int, deps worker.Deps, cfg worker.Config, logger *zap.Logger) (*Dispatcher, error) {
	if size < 1 {
		return nil, fmt.Errorf("crawler.concurrency must be > 0, got %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		w, err := worker.New(i, deps, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("build worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	return New(workers, logger)
}

// Size returns the pool's concurrency.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker on q and blocks until all of them return, which
// happens when ctx is done or q is closed.
func (d *Dispatcher) Run(ctx context.Context, q crawler.Queue, sink crawler.ResultSink) {
	d.logger.Debug("worker pool starting", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, q, sink)
		}(w)
	}
	wg.Wait()
	d.logger.Debug("worker pool stopped")
}
