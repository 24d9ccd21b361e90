// Package memory provides an in-process job queue for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/id/uuid"
)

// Queue is a mutex-guarded FIFO of jobs with exclusive leases.
type Queue struct {
	batchID string
	idGen   crawler.IDGenerator
	now     func() time.Time

	mu      sync.Mutex
	pending []string
	jobs    map[string]*crawler.Job
	stats   crawler.QueueStats
	changed chan struct{}
	closed  bool
}

// Option customizes a Queue.
type Option func(*Queue)

// WithIDGenerator overrides the job ID source.
func WithIDGenerator(gen crawler.IDGenerator) Option {
	return func(q *Queue) {
		if gen != nil {
			q.idGen = gen
		}
	}
}

// WithClock overrides the enqueue timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock.Now
		}
	}
}

// NewQueue constructs an empty queue for batchID.
func NewQueue(batchID string, opts ...Option) *Queue {
	q := &Queue{
		batchID: batchID,
		idGen:   uuid.New(),
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(map[string]*crawler.Job),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a waiting job for url.
func (q *Queue) Enqueue(ctx context.Context, url string) (crawler.Job, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Job{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	id, err := q.idGen.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.Job{}, crawler.ErrQueueClosed
	}
	job := &crawler.Job{
		ID:         id,
		BatchID:    q.batchID,
		URL:        url,
		Status:     crawler.JobStatusWaiting,
		EnqueuedAt: q.now(),
	}
	q.jobs[id] = job
	q.pending = append(q.pending, id)
	q.stats.Waiting++
	q.notifyLocked()
	return *job, nil
}

// Lease hands out the oldest waiting job.
func (q *Queue) Lease(ctx context.Context) (crawler.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Job{}, false, fmt.Errorf("lease canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.Job{}, false, crawler.ErrQueueClosed
	}
	if len(q.pending) == 0 {
		return crawler.Job{}, false, nil
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	job := q.jobs[id]
	job.Status = crawler.JobStatusActive
	q.stats.Waiting--
	q.stats.Active++
	q.notifyLocked()
	return *job, true, nil
}

// Ack records the terminal outcome of an active job.
func (q *Queue) Ack(_ context.Context, job crawler.Job, outcome crawler.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrJobNotFound)
	}
	switch stored.Status {
	case crawler.JobStatusActive:
	case crawler.JobStatusWaiting:
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrNotLeased)
	default:
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrAlreadyAcked)
	}
	stored.Status = outcome.Status()
	stored.Attempts = max(stored.Attempts, job.Attempts)
	stored.LastError = job.LastError
	q.stats.Active--
	if outcome == crawler.OutcomeSuccess {
		q.stats.Completed++
	} else {
		q.stats.Failed++
	}
	q.notifyLocked()
	return nil
}

// Stats copies the counters under the lock.
func (q *Queue) Stats(context.Context) (crawler.QueueStats, error) {
	q.mu.Lock()
	stats := q.stats
	q.mu.Unlock()
	return stats, nil
}

// Job returns a copy of the stored job.
func (q *Queue) Job(id string) (crawler.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return crawler.Job{}, false
	}
	return *job, true
}

// Watch returns a channel that is closed on the next state change.
func (q *Queue) Watch() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Close stops accepting work and wakes any watchers. It is idempotent.
func (q *Queue) Close(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.notifyLocked()
	return nil
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Factory opens a fresh in-memory queue per batch.
type Factory struct {
	opts []Option
}

// NewFactory returns a Factory that applies opts to every queue it creates.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// NewQueue implements crawler.QueueFactory.
func (f *Factory) NewQueue(_ context.Context, batchID string) (crawler.Queue, error) {
	return NewQueue(batchID, f.opts...), nil
}
