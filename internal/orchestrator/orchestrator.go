// Package orchestrator runs one scrape batch end to end: discover product
// links for a search term, queue them on a batch-scoped queue, let the
// worker pool drain it, and collect the results in enqueue order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/activity"
	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/metrics"
	"github.com/JakeFAU/product-scraper/internal/queue"
)

// ErrInvalidRequest is returned for requests that cannot start a batch.
var ErrInvalidRequest = errors.New("invalid scrape request")

// Config bounds batch size and pacing.
type Config struct {
	BatchLimit    int           `mapstructure:"batch_limit"`
	MaxBatchLimit int           `mapstructure:"max_batch_limit"`
	EnqueueDelay  time.Duration `mapstructure:"enqueue_delay"`
	DrainPoll     time.Duration `mapstructure:"drain_poll_interval"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
}

const (
	defaultBatchLimit    = 3
	defaultMaxBatchLimit = 10
	defaultEnqueueDelay  = 500 * time.Millisecond
	defaultCloseTimeout  = 5 * time.Second
)

// DefaultConfig mirrors the values the service ships with.
func DefaultConfig() Config {
	return Config{
		BatchLimit:    defaultBatchLimit,
		MaxBatchLimit: defaultMaxBatchLimit,
		EnqueueDelay:  defaultEnqueueDelay,
		DrainPoll:     queue.DefaultPollInterval,
		CloseTimeout:  defaultCloseTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatchLimit <= 0 {
		c.MaxBatchLimit = def.MaxBatchLimit
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = min(def.BatchLimit, c.MaxBatchLimit)
	}
	if c.EnqueueDelay <= 0 {
		c.EnqueueDelay = def.EnqueueDelay
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = def.DrainPoll
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

// Pool drains a queue with a bounded set of workers. Run returns once ctx is
// done or q is closed. *dispatcher.Dispatcher satisfies it.
type Pool interface {
	Run(ctx context.Context, q crawler.Queue, sink crawler.ResultSink)
}

// Deps are the collaborators a batch needs. Activity and Clock are optional.
type Deps struct {
	Discoverer crawler.Discoverer
	Queues     crawler.QueueFactory
	Pool       Pool
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Activity   activity.Emitter
}

// Request describes one batch. Limit <= 0 selects the configured default.
type Request struct {
	SearchTerm string
	Limit      int
}

// JobFailure names a job that failed or finished with a warning.
type JobFailure struct {
	JobID    string `json:"job_id"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// BatchResult is everything a caller learns about a finished batch.
// Results, Failures, and Challenged follow enqueue order.
type BatchResult struct {
	BatchID    string             `json:"batch_id"`
	SearchTerm string             `json:"search_term"`
	Results    []crawler.Product  `json:"results"`
	Failures   []JobFailure       `json:"failures"`
	Challenged []string           `json:"challenged"`
	Warnings   []JobFailure       `json:"warnings"`
	Stats      crawler.QueueStats `json:"stats"`
	Duration   time.Duration      `json:"-"`
}

// SleepFunc waits between enqueues. It must return early when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the enqueue pacing sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// Orchestrator runs batches. It is safe for concurrent use; each Run gets
// its own queue.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	sleep  SleepFunc
}

// New validates deps and fills Config defaults.
func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, errors.New("orchestrator: discoverer is required")
	case deps.Queues == nil:
		return nil, errors.New("orchestrator: queue factory is required")
	case deps.Pool == nil:
		return nil, errors.New("orchestrator: worker pool is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	if deps.Activity == nil {
		deps.Activity = activity.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{deps: deps, cfg: cfg.withDefaults(), logger: logger, sleep: sleepCtx}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run executes one batch. A discovery failure yields an empty result and a
// nil error unless ctx is done. Queue failures and cancellation return the partial result
// together with the error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (BatchResult, error) {
	term := strings.TrimSpace(req.SearchTerm)
	if term == "" {
		return BatchResult{}, fmt.Errorf("%w: search term is required", ErrInvalidRequest)
	}
	if req.Limit < 0 {
		return BatchResult{}, fmt.Errorf("%w: limit must be >= 0, got %d", ErrInvalidRequest, req.Limit)
	}
	limit := req.Limit
	if limit == 0 {
		limit = o.cfg.BatchLimit
	}
	limit = min(limit, o.cfg.MaxBatchLimit)

	batchID, err := o.deps.IDs.NewID()
	if err != nil {
		return BatchResult{}, fmt.Errorf("new batch id: %w", err)
	}

	start := time.Now()
	result := BatchResult{
		BatchID:    batchID,
		SearchTerm: term,
		Results:    []crawler.Product{},
		Failures:   []JobFailure{},
		Challenged: []string{},
		Warnings:   []JobFailure{},
	}
	logger := o.logger.With(zap.String("batch_id", batchID), zap.String("search_term", term))
	logger.Info("batch starting", zap.Int("limit", limit))
	o.emit(activity.KindBatchStart, batchID, "Starting scrape for "+term)

	found, err := o.deps.Discoverer.Discover(ctx, term)
	if err != nil {
		// Only the caller giving up fails the batch; any other discovery
		// error is an empty result.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.finish(logger, result, start, fmt.Errorf("discover: %w", ctxErr))
		}
		logger.Warn("link discovery failed", zap.Error(err))
		o.emit(activity.KindDiscovery, batchID, fmt.Sprintf("Error scraping search results for %s: %v", term, err))
		return o.finish(logger, result, start, nil)
	}
	urls := selectURLs(found, limit)
	logger.Info("product links discovered", zap.Int("found", len(found)), zap.Int("selected", len(urls)))
	o.emit(activity.KindDiscovery, batchID, fmt.Sprintf("Found %d product links for %s", len(urls), term))
	if len(urls) == 0 {
		return o.finish(logger, result, start, nil)
	}

	sink := newCollector()
	jobs, stats, runErr := o.drive(ctx, logger, batchID, urls, sink)
	result.Stats = stats
	collect(&result, jobs, sink)
	return o.finish(logger, result, start, runErr)
}

// drive owns the batch queue and the pool goroutine. When it returns the
// pool has stopped, so sink holds every report it will ever get.
func (o *Orchestrator) drive(ctx context.Context, logger *zap.Logger, batchID string, urls []string, sink *collector) ([]crawler.Job, crawler.QueueStats, error) {
	q, err := o.deps.Queues.NewQueue(ctx, batchID)
	if err != nil {
		return nil, crawler.QueueStats{}, fmt.Errorf("open batch queue: %w", err)
	}

	// A worker that cannot lease ends the batch with the backend error.
	batchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	go func() {
		select {
		case err := <-sink.faults:
			abort(err)
		case <-batchCtx.Done():
		}
	}()
	fail := func(err error) error {
		if ctx.Err() == nil && batchCtx.Err() != nil {
			return fmt.Errorf("lease: %w", context.Cause(batchCtx))
		}
		return err
	}

	poolCtx, stopPool := context.WithCancel(batchCtx)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		o.deps.Pool.Run(poolCtx, q, sink)
	}()
	defer func() {
		stopPool()
		<-poolDone
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
		defer cancel()
		if err := q.Close(closeCtx); err != nil {
			logger.Warn("batch queue close failed", zap.Error(err))
		}
	}()

	jobs := make([]crawler.Job, 0, len(urls))
	for i, u := range urls {
		if i > 0 {
			if err := o.sleep(batchCtx, o.cfg.EnqueueDelay); err != nil {
				return jobs, o.lastStats(q), fail(fmt.Errorf("enqueue: %w", err))
			}
		}
		job, err := q.Enqueue(batchCtx, u)
		if err != nil {
			return jobs, o.lastStats(q), fail(fmt.Errorf("enqueue %s: %w", u, err))
		}
		jobs = append(jobs, job)
		logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("url", u))
		o.deps.Activity.Emit(activity.Event{
			TS: o.deps.Clock.Now(), Kind: activity.KindEnqueue, BatchID: batchID, JobID: job.ID, URL: u,
			Message: fmt.Sprintf("Added %s to queue", u),
		})
	}

	stats, err := queue.AwaitDrain(batchCtx, q, o.cfg.DrainPoll)
	if err != nil {
		if ctx.Err() == nil && batchCtx.Err() != nil {
			stats = o.lastStats(q)
		}
		return jobs, stats, fail(err)
	}
	final, err := q.Stats(ctx)
	if err != nil {
		return jobs, stats, fmt.Errorf("final stats: %w", err)
	}
	return jobs, final, nil
}

// lastStats is a best-effort snapshot for partial results.
func (o *Orchestrator) lastStats(q crawler.Queue) crawler.QueueStats {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CloseTimeout)
	defer cancel()
	stats, err := q.Stats(ctx)
	if err != nil {
		return crawler.QueueStats{}
	}
	return stats
}

func (o *Orchestrator) finish(logger *zap.Logger, result BatchResult, start time.Time, err error) (BatchResult, error) {
	result.Duration = time.Since(start)
	label := "ok"
	switch {
	case err != nil:
		label = "error"
		logger.Error("batch failed", zap.Duration("duration", result.Duration), zap.Error(err))
	case result.Stats.Total() == 0:
		label = "empty"
	}
	s := result.Stats
	metrics.ObserveBatch(label, result.Duration, s.Waiting, s.Active, s.Completed, s.Failed)
	if err == nil {
		logger.Info("batch finished",
			zap.Int("results", len(result.Results)),
			zap.Int("failed", len(result.Failures)),
			zap.Int("challenged", len(result.Challenged)),
			zap.Duration("duration", result.Duration),
		)
	}
	o.emit(activity.KindBatchDone, result.BatchID, fmt.Sprintf("Finished scrape for %s: %d products, %d failed",
		result.SearchTerm, len(result.Results), len(result.Failures)))
	return result, err
}

func (o *Orchestrator) emit(kind activity.Kind, batchID, msg string) {
	o.deps.Activity.Emit(activity.Event{TS: o.deps.Clock.Now(), Kind: kind, BatchID: batchID, Message: msg})
}

// selectURLs trims, de-duplicates, and caps candidates, keeping first-seen order.
func selectURLs(candidates []string, limit int) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, min(len(candidates), limit))
	for _, raw := range candidates {
		if len(out) == limit {
			break
		}
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// collect files each enqueued job under exactly one outcome bucket.
func collect(result *BatchResult, jobs []crawler.Job, sink *collector) {
	for _, job := range jobs {
		report, ok := sink.get(job.ID)
		switch {
		case !ok:
			result.Failures = append(result.Failures, JobFailure{
				JobID: job.ID, URL: job.URL, Error: "job did not finish before the batch stopped",
			})
		case report.Err != nil:
			result.Failures = append(result.Failures, JobFailure{
				JobID: job.ID, URL: job.URL, Attempts: report.Job.Attempts, Error: report.Err.Error(),
			})
		case report.Challenged:
			result.Challenged = append(result.Challenged, job.URL)
		case report.Product != nil:
			result.Results = append(result.Results, *report.Product)
			if report.Warning != nil {
				result.Warnings = append(result.Warnings, JobFailure{
					JobID: job.ID, URL: job.URL, Attempts: report.Job.Attempts, Error: report.Warning.Error(),
				})
			}
		}
	}
}

// collector is the batch's ResultSink, keyed by job ID. It also keeps the
// first lease fault.
type collector struct {
	mu      sync.Mutex
	reports map[string]crawler.JobReport
	faults  chan error
}

func newCollector() *collector {
	return &collector{reports: make(map[string]crawler.JobReport), faults: make(chan error, 1)}
}

// RecordFault implements crawler.FaultSink. Only the first fault is kept.
func (c *collector) RecordFault(err error) {
	select {
	case c.faults <- err:
	default:
	}
}

func (c *collector) Record(report crawler.JobReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[report.Job.ID] = report
}

func (c *collector) get(id string) (crawler.JobReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[id]
	return r, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
