// Package worker leases product jobs from a queue and runs the
// fetch, detect, extract, and persist pipeline for each one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/activity"
	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/metrics"
	"github.com/JakeFAU/product-scraper/internal/retry"
)

// Config controls Worker behavior.
type Config struct {
	// IdleInterval is how long an idle worker waits before polling a queue
	// that cannot signal changes.
	IdleInterval time.Duration
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout   time.Duration
	SnapshotPrefix string
	ContentType    string
	// Topic receives ProductSaved events. Empty disables publishing.
	Topic string
}

const (
	defaultIdleInterval = 100 * time.Millisecond
	defaultFetchTimeout = 60 * time.Second
	defaultContentType  = "text/html; charset=utf-8"
)

var tracer = otel.Tracer("github.com/JakeFAU/product-scraper/internal/worker")

// Deps are the collaborators a Worker drives. Fetcher, Extractor, and
// Retrier are required; the rest are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Detector  crawler.ChallengeDetector
	Extractor crawler.Extractor
	Retrier   *retry.Retrier
	Policy    crawler.Policy
	Products  crawler.ProductStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Activity  activity.Emitter
}

// Worker holds no per-batch state, so one Worker may serve many queues.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and fills Config defaults.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("worker: extractor is required")
	case deps.Retrier == nil:
		return nil, errors.New("worker: retrier is required")
	case deps.Blobs != nil && deps.Hasher == nil:
		return nil, errors.New("worker: hasher is required with a blob store")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Activity == nil {
		deps.Activity = activity.Nop{}
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{id: id, deps: deps, cfg: cfg, logger: logger.With(zap.Int("worker", id))}, nil
}

// ID returns the worker's index in its pool.
func (w *Worker) ID() int {
	return w.id
}

// Run leases and processes jobs from q until ctx is done or q is closed.
// Every leased job is acknowledged exactly once and reported to sink. Lease
// failures against an unavailable backend go to sink when it is a
// crawler.FaultSink.
func (w *Worker) Run(ctx context.Context, q crawler.Queue, sink crawler.ResultSink) {
	watcher, _ := q.(crawler.Watcher)
	for ctx.Err() == nil {
		var wake <-chan struct{}
		if watcher != nil {
			wake = watcher.Watch()
		}
		job, ok, err := q.Lease(ctx)
		switch {
		case err != nil && (ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed)):
			return
		case err != nil:
			w.logger.Error("queue lease failed", zap.Error(err))
			if fs, ok := sink.(crawler.FaultSink); ok && errors.Is(err, crawler.ErrQueueUnavailable) {
				fs.RecordFault(err)
			}
			w.idle(ctx, nil)
		case !ok:
			w.idle(ctx, wake)
		default:
			w.process(ctx, q, sink, job)
		}
	}
}

// idle waits for a queue change, the idle interval, or cancellation.
func (w *Worker) idle(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(w.cfg.IdleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (w *Worker) process(ctx context.Context, q crawler.Queue, sink crawler.ResultSink, job crawler.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("batch_id", job.BatchID),
		attribute.String("job_id", job.ID),
		attribute.String("url", job.URL),
	))
	defer span.End()

	logger := w.logger.With(
		zap.String("batch_id", job.BatchID),
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
	)
	logger.Info("job leased")

	res, err := w.deps.Retrier.Do(ctx, job, func(ctx context.Context, n int) (crawler.Extraction, error) {
		return w.attempt(ctx, job, n)
	})

	report := crawler.JobReport{Job: job}
	report.Job.Attempts = max(job.Attempts, res.Attempts)
	outcome := crawler.OutcomeSuccess
	switch {
	case err != nil:
		outcome = crawler.OutcomeFailure
		report.Err = err
		report.Job.LastError = err.Error()
	case res.Challenged:
		report.Challenged = true
	default:
		product, warn := w.persist(ctx, job, *res.Extraction)
		report.Product = &product
		report.Warning = warn
	}

	// Ack must land even when the pool is being torn down.
	if ackErr := q.Ack(context.WithoutCancel(ctx), report.Job, outcome); ackErr != nil {
		logger.Error("job ack failed", zap.Stringer("outcome", outcome), zap.Error(ackErr))
	}
	report.Job.Status = outcome.Status()
	span.SetAttributes(
		attribute.Int("attempts", report.Job.Attempts),
		attribute.Bool("challenged", report.Challenged),
	)
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, "job failed")
	}
	w.observe(logger, report)
	if sink != nil {
		sink.Record(report)
	}
}

// attempt is one pass of wait, fetch, detect, and extract.
func (w *Worker) attempt(ctx context.Context, job crawler.Job, _ int) (crawler.Extraction, error) {
	if w.deps.Policy != nil {
		if err := w.deps.Policy.Wait(ctx, job.URL); err != nil {
			return crawler.Extraction{}, err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	page, err := w.deps.Fetcher.Fetch(fetchCtx, job.URL)
	metrics.ObserveFetch(job.URL, time.Since(start))
	if err != nil {
		return crawler.Extraction{}, err
	}

	if w.deps.Detector != nil && w.deps.Detector.IsChallenge(page) {
		metrics.ObserveChallenge(job.URL)
		return crawler.Extraction{}, fmt.Errorf("%s: %w", job.URL, crawler.ErrChallengeDetected)
	}

	product, err := w.deps.Extractor.Extract(page)
	if err != nil {
		return crawler.Extraction{}, err
	}
	if product.URL == "" {
		product.URL = job.URL
	}
	return crawler.Extraction{Product: product, Page: page}, nil
}

// persist stores the snapshot and product and publishes the saved event.
// Failures are returned as warnings; the product is still a result.
func (w *Worker) persist(ctx context.Context, job crawler.Job, ext crawler.Extraction) (crawler.Product, error) {
	product := ext.Product
	var warnings []error

	if w.deps.Blobs != nil {
		uri, err := w.storeSnapshot(ctx, job, ext.Page.Body)
		if err != nil {
			warnings = append(warnings, &crawler.PersistenceError{URL: job.URL, Op: "snapshot", Err: err})
		} else {
			product.SnapshotURI = uri
		}
	}

	if w.deps.Products == nil {
		return product, errors.Join(warnings...)
	}
	exists, err := w.deps.Products.Exists(ctx, product.URL)
	if err != nil {
		warnings = append(warnings, &crawler.PersistenceError{URL: job.URL, Op: "exists", Err: err})
		return product, errors.Join(warnings...)
	}
	if exists {
		w.emit(activity.KindPersist, job, "Product already exists for "+product.URL)
		return product, errors.Join(warnings...)
	}
	id, err := w.deps.Products.Save(ctx, product)
	if err != nil {
		warnings = append(warnings, &crawler.PersistenceError{URL: job.URL, Op: "save", Err: err})
		w.emit(activity.KindPersist, job, fmt.Sprintf("Failed to save product for %s: %v", product.URL, err))
		return product, errors.Join(warnings...)
	}
	product.ID = id
	w.emit(activity.KindPersist, job, fmt.Sprintf("Saved product for %s: %s", product.URL, id))

	if w.deps.Publisher != nil && w.cfg.Topic != "" {
		event := crawler.ProductSaved{
			ProductID:   id,
			BatchID:     job.BatchID,
			JobID:       job.ID,
			URL:         product.URL,
			Title:       product.Title,
			Price:       product.Price,
			SnapshotURI: product.SnapshotURI,
			SavedAt:     w.deps.Clock.Now(),
		}
		if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
			warnings = append(warnings, &crawler.PersistenceError{URL: job.URL, Op: "publish", Err: err})
		}
	}
	return product, errors.Join(warnings...)
}

func (w *Worker) storeSnapshot(ctx context.Context, job crawler.Job, body []byte) (string, error) {
	digest, err := w.deps.Hasher.Hash([]byte(job.URL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.snapshotPath(job.BatchID, digest), w.cfg.ContentType, body)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) snapshotPath(batchID, digest string) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", batchID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, batchID, digest)
}

func (w *Worker) observe(logger *zap.Logger, report crawler.JobReport) {
	job := report.Job
	switch {
	case report.Err != nil:
		metrics.ObserveJob("failed")
		logger.Error("job failed", zap.Int("attempts", job.Attempts), zap.Error(report.Err))
		w.emit(activity.KindJobFailed, job, fmt.Sprintf("Failed to scrape %s: %v", job.URL, report.Err))
	case report.Challenged:
		metrics.ObserveJob("challenged")
		logger.Warn("job completed without data: challenge page", zap.Int("attempts", job.Attempts))
		w.emit(activity.KindJobDone, job, fmt.Sprintf("CAPTCHA triggered for %s - skipping", job.URL))
	default:
		metrics.ObserveJob("completed")
		fields := []zap.Field{zap.Int("attempts", job.Attempts), zap.String("title", report.Product.Title)}
		if report.Warning != nil {
			logger.Warn("job completed with persistence warning", append(fields, zap.Error(report.Warning))...)
		} else {
			logger.Info("job completed", fields...)
		}
		w.emit(activity.KindJobDone, job, fmt.Sprintf("Scraped %s: %s", job.URL, report.Product.Title))
	}
}

func (w *Worker) emit(kind activity.Kind, job crawler.Job, msg string) {
	w.deps.Activity.Emit(activity.Event{
		TS:      w.deps.Clock.Now(),
		Kind:    kind,
		BatchID: job.BatchID,
		JobID:   job.ID,
		URL:     job.URL,
		Attempt: job.Attempts,
		Message: msg,
	})
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
