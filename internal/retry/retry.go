// Package retry runs a single job's fetch attempts with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/activity"
	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/metrics"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// DefaultConfig is one attempt plus three retries, 1s doubling up to 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   4,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.New("retry.max_attempts must be >= 1")
	case c.BaseDelay < 0:
		return errors.New("retry.base_delay must be >= 0")
	case c.BackoffFactor <= 1:
		return errors.New("retry.backoff_factor must be > 1")
	case c.MaxDelay < c.BaseDelay:
		return errors.New("retry.max_delay must be >= retry.base_delay")
	}
	return nil
}

// AttemptFunc performs attempt number n (1-based).
type AttemptFunc func(ctx context.Context, n int) (crawler.Extraction, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result is what a retry loop produced. Extraction is nil when the job was
// challenged or failed.
type Result struct {
	Extraction *crawler.Extraction
	Attempts   int
	Challenged bool
}

// Retrier executes AttemptFuncs under a Config.
type Retrier struct {
	cfg      Config
	sleep    SleepFunc
	logger   *zap.Logger
	activity activity.Emitter
}

// Option customizes a Retrier.
type Option func(*Retrier)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithActivity emits attempt and retry events to emitter.
func WithActivity(emitter activity.Emitter) Option {
	return func(r *Retrier) { r.activity = emitter }
}

// New validates cfg and builds a Retrier.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Retrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{cfg: cfg, sleep: sleepCtx, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the active configuration.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Backoff returns min(BaseDelay * BackoffFactor^(attempts-1), MaxDelay),
// where attempts is the number of attempts already made.
func (r *Retrier) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempts-1))
	if delay > float64(r.cfg.MaxDelay) || math.IsInf(delay, 0) {
		return r.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, reports a challenge, or exhausts MaxAttempts.
// A challenge returns a Result with Challenged set and a nil error. The
// returned error wraps the last attempt's error.
func (r *Retrier) Do(ctx context.Context, job crawler.Job, fn AttemptFunc) (Result, error) {
	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	for attempt := 1; ; attempt++ {
		logger.Info("fetch attempt", zap.Int("attempt", attempt), zap.Int("max_attempts", r.cfg.MaxAttempts))
		r.emit(activity.KindAttempt, job, attempt,
			fmt.Sprintf("Attempt %d/%d for %s", attempt, r.cfg.MaxAttempts, job.URL))

		extraction, err := fn(ctx, attempt)
		if err == nil {
			metrics.ObserveAttempt("success")
			return Result{Extraction: &extraction, Attempts: attempt}, nil
		}

		if errors.Is(err, crawler.ErrChallengeDetected) {
			metrics.ObserveAttempt("challenge")
			logger.Warn("challenge detected, abandoning job", zap.Int("attempt", attempt))
			r.emit(activity.KindChallenge, job, attempt, "CAPTCHA detected for "+job.URL)
			return Result{Attempts: attempt, Challenged: true}, nil
		}

		if errors.Is(err, crawler.ErrPolicyDenied) {
			metrics.ObserveAttempt("denied")
			logger.Warn("fetch denied by policy", zap.Int("attempt", attempt), zap.Error(err))
			r.emit(activity.KindRetry, job, attempt, fmt.Sprintf("Skipping %s: %v", job.URL, err))
			return Result{Attempts: attempt}, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		metrics.ObserveAttempt("error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("fetch aborted", zap.Int("attempt", attempt), zap.Error(err))
			return Result{Attempts: attempt}, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if attempt >= r.cfg.MaxAttempts {
			logger.Error("retries exhausted", zap.Int("attempt", attempt), zap.Error(err))
			r.emit(activity.KindRetry, job, attempt,
				fmt.Sprintf("Giving up on %s after %d attempts: %v", job.URL, attempt, err))
			return Result{Attempts: attempt}, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		delay := r.Backoff(attempt)
		metrics.ObserveRetry()
		logger.Warn("fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.emit(activity.KindRetry, job, attempt,
			fmt.Sprintf("Retry %d for %s in %s: %v", attempt, job.URL, delay, err))
		if err := r.sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt}, fmt.Errorf("backoff after attempt %d: %w", attempt, err)
		}
	}
}

func (r *Retrier) emit(kind activity.Kind, job crawler.Job, attempt int, msg string) {
	if r.activity == nil {
		return
	}
	r.activity.Emit(activity.Event{
		TS:      time.Now().UTC(),
		Kind:    kind,
		BatchID: job.BatchID,
		JobID:   job.ID,
		URL:     job.URL,
		Attempt: attempt,
		Message: msg,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
