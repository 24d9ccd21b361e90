// Package server builds the application's dependency graph from Config and
// owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/activity"
	"github.com/JakeFAU/product-scraper/internal/activity/sinks"
	"github.com/JakeFAU/product-scraper/internal/api"
	"github.com/JakeFAU/product-scraper/internal/challenge"
	"github.com/JakeFAU/product-scraper/internal/clock/system"
	"github.com/JakeFAU/product-scraper/internal/config"
	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/discovery"
	"github.com/JakeFAU/product-scraper/internal/dispatcher"
	"github.com/JakeFAU/product-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/product-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/product-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/product-scraper/internal/hash/sha256"
	"github.com/JakeFAU/product-scraper/internal/id/uuid"
	"github.com/JakeFAU/product-scraper/internal/logging"
	"github.com/JakeFAU/product-scraper/internal/orchestrator"
	"github.com/JakeFAU/product-scraper/internal/policy"
	"github.com/JakeFAU/product-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/product-scraper/internal/policy/robots"
	memorypublisher "github.com/JakeFAU/product-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/product-scraper/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/product-scraper/internal/queue/memory"
	queueRedis "github.com/JakeFAU/product-scraper/internal/queue/redis"
	queueSQLite "github.com/JakeFAU/product-scraper/internal/queue/sqlite"
	"github.com/JakeFAU/product-scraper/internal/retry"
	gcsstorage "github.com/JakeFAU/product-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/product-scraper/internal/storage/local"
	memoryStorage "github.com/JakeFAU/product-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/product-scraper/internal/storage/postgres"
	"github.com/JakeFAU/product-scraper/internal/telemetry"
	"github.com/JakeFAU/product-scraper/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	hub          *activity.Hub
	checks       map[string]api.Pinger

	redis          *goredis.Client
	sqlite         *queueSQLite.Store
	products       *pgstore.ProductStore
	storage        *storage.Client
	publisher      *gcppublisher.Publisher
	headless       *headlessfetcher.Fetcher
	tracerShutdown telemetry.ShutdownFunc

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("fetch_mode", cfg.Crawler.FetchMode),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	app = &App{cfg: cfg, logger: logger, checks: map[string]api.Pinger{}}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = app.Close(closeCtx)
			app = nil
		}
	}()

	app.tracerShutdown, err = telemetry.InitTracing(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	ids := uuid.New()
	clock := system.New()

	queues, err := app.setupQueue(ctx)
	if err != nil {
		return app, err
	}
	emitter, err := app.setupActivity()
	if err != nil {
		return app, err
	}
	products, err := app.setupProducts(ctx, ids)
	if err != nil {
		return app, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return app, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return app, err
	}
	fetcher, err := app.setupFetcher()
	if err != nil {
		return app, err
	}

	retrier, err := retry.New(retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		MaxDelay:      cfg.Retry.MaxDelay,
	}, logger.Named("retry"), retry.WithActivity(emitter))
	if err != nil {
		return app, fmt.Errorf("retry init failed: %w", err)
	}

	deps := worker.Deps{
		Fetcher:   fetcher,
		Detector:  challenge.NewDetector(challenge.Config{Signatures: cfg.Challenge.Signatures, Selectors: cfg.Challenge.Selectors}),
		Extractor: extract.NewProductExtractor(extract.DefaultSelectors(), clock),
		Retrier:   retrier,
		Products:  products,
		Blobs:     blobs,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     clock,
		Activity:  emitter,
	}
	var limiter crawler.Policy
	if cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
			Domains: cfg.RateLimit.DomainRates(),
		})
		logger.Info("rate limiting enabled", zap.Float64("rps", cfg.RateLimit.RPS))
	}
	var gate crawler.Policy
	if cfg.Robots.Respect || len(cfg.Robots.Blocklist) > 0 {
		gate = robots.New(robots.Config{
			Respect:   cfg.Robots.Respect,
			UserAgent: cfg.Robots.UserAgent,
			Timeout:   cfg.Robots.Timeout,
			Blocklist: cfg.Robots.Blocklist,
		}, nil, logger.Named("robots"))
		logger.Info("fetch gate enabled", zap.Bool("robots", cfg.Robots.Respect), zap.Int("blocked_hosts", len(cfg.Robots.Blocklist)))
	}
	// Denied URLs must not consume rate-limit tokens.
	deps.Policy = policy.Compose(gate, limiter)
	workerCfg := worker.Config{
		IdleInterval:   cfg.Crawler.IdleInterval,
		FetchTimeout:   cfg.HTTP.Timeout,
		SnapshotPrefix: cfg.Storage.Prefix,
		ContentType:    cfg.Storage.ContentType,
		Topic:          cfg.PubSub.TopicName,
	}
	pool, err := dispatcher.NewPool(cfg.Crawler.Concurrency, deps, workerCfg, logger.Named("worker"))
	if err != nil {
		return app, fmt.Errorf("worker pool init failed: %w", err)
	}

	discoverer, err := discovery.NewSearchDiscoverer(discovery.Config{
		BaseURL:    cfg.Crawler.BaseURL,
		UserAgents: cfg.Crawler.UserAgents,
		Timeout:    cfg.HTTP.Timeout,
		Transport:  collyfetcher.NewTransport(),
	}, logger.Named("discovery"))
	if err != nil {
		return app, fmt.Errorf("discovery init failed: %w", err)
	}

	app.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Discoverer: discoverer,
		Queues:     queues,
		Pool:       pool,
		IDs:        ids,
		Clock:      clock,
		Activity:   emitter,
	}, orchestrator.Config{
		BatchLimit:    cfg.Crawler.BatchLimit,
		MaxBatchLimit: cfg.Crawler.MaxBatchLimit,
		EnqueueDelay:  cfg.Crawler.EnqueueDelay,
		DrainPoll:     cfg.Crawler.DrainPollInterval,
	}, logger.Named("orchestrator"))
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.orchestrator, cfg, logger.Named("api"), app.checks)
	return app, nil
}

// Orchestrator exposes the batch runner.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Scrape runs one batch outside the HTTP server.
func (a *App) Scrape(ctx context.Context, req orchestrator.Request) (orchestrator.BatchResult, error) {
	return a.orchestrator.Run(ctx, req)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// shuts down within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close flushes activity and releases every client. It is safe on a
// partially built App, and later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.products != nil {
		a.products.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite close: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) redisClient() *goredis.Client {
	if a.redis == nil {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return a.redis
}

func (a *App) setupQueue(ctx context.Context) (crawler.QueueFactory, error) {
	switch a.cfg.Queue.Backend {
	case config.QueueRedis:
		a.logger.Info("using redis queue backend", zap.String("addr", a.cfg.Redis.Addr), zap.String("prefix", a.cfg.Queue.Prefix))
		return queueRedis.NewFactory(a.redisClient(), queueRedis.Config{
			Prefix:    a.cfg.Queue.Prefix,
			Retention: a.cfg.Queue.RedisRetention,
		}), nil
	case config.QueueSQLite:
		a.logger.Info("using sqlite queue backend", zap.String("path", a.cfg.Queue.SQLitePath))
		store, err := queueSQLite.Open(ctx, a.cfg.Queue.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite queue init failed: %w", err)
		}
		a.sqlite = store
		a.checks["sqlite"] = store
		return store, nil
	default:
		a.logger.Info("using in-memory queue backend")
		return queueMemory.NewFactory(), nil
	}
}

func (a *App) setupActivity() (activity.Emitter, error) {
	sinkList := []activity.Sink{sinks.NewLogSink(a.logger.Named("activity"))}
	metricsSink, err := sinks.NewMetricsSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("activity metrics sink init failed: %w", err)
	}
	sinkList = append(sinkList, metricsSink)
	if a.cfg.ActivityRedisEnabled() {
		redisSink, err := sinks.NewRedisSink(a.redisClient(), a.cfg.Activity.RedisList, a.cfg.Activity.RedisMaxLen)
		if err != nil {
			return nil, fmt.Errorf("activity redis sink init failed: %w", err)
		}
		sinkList = append(sinkList, redisSink)
		a.logger.Debug("activity lines mirrored to redis", zap.String("list", a.cfg.Activity.RedisList))
	}
	a.hub = activity.NewHub(activity.Config{
		BufferSize:  a.cfg.Activity.BufferSize,
		FlushEvents: a.cfg.Activity.FlushEvents,
		FlushEvery:  a.cfg.Activity.FlushEvery,
	}, a.logger.Named("activity_hub"), sinkList...)
	return a.hub, nil
}

func (a *App) setupProducts(ctx context.Context, ids crawler.IDGenerator) (crawler.ProductStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping products in memory")
		return memoryStorage.NewProductStore(ids), nil
	}
	store, err := pgstore.NewProductStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, ids)
	if err != nil {
		return nil, fmt.Errorf("product store init failed: %w", err)
	}
	a.products = store
	a.checks["postgres"] = store
	if a.cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("product schema init failed: %w", err)
		}
	}
	a.logger.Info("product store initialized", zap.String("table", a.cfg.Database.Table))
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.StorageLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	case config.StorageNone:
		a.logger.Info("page snapshots disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.Dial(ctx, gcppublisher.Config{
		ProjectID:   a.cfg.PubSub.ProjectID,
		VerifyTopic: a.cfg.PubSub.VerifyTopic,
	}, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupFetcher() (crawler.Fetcher, error) {
	if a.cfg.Crawler.FetchMode == config.FetchModeHTTP {
		a.logger.Info("using colly fetcher")
		return collyfetcher.New(collyfetcher.Config{
			UserAgents: a.cfg.Crawler.UserAgents,
			Timeout:    a.cfg.HTTP.Timeout,
		}), nil
	}
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		WSEndpoint:        a.cfg.Headless.WSEndpoint,
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgents:        a.cfg.Crawler.UserAgents,
		NavigationTimeout: a.cfg.HTTP.Timeout,
		SettleDelay:       a.cfg.Headless.SettleDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = f
	a.logger.Info("using headless fetcher",
		zap.Bool("remote_browser", f.Remote()),
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
	)
	return f, nil
}
