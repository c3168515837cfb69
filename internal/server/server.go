// Package server builds the scraper service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/api"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/config"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/coordinator"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
	eventsinks "github.com/Yukselcsgn/dynamic-web-scraper/internal/events/sinks"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/fetcher"
	collyfetcher "github.com/Yukselcsgn/dynamic-web-scraper/internal/fetcher/colly"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/fetcher/detector"
	headlessfetcher "github.com/Yukselcsgn/dynamic-web-scraper/internal/fetcher/headless"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/id/uuid"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/metrics"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/policy/backoff"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/policy/ratelimit"
	gcppublisher "github.com/Yukselcsgn/dynamic-web-scraper/internal/publisher/pubsub"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/queue"
	filestore "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/file"
	gcsstorage "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/gcs"
	localstorage "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/local"
	memorystorage "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/memory"
	pgstore "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/postgres"
	sqlitestore "github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/sqlite"
)

// Options override collaborators, mostly for tests.
type Options struct {
	// Registerer receives the queue collector and event counters; defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Fetcher replaces the colly/chromedp pipeline.
	Fetcher crawler.Fetcher
	// Publisher replaces the Pub/Sub client for lifecycle events.
	Publisher crawler.Publisher
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	store      crawler.JobStore
	queue      *queue.Queue
	pool       *coordinator.Coordinator
	hub        *events.Hub
	apiServer  *api.Server
	collector  prometheus.Collector
	headless   *headlessfetcher.Fetcher
	gcsClient  *storage.Client
	pubsubConn *gcppublisher.Publisher
}

// Build creates the application's dependencies. Nothing is started; Run starts the
// worker pool and the HTTP server.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	app := &App{cfg: cfg, logger: logger, registerer: opts.Registerer}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blobs_backend", cfg.Blobs.Backend),
		zap.Int("workers", cfg.Pool.WorkerCount),
	)

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil {
		if publisher, err = setupPublisher(ctx, app); err != nil {
			return nil, err
		}
	}
	if app.hub, err = setupEvents(app, publisher); err != nil {
		return nil, err
	}

	maxRetries := cfg.Queue.MaxRetries
	app.queue, err = queue.Open(ctx, app.store, queue.Options{
		MaxRetries: &maxRetries,
		JobTimeout: cfg.Queue.JobTimeout,
		Clock:      clock.System{},
		IDs:        uuid.New(),
		Events:     app.hub,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}

	fetch := opts.Fetcher
	if fetch == nil {
		if fetch, err = setupFetcher(ctx, app); err != nil {
			return nil, err
		}
	}

	app.pool = coordinator.New(
		app.queue,
		fetch,
		backoff.NewExponential(cfg.Pool.BackoffBase, cfg.Pool.BackoffMax, cfg.Pool.BackoffJitter),
		coordinator.Config{
			PollInterval:     cfg.Pool.PollInterval,
			ReclaimInterval:  cfg.Queue.ReclaimInterval,
			FetchTimeout:     cfg.Pool.FetchTimeout,
			MaxJobsPerWorker: cfg.Pool.MaxJobsPerWorker,
		},
		logger.Named("pool"),
	)

	collector := metrics.NewQueueCollector(app.queue)
	if err = opts.Registerer.Register(collector); err != nil {
		return nil, fmt.Errorf("register queue collector: %w", err)
	}
	app.collector = collector

	app.apiServer = api.NewServer(app.queue, app.pool, cfg, logger)
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Queue returns the job queue.
func (a *App) Queue() *queue.Queue {
	return a.queue
}

// Pool returns the worker pool.
func (a *App) Pool() *coordinator.Coordinator {
	return a.pool
}

// Run starts the workers and the HTTP server and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives, then drains the pool and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.pool.Start(ctx, a.cfg.Pool.WorkerCount); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownTimeout := a.cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close drains the worker pool within the configured drain timeout and releases every
// dependency. It is safe to call on an App whose pool never started.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil && a.pool.Running() {
		drainCtx := ctx
		if a.cfg.Pool.DrainTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, a.cfg.Pool.DrainTimeout)
			defer cancel()
		}
		if err := a.pool.Stop(drainCtx, true); err != nil {
			a.logger.Warn("worker pool drain incomplete", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.collector != nil {
		a.registerer.Unregister(a.collector)
		a.collector = nil
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubConn != nil {
		if err := a.pubsubConn.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubConn = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("job store close failed", zap.Error(err))
		}
		a.store = nil
	}
}

func setupStore(ctx context.Context, app *App) (crawler.JobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendMemory:
		app.logger.Warn("using in-memory job store; jobs do not survive a restart")
		return memorystorage.NewJobStore(), nil
	case config.BackendFile:
		store, err := filestore.New(filestore.Config{Dir: cfg.File.Dir}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("file job store init failed: %w", err)
		}
		app.logger.Info("using file job store", zap.String("dir", cfg.File.Dir))
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLite.Path}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite job store init failed: %w", err)
		}
		counts, err := store.CountByStatus(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("sqlite job store count failed: %w", err)
		}
		app.logger.Info("using sqlite job store",
			zap.String("path", cfg.SQLite.Path), zap.Any("rows_by_status", counts))
		return store, nil
	case config.BackendPostgres:
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		app.logger.Info("using postgres job store", zap.String("table", cfg.Postgres.Table))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, lifecycle events stay local")
		return nil, nil
	}
	conn, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubConn = conn
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return conn, nil
}

func setupEvents(app *App, publisher crawler.Publisher) (*events.Hub, error) {
	cfg := app.cfg.Events
	var sinkList []events.Sink
	if cfg.LogEnabled {
		sinkList = append(sinkList, eventsinks.NewLogSink(app.logger.Named("events")))
	}
	promSink, err := eventsinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return nil, fmt.Errorf("event metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if publisher != nil && app.cfg.PubSub.TopicName != "" {
		sinkList = append(sinkList, eventsinks.NewPublisherSink(publisher, app.cfg.PubSub.TopicName))
	}
	hub := events.NewHub(events.HubConfig{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		Logger:         app.logger.Named("event_hub"),
	}, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Duration("max_batch_wait", cfg.MaxBatchWait),
	)
	return hub, nil
}

func setupBlobs(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Blobs
	switch cfg.Backend {
	case config.BlobsGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving pages to GCS", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.BlobsLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving pages locally", zap.String("path", cfg.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("page archiving disabled")
		return nil, nil
	}
}

func setupFetcher(ctx context.Context, app *App) (crawler.Fetcher, error) {
	cfg := app.cfg
	blobs, err := setupBlobs(ctx, app)
	if err != nil {
		return nil, err
	}

	deps := fetcher.Deps{
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetcher.UserAgent,
			RespectRobots: cfg.Fetcher.RespectRobots,
			Timeout:       cfg.Fetcher.Timeout,
			MaxBodySize:   cfg.Fetcher.MaxBodyBytes,
		}),
		Detector: detector.NewHeuristic(cfg.Fetcher.DetectorThreshold),
		Blobs:    blobs,
	}
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Fetcher.UserAgent))

	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = headless
		deps.Headless = headless
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	} else {
		deps.Headless = headlessfetcher.NewNoop()
	}

	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			DomainRPS:    cfg.RateLimit.Domains,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
			zap.Int("domain_overrides", len(cfg.RateLimit.Domains)),
		)
	}

	pipeline, err := fetcher.New(deps, fetcher.Config{
		ContentType:     cfg.Blobs.ContentType,
		BlobPrefix:      cfg.Blobs.Prefix,
		PromoteHeadless: cfg.Fetcher.PromoteHeadless && cfg.Headless.Enabled,
		BlockedDomains:  cfg.Fetcher.BlockedDomains,
		MaxInlineBody:   cfg.Fetcher.MaxInlineBody,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch pipeline init failed: %w", err)
	}
	return pipeline, nil
}
