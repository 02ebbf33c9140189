// Package server builds the application graph and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/dealscan/internal/api"
	"github.com/JakeFAU/dealscan/internal/batchfilter"
	"github.com/JakeFAU/dealscan/internal/browser"
	"github.com/JakeFAU/dealscan/internal/callgate"
	"github.com/JakeFAU/dealscan/internal/clock/system"
	"github.com/JakeFAU/dealscan/internal/config"
	"github.com/JakeFAU/dealscan/internal/id/uuid"
	"github.com/JakeFAU/dealscan/internal/logging"
	"github.com/JakeFAU/dealscan/internal/market/cache"
	"github.com/JakeFAU/dealscan/internal/market/headless"
	"github.com/JakeFAU/dealscan/internal/market/httpmarket"
	"github.com/JakeFAU/dealscan/internal/metrics"
	"github.com/JakeFAU/dealscan/internal/oracle/openai"
	"github.com/JakeFAU/dealscan/internal/pipeline"
	"github.com/JakeFAU/dealscan/internal/progress"
	progresssinks "github.com/JakeFAU/dealscan/internal/progress/sinks"
	"github.com/JakeFAU/dealscan/internal/publisher"
	memorypublisher "github.com/JakeFAU/dealscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/dealscan/internal/publisher/pubsub"
	"github.com/JakeFAU/dealscan/internal/scheduler"
	"github.com/JakeFAU/dealscan/internal/session"
	"github.com/JakeFAU/dealscan/internal/source/marketplace"
	"github.com/JakeFAU/dealscan/internal/storage"
	gcsstorage "github.com/JakeFAU/dealscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/dealscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/dealscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/dealscan/internal/storage/postgres"
	"github.com/JakeFAU/dealscan/internal/store"
	"github.com/JakeFAU/dealscan/internal/telemetry"
)

// notificationTopic labels run summaries on the in-memory publisher.
const notificationTopic = "dealscan-runs"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *session.Registry
	pool     *browser.Pool
	runner   *pipeline.Runner
	runRepo  store.RunRepository

	apiServer      *api.Server
	progressHub    *progress.Hub
	redisCache     *cache.Redis
	pubsub         *gcppublisher.Publisher
	gcs            *gcsclient.Client
	pgStore        *pgstore.RunStore
	tracerShutdown func(context.Context) error
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Streamer returns the scan pipeline.
func (a *App) Streamer() api.Streamer { return a.runner }

// CancelCurrent cancels the active run, if any.
func (a *App) CancelCurrent() bool { return a.registry.CancelCurrent() }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	if err := cfg.RequirePipelineDeps(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Evaluation.Workers),
		zap.String("market_backend", cfg.Market.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	metrics.Init()
	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	factory := browser.NewChromeFactory(browser.ChromeConfig{
		Headless:      cfg.Browser.Headless,
		UserAgent:     cfg.Browser.UserAgent,
		BaseDebugPort: cfg.Browser.BaseDebugPort,
		ProfileRoot:   cfg.Browser.ProfileRoot,
		StartTimeout:  cfg.Browser.NavigationTimeout,
	})
	app.pool, err = browser.NewPool(factory, browser.Config{
		Size:          cfg.Browser.PoolSize,
		CreateRetries: cfg.Browser.CreateRetries,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}

	app.registry = session.NewRegistry(session.Config{
		CleanupTimeout: cfg.Session.CleanupTimeout,
		Pool:           app.pool,
		Sweep:          setupSweep(app, factory),
		NewID:          uuid.New().RunID,
		Logger:         logger,
	})

	comparator, err := setupComparator(app)
	if err != nil {
		return nil, err
	}

	source, err := marketplace.New(marketplace.Config{
		SearchURL:   cfg.Source.SearchURL,
		Selectors:   cfg.Source.Selectors,
		LoginMarker: cfg.Source.LoginMarker,
		Cookie:      cfg.Source.Cookie,
		UserAgent:   cfg.Browser.UserAgent,
		Timeout:     cfg.Source.Timeout,
		MaxPages:    cfg.Source.MaxPages,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("listing source init failed: %w", err)
	}

	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	events := setupProgress(ctx, app)

	archiver, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	notifier, err := setupNotifier(ctx, app)
	if err != nil {
		return nil, err
	}

	app.runner, err = pipeline.NewRunner(pipeline.Config{
		Registry:   app.registry,
		Source:     source,
		Comparator: comparator,
		Scheduler: scheduler.New(scheduler.Config{
			Workers:     cfg.Evaluation.Workers,
			StartDelay:  cfg.Evaluation.StartDelay,
			WaitTimeout: cfg.Evaluation.WaitTimeout,
			OnCancel:    app.pool.ForceCloseAll,
			Logger:      logger,
		}),
		Pool:         app.pool,
		Events:       events,
		Archiver:     archiver,
		Notifier:     notifier,
		PollInterval: cfg.Session.PollInterval,
		Clock:        system.New(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.runner, app.registry, app.runRepo, *cfg, logger)
	ok = true
	return app, nil
}

// setupSweep returns the lingering-browser cleanup hook, or nil when it is
// disabled.
func setupSweep(app *App, factory *browser.ChromeFactory) func() error {
	if !app.cfg.Session.KillLingering {
		return nil
	}
	size := app.cfg.Browser.PoolSize
	sweeper := &browser.Sweeper{
		Ports:       factory.Ports(size),
		ProfileDirs: factory.ProfileDirs(size),
		Logger:      app.logger.Named("sweeper"),
	}
	return sweepHook(app.pool, sweeper, app.logger)
}

// sweepHook force-closes the pool before sweeping. The sweeper matches the
// pool's own debugging ports, so any handle left in the pool would otherwise
// point at a killed browser.
func sweepHook(pool session.ForceCloser, sweeper *browser.Sweeper, logger *zap.Logger) func() error {
	return func() error {
		pool.ForceCloseAll()
		killed, err := sweeper.Sweep()
		if killed > 0 {
			logger.Info("killed lingering browser processes", zap.Int("count", killed))
		}
		return err
	}
}

func setupComparator(app *App) (*pipeline.Comparator, error) {
	cfg := app.cfg
	gate := callgate.New(callgate.Config{
		MaxConcurrent:     cfg.Gate.MaxConcurrent,
		MaxRetries:        cfg.Gate.MaxRetries,
		NoRetry:           cfg.Gate.MaxRetries == 0,
		InitialDelay:      cfg.Gate.InitialDelay,
		Multiplier:        cfg.Gate.Multiplier,
		RetryBuffer:       cfg.Gate.RetryBuffer,
		PollInterval:      cfg.Gate.PollInterval,
		RequestsPerSecond: cfg.Gate.RequestsPerSecond,
		Burst:             cfg.Gate.Burst,
		Logger:            app.logger,
	})
	oracle, err := openai.NewFromConfig(openai.Config{
		APIKey:          cfg.Oracle.APIKey,
		BaseURL:         cfg.Oracle.BaseURL,
		Model:           cfg.Oracle.Model,
		MaxOutputTokens: cfg.Oracle.MaxOutputTokens,
		Enrich:          cfg.Oracle.Enrich,
		ReconModel:      cfg.Oracle.ReconModel,
		Logger:          app.logger,
	}, gate)
	if err != nil {
		return nil, fmt.Errorf("oracle init failed: %w", err)
	}

	var market pipeline.MarketSource
	switch cfg.Market.Backend {
	case config.MarketHTTP:
		market = httpmarket.New(httpmarket.Config{
			SearchURL: cfg.Market.SearchURL,
			Selectors: cfg.Market.Selectors,
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Browser.NavigationTimeout,
		})
	default:
		market = headless.New(headless.Config{
			SearchURL:         cfg.Market.SearchURL,
			Selectors:         cfg.Market.Selectors,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			Logger:            app.logger,
		})
	}
	app.logger.Info("market source configured", zap.String("backend", cfg.Market.Backend))

	var prices pipeline.PriceCache
	switch cfg.Market.Cache.Backend {
	case config.CacheRedis:
		app.redisCache, err = cache.NewRedis(cfg.Market.Cache.RedisAddr, cfg.Market.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		prices = app.redisCache
		app.logger.Info("using redis market cache", zap.String("addr", cfg.Market.Cache.RedisAddr))
	default:
		prices = cache.NewMemory(cfg.Market.Cache.TTL, system.New())
		app.logger.Info("using in-memory market cache", zap.Duration("ttl", cfg.Market.Cache.TTL))
	}

	comparator, err := pipeline.NewComparator(pipeline.ComparatorConfig{
		Queries: oracle,
		Market:  market,
		Cache:   prices,
		Pool:    app.pool,
		Filter: batchfilter.New(batchfilter.Config{
			BatchSize:     cfg.Filter.BatchSize,
			MaxConcurrent: cfg.Filter.MaxConcurrentBatches,
			StartDelay:    cfg.Filter.StartDelay,
			PollInterval:  cfg.Filter.PollInterval,
			Logger:        app.logger,
		}),
		Oracle:   oracle,
		MaxItems: cfg.Market.MaxItems,
		Logger:   app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("comparator init failed: %w", err)
	}
	return comparator, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping run history in memory")
		app.runRepo = memorystorage.NewRunStore()
		return nil
	}
	var err error
	app.pgStore, err = pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:      app.cfg.Database.DSN,
		MaxConns: app.cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.runRepo = app.pgStore
	app.logger.Info("postgres run store initialized")
	return nil
}

func setupProgress(ctx context.Context, app *App) progress.Emitter {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("run history disabled")
		return progress.NopEmitter{}
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.Batch.MaxWait,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

func setupArchive(ctx context.Context, app *App) (*storage.Archiver, error) {
	var blobStore storage.BlobStore
	var err error
	switch app.cfg.Archive.Backend {
	case config.ArchiveGCS:
		app.logger.Info("using GCS archive backend")
		app.gcs, err = gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.gcs, gcsstorage.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS archive backend", zap.String("bucket", app.cfg.Archive.Bucket))
	case config.ArchiveLocal:
		app.logger.Info("using local archive backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local archive backend", zap.String("path", app.cfg.Archive.Local.BaseDir))
	default:
		app.logger.Info("using in-memory archive backend")
		blobStore = memorystorage.NewBlobStore()
	}
	archiver, err := storage.NewArchiver(blobStore, app.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func setupNotifier(ctx context.Context, app *App) (*publisher.Notifier, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return publisher.NewNotifier(memorypublisher.New(), notificationTopic)
	}
	var err error
	app.pubsub, err = gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return publisher.NewNotifier(app.pubsub, app.cfg.PubSub.TopicName)
}

// Run serves HTTP until ctx is canceled, then drains the active run and the
// server. Close releases the remaining resources.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Active streams end once their run is canceled.
		if err := a.registry.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("active run did not stop in time", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			a.logger.Warn("active run did not stop in time", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.CloseAll(ctx); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Warn("redis cache close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
