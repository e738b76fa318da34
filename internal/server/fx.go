// Package server builds the scanner's dependency graph from configuration and
// runs it as an HTTP service or as a one-shot scan.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/api"
	"github.com/JakeFAU/tgscan/internal/clock/system"
	"github.com/JakeFAU/tgscan/internal/config"
	"github.com/JakeFAU/tgscan/internal/controller"
	"github.com/JakeFAU/tgscan/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/tgscan/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/tgscan/internal/fetcher/headless"
	"github.com/JakeFAU/tgscan/internal/id/uuid"
	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/matcher"
	"github.com/JakeFAU/tgscan/internal/metrics"
	"github.com/JakeFAU/tgscan/internal/policy/ratelimit"
	"github.com/JakeFAU/tgscan/internal/progress"
	progresssinks "github.com/JakeFAU/tgscan/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/tgscan/internal/publisher/pubsub"
	"github.com/JakeFAU/tgscan/internal/resolver"
	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/scheduler"
	"github.com/JakeFAU/tgscan/internal/sink"
	blobstorage "github.com/JakeFAU/tgscan/internal/storage"
	gcsstorage "github.com/JakeFAU/tgscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tgscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/tgscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/tgscan/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/tgscan/internal/storage/sqlite"
	"github.com/JakeFAU/tgscan/internal/store"
	"github.com/JakeFAU/tgscan/internal/telemetry"
	"github.com/JakeFAU/tgscan/internal/watchlist"
	"github.com/JakeFAU/tgscan/internal/worker"
)

// fetcher is what both fetch backends provide.
type fetcher interface {
	scan.ListingFetcher
	scan.TextFetcher
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	controller *controller.Controller
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	progressHub     *progress.Hub
	pgPool          *pgxpool.Pool
	sqlite          *sqlitestore.Store
	cycleRepo       store.CycleRepository
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	headless        *headlessfetcher.Fetcher
	tracerProvider  *sdktrace.TracerProvider
	readyChecks     []api.ReadyCheck
}

// Controller exposes the cycle controller, mostly for the one-shot command.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("fetch_backend", cfg.Fetch.Backend),
		zap.Strings("storage_backends", cfg.Storage.Backends),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "tgscan",
			SampleRatio: a.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerProvider = tp
	}

	wl, err := setupWatchlist(a)
	if err != nil {
		return err
	}
	opener, err := setupMatchLogs(ctx, a)
	if err != nil {
		return err
	}
	archiver, err := setupArchiver(ctx, a)
	if err != nil {
		return err
	}
	targetList, err := localstorage.NewTargetListWriter(a.cfg.Storage.DataDir, a.cfg.Storage.TargetsFile)
	if err != nil {
		return fmt.Errorf("target list init failed: %w", err)
	}
	if err := setupPublisher(ctx, a); err != nil {
		return err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}
	fetch, err := setupFetcher(a)
	if err != nil {
		return err
	}

	clock := system.New()
	results := sink.New(opener)
	scanner := worker.New(
		fetch,
		matcher.New(matcher.Config{
			Window:       a.cfg.Scan.ContextWindow,
			Cap:          a.cfg.Scan.ContextCap,
			Mode:         scan.MatchMode(a.cfg.Scan.MatchMode),
			MaxPerTarget: a.cfg.Scan.MaxMatchesPerTarget,
		}, clock),
		results,
		ratelimit.New(ratelimit.Config{RPS: a.cfg.Fetch.RatePerSecond, Burst: a.cfg.Fetch.Burst}),
		emitter,
		clock,
		worker.NewRetryPolicy(
			a.cfg.Scan.MaxRetries,
			time.Duration(a.cfg.Scan.BackoffInitialMs)*time.Millisecond,
			time.Duration(a.cfg.Scan.BackoffMaxMs)*time.Millisecond,
		),
		worker.Config{TargetTimeout: a.cfg.TargetTimeout()},
		a.logger,
	)

	a.controller, err = controller.New(controller.Deps{
		Watchlist:  wl,
		Resolver:   resolver.New(fetch, listingSources(a.cfg), a.logger.Named("resolver")),
		Sink:       results,
		Scanner:    scanner,
		Pool:       dispatcher.New(a.cfg.Scan.Concurrency),
		TargetList: targetList,
		Archiver:   archiver,
		Emitter:    emitter,
		IDs:        uuid.NewUUIDGenerator(),
		Clock:      clock,
		Tracer:     telemetry.Tracer(),
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}

	if a.cfg.Scan.Schedule != "" {
		a.scheduler, err = scheduler.New(ctx, a.cfg.Scan.Schedule, a.controller, a.logger)
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	var runs *api.RunsHandler
	if a.cycleRepo != nil {
		runs = api.NewRunsHandler(a.cycleRepo, a.logger.Named("runs"))
	}
	a.apiServer = api.NewServer(a.controller, runs, *a.cfg, a.logger, a.readyChecks...)
	return nil
}

// Run serves the HTTP API until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
		a.logger.Info("scheduler started",
			zap.String("schedule", a.cfg.Scan.Schedule),
			zap.Time("next", a.scheduler.Next()),
		)
	}
	if a.cfg.Scan.RunOnStart {
		if _, err := a.controller.Begin(ctx); err != nil {
			a.logger.Warn("initial cycle not started", zap.Error(err))
		}
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// ScanOnce runs one blocking cycle and returns the final status.
func (a *App) ScanOnce(ctx context.Context) (scan.Status, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err := a.controller.Start(ctx)
	return a.controller.Status(), err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.controller != nil {
		if cerr := a.controller.Close(ctx); cerr != nil {
			err = fmt.Errorf("controller close: %w", cerr)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func setupWatchlist(app *App) (*watchlist.Store, error) {
	keywords := append([]string(nil), app.cfg.Watchlist.Keywords...)
	if app.cfg.Watchlist.KeywordsFile != "" {
		fromFile, err := watchlist.LoadKeywordsFile(app.cfg.Watchlist.KeywordsFile)
		if err != nil {
			return nil, fmt.Errorf("keywords file: %w", err)
		}
		keywords = append(keywords, fromFile...)
	}
	wl, err := watchlist.New(app.cfg.Watchlist.Path, keywords, app.cfg.Watchlist.Targets, app.logger)
	if err != nil {
		return nil, fmt.Errorf("watchlist init failed: %w", err)
	}
	snap := wl.Snapshot()
	app.logger.Info("watchlist loaded",
		zap.String("path", app.cfg.Watchlist.Path),
		zap.Int64("version", snap.Version),
		zap.Int("keywords", len(snap.Keywords)),
		zap.Int("targets", len(snap.Targets)),
	)
	return wl, nil
}

func setupMatchLogs(ctx context.Context, app *App) (scan.MatchLogOpener, error) {
	var openers []scan.MatchLogOpener
	for _, backend := range app.cfg.Storage.Backends {
		switch backend {
		case config.StorageLocal:
			opener, err := localstorage.NewLogOpener(app.cfg.Storage.DataDir)
			if err != nil {
				return nil, fmt.Errorf("local match log init failed: %w", err)
			}
			openers = append(openers, opener)
			app.logger.Info("using local match log", zap.String("dir", app.cfg.Storage.DataDir))
		case config.StorageMemory:
			openers = append(openers, memorystorage.NewLogOpener())
			app.logger.Info("using in-memory match log")
		case config.StoragePostgres:
			opener, err := setupPostgres(ctx, app)
			if err != nil {
				return nil, err
			}
			openers = append(openers, opener)
		case config.StorageSQLite:
			db, err := setupSQLite(ctx, app)
			if err != nil {
				return nil, err
			}
			openers = append(openers, db)
		}
	}
	if len(openers) == 0 {
		app.logger.Warn("no match log backend configured, using in-memory log")
		openers = append(openers, memorystorage.NewLogOpener())
	}
	return blobstorage.NewMultiOpener(openers...), nil
}

func setupPostgres(ctx context.Context, app *App) (scan.MatchLogOpener, error) {
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      app.cfg.Database.DSN,
		MaxConns: app.cfg.Database.MaxConns,
		MinConns: app.cfg.Database.MinConns,
	})
	if err != nil {
		return nil, err
	}
	app.pgPool = pool
	app.readyChecks = append(app.readyChecks, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	opener, err := pgstore.NewMatchLogOpener(pool, app.cfg.Database.MatchesTable)
	if err != nil {
		return nil, fmt.Errorf("postgres match log init failed: %w", err)
	}
	if err := opener.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("postgres match log schema: %w", err)
	}
	runs, err := pgstore.NewCycleStore(pool, app.cfg.Database.RunsTable)
	if err != nil {
		return nil, fmt.Errorf("postgres cycle store init failed: %w", err)
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("postgres cycle store schema: %w", err)
	}
	app.cycleRepo = runs
	app.logger.Info("postgres stores initialized",
		zap.String("matches_table", app.cfg.Database.MatchesTable),
		zap.String("runs_table", app.cfg.Database.RunsTable),
	)
	return opener, nil
}

func setupSQLite(ctx context.Context, app *App) (*sqlitestore.Store, error) {
	if path := app.cfg.Database.SQLitePath; path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite directory: %w", err)
		}
	}
	db, err := sqlitestore.Open(ctx, app.cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("sqlite init failed: %w", err)
	}
	app.sqlite = db
	if app.cycleRepo == nil {
		app.cycleRepo = db
	}
	app.logger.Info("sqlite store initialized", zap.String("path", app.cfg.Database.SQLitePath))
	return db, nil
}

func setupArchiver(ctx context.Context, app *App) (scan.Archiver, error) {
	if app.cfg.Storage.GCSBucket == "" && !app.cfg.UsesBackend(config.StorageLocal) {
		app.logger.Info("archiving cycles in memory")
		return blobstorage.NewArchiver(memorystorage.NewBlobStore(), app.cfg.Storage.GCSPrefix), nil
	}
	if app.cfg.Storage.GCSBucket == "" {
		dir := filepath.Join(app.cfg.Storage.DataDir, "archive")
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("archiving cycles locally", zap.String("dir", dir))
		return blobstorage.NewArchiver(blobs, app.cfg.Storage.GCSPrefix), nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	app.logger.Info("archiving cycles to GCS",
		zap.String("bucket", app.cfg.Storage.GCSBucket),
		zap.String("prefix", app.cfg.Storage.GCSPrefix),
	)
	return blobstorage.NewArchiver(blobs, app.cfg.Storage.GCSPrefix), nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, events are not forwarded")
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.Topic))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cycleRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.cycleRepo, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.pubsubPublisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(app.pubsubPublisher, app.cfg.PubSub.Topic))
		app.logger.Debug("added progress publisher sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
		OnDrop: func(stage progress.Stage) {
			metrics.IncProgressDropped(string(stage))
		},
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupFetcher(app *App) (fetcher, error) {
	switch app.cfg.Fetch.Backend {
	case config.BackendHeadless:
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSeconds) * time.Second,
			WaitSelector:      app.cfg.Headless.WaitSelector,
			MessageSelector:   app.cfg.Fetch.MessageSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = f
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		return f, nil
	default:
		app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Fetch.UserAgent))
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:       app.cfg.Fetch.UserAgent,
			RespectRobots:   app.cfg.Fetch.RespectRobots,
			Timeout:         time.Duration(app.cfg.Fetch.TimeoutSeconds) * time.Second,
			MessageSelector: app.cfg.Fetch.MessageSelector,
		}), nil
	}
}

func listingSources(cfg *config.Config) []scan.ListingSource {
	if len(cfg.Sources) > 0 {
		return cfg.Sources
	}
	if cfg.Scan.DefaultSource {
		return []scan.ListingSource{resolver.DefaultSource}
	}
	return nil
}
