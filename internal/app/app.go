// Package app builds the service dependency graph and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/equity-ingest/internal/api"
	"github.com/JakeFAU/equity-ingest/internal/cache"
	"github.com/JakeFAU/equity-ingest/internal/clock/system"
	"github.com/JakeFAU/equity-ingest/internal/config"
	"github.com/JakeFAU/equity-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/equity-ingest/internal/fetcher/colly"
	restyfetcher "github.com/JakeFAU/equity-ingest/internal/fetcher/resty"
	"github.com/JakeFAU/equity-ingest/internal/hash/sha256"
	"github.com/JakeFAU/equity-ingest/internal/id/uuid"
	"github.com/JakeFAU/equity-ingest/internal/ingest"
	"github.com/JakeFAU/equity-ingest/internal/logging"
	"github.com/JakeFAU/equity-ingest/internal/market"
	"github.com/JakeFAU/equity-ingest/internal/metrics"
	"github.com/JakeFAU/equity-ingest/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/equity-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/equity-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/equity-ingest/internal/ratelimit"
	"github.com/JakeFAU/equity-ingest/internal/scheduler"
	"github.com/JakeFAU/equity-ingest/internal/session"
	"github.com/JakeFAU/equity-ingest/internal/staleness"
	gcsstorage "github.com/JakeFAU/equity-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/equity-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/equity-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/equity-ingest/internal/storage/postgres"
	"github.com/JakeFAU/equity-ingest/internal/telemetry"
	"github.com/JakeFAU/equity-ingest/internal/upsert"
)

// Family names; jobs in one family never overlap.
const (
	familyPrices       = "prices"
	familyFundamentals = "fundamentals"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	loc    *time.Location

	store    market.Store
	runs     market.RunStore
	pgStore  *pgstore.Store
	cache    *cache.Cache
	sessions *session.Manager

	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	apiServer    *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerShutdown  func(context.Context) error

	// runCtx bounds runs started through the API; cancelRuns ends them on shutdown.
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, loc: loc}
	app.runCtx, app.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
	)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.setupDatabase(ctx); err != nil {
		app.abort(ctx)
		return nil, err
	}
	blobStore, err := app.setupArchive(ctx)
	if err != nil {
		app.abort(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.abort(ctx)
		return nil, err
	}

	app.cache = cache.New()
	exchange, screener := app.setupFetchers(blobStore)
	app.setupOrchestrator(publisher, exchange, screener)

	if err := app.setupScheduler(); err != nil {
		app.abort(ctx)
		return nil, err
	}

	var ready api.ReadinessCheck
	if app.pgStore != nil {
		ready = app.pgStore.Ping
	}
	app.apiServer = api.NewServer(app.runCtx, app.orchestrator, app.cache, ready, *cfg, logger.Named("api"))
	return app, nil
}

// abort releases whatever a failed build already acquired.
func (a *App) abort(ctx context.Context) {
	a.cancelRuns()
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(ctx)
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.Driver != "postgres" {
		a.logger.Info("using in-memory stores")
		a.store = memorystorage.NewStore()
		a.runs = memorystorage.NewRunStore()
		return nil
	}
	if a.cfg.Database.AutoMigrate {
		version, err := pgstore.Migrate(a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.logger.Info("database migrated", zap.Uint("version", version))
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	store, err := pgstore.NewStore(pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("postgres run store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	a.runs = runs
	a.logger.Info("postgres stores initialized")
	return nil
}

func (a *App) setupArchive(ctx context.Context) (market.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving responses to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving responses locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	case "memory":
		a.logger.Info("archiving responses in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("response archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (market.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case "gcp":
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
		a.logger.Info("publishing run events to Pub/Sub", zap.String("project", a.cfg.PubSub.ProjectID))
		return a.pubsubPublisher, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

// sessionConfig mints each site's cookies under the agent its fetcher sends.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		UserAgent: cfg.Sources.Exchange.UserAgent,
		SiteUserAgents: map[string]string{
			session.SiteOf(cfg.Sources.Exchange.BaseURL): cfg.Sources.Exchange.UserAgent,
			session.SiteOf(cfg.Sources.Screener.BaseURL): cfg.Sources.Screener.UserAgent,
		},
		NavigationTimeout: config.Seconds(cfg.Session.NavTimeoutSeconds),
		MaxParallel:       cfg.Session.MaxParallel,
		Stealth:           cfg.Session.Stealth,
		ExecPath:          cfg.Session.ExecPath,
	}
}

func (a *App) setupFetchers(blobStore market.BlobStore) (*fetcher.Fetcher, *fetcher.Fetcher) {
	cfg := a.cfg
	timeout := config.Seconds(cfg.Fetch.TimeoutSeconds)

	var sessions fetcher.SessionProvider
	if cfg.Session.Enabled {
		a.sessions = session.New(sessionConfig(cfg), a.logger)
		sessions = a.sessions
	}

	// Listing and quotes are live prices; only screener pages go through the cache.
	exchange := fetcher.New(
		restyfetcher.New(restyfetcher.Config{Timeout: timeout}),
		sessions,
		nil,
		fetcher.Site{
			BaseURL: cfg.Sources.Exchange.BaseURL,
			Referer: cfg.Sources.Exchange.Referer,
			Accept:  "application/json, text/plain, */*",
		},
		fetcher.Config{
			UserAgent:            cfg.Sources.Exchange.UserAgent,
			AcceptLanguage:       cfg.Fetch.AcceptLanguage,
			AttemptTimeout:       timeout,
			AuthFailureThreshold: cfg.Fetch.AuthFailureThreshold,
		},
		a.logger,
	)
	screener := fetcher.New(
		collyfetcher.New(collyfetcher.Config{Timeout: timeout, MaxBodySize: cfg.Fetch.MaxBodyBytes}),
		sessions,
		a.cache,
		fetcher.Site{
			BaseURL: cfg.Sources.Screener.BaseURL,
			Referer: cfg.Sources.Screener.Referer,
			Accept:  "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		},
		fetcher.Config{
			UserAgent:            cfg.Sources.Screener.UserAgent,
			AcceptLanguage:       cfg.Fetch.AcceptLanguage,
			AttemptTimeout:       timeout,
			AuthFailureThreshold: cfg.Fetch.AuthFailureThreshold,
		},
		a.logger,
	)
	if blobStore != nil {
		hasher := sha256.New()
		exchange.WithArchive(blobStore, hasher, cfg.Archive.Prefix)
		screener.WithArchive(blobStore, hasher, cfg.Archive.Prefix)
	}
	return exchange, screener
}

func (a *App) setupOrchestrator(publisher market.Publisher, exchange, screener *fetcher.Fetcher) {
	cfg := a.cfg
	clock := system.New()
	engine := upsert.New(a.store, clock, a.logger)

	prices := ingest.NewPrices(
		exchange,
		engine,
		ratelimit.New(ratelimit.Config{Interval: config.Millis(cfg.Ingest.PricePacingMs)}),
		clock,
		ingest.PricesConfig{
			IndexURL:       cfg.Sources.Exchange.IndexURL,
			QuoteURL:       cfg.Sources.Exchange.QuoteURL,
			Exchange:       cfg.Sources.Exchange.Name,
			IndexAttempts:  cfg.Fetch.MaxAttempts,
			IndexBaseDelay: config.Millis(cfg.Fetch.BaseDelayMs),
			QuoteAttempts:  cfg.Ingest.QuoteAttempts,
			QuoteBaseDelay: config.Millis(cfg.Fetch.BaseDelayMs),
		},
		a.logger,
	)
	fundamentals := ingest.NewFundamentals(
		a.store,
		screener,
		engine,
		staleness.NewGuard(clock, time.Duration(cfg.Ingest.StalenessHours)*time.Hour),
		ratelimit.New(ratelimit.Config{Interval: config.Millis(cfg.Ingest.FundamentalsPacingMs)}),
		ingest.FundamentalsConfig{
			CompanyURL: cfg.Sources.Screener.CompanyURL,
			Attempts:   cfg.Ingest.FundamentalsAttempts,
			BaseDelay:  config.Millis(cfg.Ingest.FundamentalsBaseDelayMs),
		},
		a.logger,
	)

	a.orchestrator = orchestrator.New(a.runs, publisher, clock, uuid.New(), orchestrator.Config{
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		InitialInterval: config.Seconds(cfg.Orchestrator.InitialIntervalSeconds),
		MaxInterval:     config.Seconds(cfg.Orchestrator.MaxIntervalSeconds),
		Multiplier:      cfg.Orchestrator.Multiplier,
		Location:        a.loc,
		EventsTopic:     cfg.PubSub.EventsTopic,
		DeadLetterTopic: cfg.PubSub.DeadLetterTopic,
	}, a.logger)

	a.orchestrator.Register(orchestrator.Job{
		Name:   market.JobDailyPrices,
		Family: familyPrices,
		Period: orchestrator.PeriodDaily,
		Run:    a.summarize(market.JobDailyPrices, prices.Run),
	})
	a.orchestrator.Register(orchestrator.Job{
		Name:   market.JobWeeklyPrices,
		Family: familyPrices,
		Period: orchestrator.PeriodWeekly,
		Run:    a.summarize(market.JobWeeklyPrices, prices.Run),
	})
	a.orchestrator.Register(orchestrator.Job{
		Name:   market.JobFundamentals,
		Family: familyFundamentals,
		Period: orchestrator.PeriodNone,
		Run:    a.summarize(market.JobFundamentals, fundamentals.Run),
	})
}

// summarize adapts an ingestion run to the orchestrator and logs its tally.
func (a *App) summarize(name market.JobName, run func(context.Context) (ingest.Summary, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		summary, err := run(ctx)
		a.logger.Info("job pass finished",
			zap.String("job", string(name)),
			zap.Int("total", summary.Total),
			zap.Int("updated", summary.Updated),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Error(err),
		)
		return err
	}
}

func (a *App) setupScheduler() error {
	a.scheduler = scheduler.New(a.loc, a.logger)
	if !a.cfg.Schedule.Enabled {
		a.logger.Info("scheduler disabled")
		return nil
	}
	triggers := []scheduler.Trigger{
		{Name: string(market.JobDailyPrices), Spec: a.cfg.Schedule.DailyPrices, Run: a.trigger(market.JobDailyPrices)},
		{Name: string(market.JobWeeklyPrices), Spec: a.cfg.Schedule.WeeklyPrices, Run: a.trigger(market.JobWeeklyPrices)},
		{Name: string(market.JobFundamentals), Spec: a.cfg.Schedule.Fundamentals, Run: a.trigger(market.JobFundamentals)},
		{Name: "cache-clear", Spec: a.cfg.Schedule.CacheClear, Run: func(context.Context) { a.cache.Clear() }},
	}
	for _, t := range triggers {
		if err := a.scheduler.Register(t); err != nil {
			return fmt.Errorf("schedule %s: %w", t.Name, err)
		}
	}
	return nil
}

func (a *App) trigger(name market.JobName) func(context.Context) {
	return func(ctx context.Context) {
		if _, err := a.orchestrator.RunByName(ctx, name); err != nil {
			a.logger.Error("scheduled run failed", zap.String("job", string(name)), zap.Error(err))
		}
	}
}

// RunOnce executes one orchestrated run of name and returns its result.
func (a *App) RunOnce(ctx context.Context, name market.JobName) (orchestrator.Result, error) {
	res, err := a.orchestrator.RunByName(ctx, name)
	if err != nil {
		return res, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the scheduler and HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()

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

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops background work and releases clients.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop timed out", zap.Error(err))
		}
	}
	a.cancelRuns()
	if a.apiServer != nil {
		a.apiServer.Wait()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
