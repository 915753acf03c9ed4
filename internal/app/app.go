// Package app wires configuration into a runnable crawl: queues, shared
// state, the four pipeline components, their manager and the admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/api"
	"github.com/JakeFAU/stagecrawler/internal/component"
	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/engine"
	"github.com/JakeFAU/stagecrawler/internal/ingester"
	"github.com/JakeFAU/stagecrawler/internal/kvstore"
	"github.com/JakeFAU/stagecrawler/internal/kvstore/redisstore"
	"github.com/JakeFAU/stagecrawler/internal/logging"
	"github.com/JakeFAU/stagecrawler/internal/manager"
	"github.com/JakeFAU/stagecrawler/internal/metrics"
	"github.com/JakeFAU/stagecrawler/internal/parser"
	"github.com/JakeFAU/stagecrawler/internal/progress"
	progresssinks "github.com/JakeFAU/stagecrawler/internal/progress/sinks"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
	"github.com/JakeFAU/stagecrawler/internal/queue/natsq"
	"github.com/JakeFAU/stagecrawler/internal/robots"
	"github.com/JakeFAU/stagecrawler/internal/scheduler"
	"github.com/JakeFAU/stagecrawler/internal/seeder"
	gcsstorage "github.com/JakeFAU/stagecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/stagecrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/stagecrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/stagecrawler/internal/storage/postgres"
	"github.com/JakeFAU/stagecrawler/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// Queues are the four stage input queues.
type Queues struct {
	Scheduler crawler.Queue
	Ingest    crawler.Queue
	Parse     crawler.Queue
	Robots    crawler.Queue
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	Seeds         seeder.Report
	Statuses      []crawler.ComponentStatus
	BytesSent     int64
	BytesReceived int64
	DroppedEvents int64
}

// App contains the crawl's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string
	nodeID string

	metrics  *metrics.Metrics
	streams  *stream.Manager
	queues   Queues
	kv       kvstore.Store
	content  crawler.ContentStore
	manager  *manager.Manager
	hub      *progress.Hub
	seeder   *seeder.Seeder
	admin    *api.Server
	adminSrv *http.Server

	observers    []manager.Observer
	resolver     stream.Resolver
	ownsLogger   bool
	natsConn     *nats.Conn
	redis        *redisstore.Store
	gcs          *gcstorage.Client
	ledger       *pgstore.Ledger
	memoryQueues []interface{ Close() }
}

// Option customizes Build.
type Option func(*App)

// WithLogger supplies the root logger instead of building one from config.
// The caller keeps ownership and syncs it.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithObserver adds an observer that sees every item result and status
// snapshot alongside the progress hub.
func WithObserver(obs manager.Observer) Option {
	return func(a *App) {
		a.observers = append(a.observers, obs)
	}
}

// WithFallbackResolver replaces the system resolver consulted for hosts
// without a DNS override.
func WithFallbackResolver(r stream.Resolver) Option {
	return func(a *App) {
		a.resolver = r
	}
}

// Build creates the crawl's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.ownsLogger = true
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.runID = cfg.Distribution.RunID
	if app.runID == "" {
		app.runID = uuid.NewString()
	}
	app.nodeID = "local"
	if host, herr := os.Hostname(); herr == nil && host != "" {
		app.nodeID = host
	}
	app.logger = app.logger.With(zap.String("run_id", app.runID))
	app.logger.Info("building crawl",
		zap.String("node_id", app.nodeID),
		zap.String("queue", cfg.Distribution.Queue),
		zap.String("kv", cfg.Distribution.KV),
		zap.String("storage", cfg.Storage.Kind),
	)

	app.metrics = metrics.New()
	if err = setupStreams(app); err != nil {
		return nil, err
	}
	if err = setupDistribution(ctx, app); err != nil {
		return nil, err
	}
	if app.content, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}
	components, err := setupPipeline(app)
	if err != nil {
		return nil, err
	}

	app.manager = manager.New(components, manager.Config{
		CompletionCheckInterval: cfg.Manager.CompletionCheckInterval,
	}, fanout(append([]manager.Observer{app.hub}, app.observers...)), app.logger.Named("manager"))

	app.seeder, err = seeder.New(seeder.Config{
		Source:   seeder.Source(cfg.Seeder.Source),
		FilePath: cfg.Seeder.FilePath,
		URIs:     cfg.Seeder.URIs,
	}, app.queues.Scheduler, app.logger.Named("seeder"))
	if err != nil {
		return nil, fmt.Errorf("seeder init failed: %w", err)
	}

	if cfg.Admin.Port > 0 {
		app.admin = api.NewServer(app.manager, app.metrics.Handler(), app.logger.Named("api"), app.metrics.Middleware)
	}
	return app, nil
}

// RunID returns the identifier scoping this run's shared state.
func (a *App) RunID() string { return a.runID }

// Manager exposes the component manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Queues exposes the stage queues.
func (a *App) Queues() Queues { return a.queues }

// Content exposes the content store pages are written to.
func (a *App) Content() crawler.ContentStore { return a.content }

// Metrics exposes the process metrics registry.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func setupStreams(app *App) error {
	resolver, err := stream.NewStaticResolver(app.cfg.Stream.DNSOverrides, app.resolver)
	if err != nil {
		return fmt.Errorf("dns overrides: %w", err)
	}
	app.streams = stream.NewManager(stream.Config{
		DialTimeout: app.cfg.Stream.DialTimeout,
		KeepAlive:   app.cfg.Stream.KeepAlive,
	}, resolver, app.logger.Named("stream"))
	if err := app.metrics.RegisterTraffic(app.streams); err != nil {
		return err
	}
	return nil
}

func setupDistribution(ctx context.Context, app *App) error {
	dist := app.cfg.Distribution
	switch dist.Queue {
	case "nats":
		app.logger.Info("using NATS JetStream queues", zap.String("stream", dist.NATSStream))
		nc, err := natsq.Connect(dist.NATSURL, app.logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("nats connect failed: %w", err)
		}
		app.natsConn = nc
		open := func(kind crawler.Kind) (crawler.Queue, error) {
			q, err := natsq.New(ctx, nc, natsq.Config{
				Stream:  dist.NATSStream,
				Subject: "stagecrawler." + kind.String(),
			}, app.logger.Named("queue"))
			if err != nil {
				return nil, fmt.Errorf("%s queue init failed: %w", kind, err)
			}
			return q, nil
		}
		if app.queues.Scheduler, err = open(crawler.KindScheduler); err != nil {
			return err
		}
		if app.queues.Ingest, err = open(crawler.KindIngester); err != nil {
			return err
		}
		if app.queues.Parse, err = open(crawler.KindParser); err != nil {
			return err
		}
		if app.queues.Robots, err = open(crawler.KindRobotsDownloader); err != nil {
			return err
		}
	default:
		app.logger.Info("using in-memory queues")
		if app.cfg.Scheduler.PriorityQueue {
			q := memory.NewPriorityQueue(0)
			app.memoryQueues = append(app.memoryQueues, q)
			app.queues.Scheduler = q
		} else {
			q := memory.NewQueue(0)
			app.memoryQueues = append(app.memoryQueues, q)
			app.queues.Scheduler = q
		}
		ingest, parse, robotsQ := memory.NewQueue(0), memory.NewQueue(0), memory.NewQueue(0)
		app.memoryQueues = append(app.memoryQueues, ingest, parse, robotsQ)
		app.queues.Ingest, app.queues.Parse, app.queues.Robots = ingest, parse, robotsQ
	}

	switch dist.KV {
	case "redis":
		app.logger.Info("using redis shared state", zap.String("addr", dist.RedisAddr))
		store, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:     dist.RedisAddr,
			Password: dist.RedisPassword,
			DB:       dist.RedisDB,
			Prefix:   dist.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		app.redis = store
		app.kv = store
	default:
		app.kv = kvstore.NewMemory()
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.ContentStore, error) {
	var (
		store crawler.ContentStore
		err   error
	)
	switch app.cfg.Storage.Kind {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.gcs, err = gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err = gcsstorage.New(app.gcs, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		store, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		store = memorystorage.NewBlobStore()
	}
	return store, nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.metrics.Registry())
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{progresssinks.NewLogSink(app.logger.Named("progress")), promSink}

	if app.cfg.Ledger.DSN != "" {
		app.ledger, err = pgstore.NewLedger(ctx, pgstore.LedgerConfig{
			DSN:   app.cfg.Ledger.DSN,
			Table: app.cfg.Ledger.Table,
		})
		if err != nil {
			return fmt.Errorf("ledger init failed: %w", err)
		}
		if err := app.ledger.EnsureTable(ctx); err != nil {
			return fmt.Errorf("ledger schema failed: %w", err)
		}
		sinks = append(sinks, progresssinks.NewLedgerSink(app.ledger))
		app.logger.Info("recording results to postgres", zap.String("table", app.cfg.Ledger.Table))
	}

	app.hub = progress.NewHub(progress.Config{
		RunID:  app.runID,
		Logger: app.logger.Named("progress"),
	}, sinks...)
	return nil
}

func setupPipeline(app *App) ([]*component.Component, error) {
	cfg := app.cfg

	robotsFetcher := robots.NewHTTPFetcher(
		app.streams.Client(cfg.Stream.HTTPTimeout, nil),
		cfg.Robots.UserAgent,
		cfg.Robots.MaxBytes,
		app.logger.Named("robots"),
	)
	cache := robots.NewCache(robotsFetcher, app.kv, robots.CacheConfig{
		TTL:         cfg.Robots.CacheInterval(),
		FailOpenTTL: time.Duration(cfg.Robots.FailOpenSeconds) * time.Second,
		UserAgent:   cfg.Robots.UserAgent,
	}, app.logger.Named("robots"))

	var seen scheduler.SeenSet
	if app.redis != nil {
		seen = scheduler.NewStoreSeen(app.kv, app.runID)
	} else {
		seen = scheduler.NewMemorySeen()
	}
	respects := cfg.Scheduler.RespectsRobotsTxt != nil && *cfg.Scheduler.RespectsRobotsTxt
	sched, err := scheduler.New(scheduler.Config{
		RespectsRobotsTxt:           respects,
		MaxCrawlDepth:               cfg.Scheduler.MaxCrawlDepth,
		SameDomainCrawlDelay:        cfg.Scheduler.CrawlDelay(),
		ExcludeDomains:              cfg.Scheduler.ExcludeDomains,
		IncludeDomains:              cfg.Scheduler.IncludeDomains,
		MaxConcurrentRobotsRequests: cfg.Scheduler.MaxConcurrentRobotsRequests,
	}, scheduler.Queues{
		Self:   app.queues.Scheduler,
		Ingest: app.queues.Ingest,
		Robots: app.queues.Robots,
	}, cache, seen, app.logger.Named("scheduler"), scheduler.WithPolitenessObserver(app.metrics.ObservePolitenessWait))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	redirects := cfg.Ingester.MaxRedirects
	ingest, err := ingester.New(ingester.Config{
		MaxDomainsToCrawl: cfg.Ingester.MaxDomainsToCrawl,
		MaxRedirects:      &redirects,
		MaxContentBytes:   cfg.Ingester.MaxContentBytes,
		AllowedMediaTypes: cfg.Ingester.AllowedMediaTypes,
		UserAgent:         cfg.Ingester.UserAgent,
		StoragePrefix:     cfg.Storage.Prefix,
		RequestTimeout:    cfg.Stream.HTTPTimeout,
	}, app.streams.Transport(), app.content, app.queues.Parse, app.logger.Named("ingester"))
	if err != nil {
		return nil, fmt.Errorf("ingester init failed: %w", err)
	}

	parse, err := parser.New(parser.NewHTMLExtractor(cfg.Parser.MaxLinksPerPage), app.content, app.queues.Scheduler, app.logger.Named("parser"))
	if err != nil {
		return nil, fmt.Errorf("parser init failed: %w", err)
	}

	stages := []struct {
		kind  crawler.Kind
		queue crawler.Queue
		proc  engine.Processor
		stage config.StageConfig
	}{
		{crawler.KindScheduler, app.queues.Scheduler, sched, cfg.Scheduler.StageConfig},
		{crawler.KindIngester, app.queues.Ingest, ingest, cfg.Ingester.StageConfig},
		{crawler.KindParser, app.queues.Parse, parse, cfg.Parser.StageConfig},
	}
	if respects {
		stages = append(stages, struct {
			kind  crawler.Kind
			queue crawler.Queue
			proc  engine.Processor
			stage config.StageConfig
		}{crawler.KindRobotsDownloader, app.queues.Robots, robots.NewDownloader(cache, cfg.Robots.CacheInterval(), app.logger.Named("robots")), cfg.Robots.StageConfig})
	}

	components := make([]*component.Component, 0, len(stages))
	for _, s := range stages {
		info := crawler.NewComponentInfo(s.kind, app.nodeID)
		eng := engine.New(s.queue, s.proc, engine.Config{
			Kind:               s.kind,
			MaxConcurrentItems: s.stage.MaxConcurrentItems,
			ItemTimeout:        s.stage.ItemTimeout(),
			StatusInterval:     cfg.Manager.StatusInterval,
		}, logging.ForComponent(app.logger, info).Named("engine"))
		components = append(components, component.New(info, eng, app.logger, component.WithTraffic(app.streams.Traffic)))
	}
	return components, nil
}

// Run starts every component, seeds the scheduler and blocks until the crawl
// completes, a signal arrives or ctx is canceled. Resources are released
// before it returns.
func (a *App) Run(ctx context.Context) (Summary, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary := Summary{RunID: a.runID}
	if a.admin != nil {
		a.adminSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Admin.Port),
			Handler:           a.admin.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("admin server started", zap.Int("port", a.cfg.Admin.Port))
			if err := a.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	initial := crawler.State(a.cfg.Manager.InitialState)
	if initial == "" {
		initial = crawler.StateRunning
	}
	runErr := a.crawl(ctx, initial, &summary)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	summary.Statuses = a.manager.Statuses(shutdownCtx)
	summary.BytesSent, summary.BytesReceived = a.streams.Traffic()
	summary.DroppedEvents = a.hub.Dropped()

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return summary, runErr
}

func (a *App) crawl(ctx context.Context, initial crawler.State, summary *Summary) error {
	// Seeding holds completion so an idle pipeline is not declared done
	// before the first request lands.
	release := a.manager.Hold()
	if err := a.manager.StartAsync(ctx, initial); err != nil {
		release()
		return fmt.Errorf("start components: %w", err)
	}
	report, err := a.seeder.Seed(ctx)
	release()
	summary.Seeds = report
	if err != nil {
		a.logger.Error("seeding failed; stopping components", zap.Error(err))
		if stopErr := a.manager.StopAsync(context.WithoutCancel(ctx), crawler.MatchAll); stopErr != nil {
			a.logger.Warn("stop after seeding failure", zap.Error(stopErr))
		}
		a.manager.Wait()
		return fmt.Errorf("seed crawl: %w", err)
	}

	// Components stop on their own once ctx ends, so waiting past
	// cancellation still terminates.
	waitErr := a.manager.WaitUntilCompletedAsync(context.WithoutCancel(ctx), crawler.MatchAll)
	a.manager.Wait()
	if ctx.Err() != nil {
		a.logger.Info("crawl interrupted", zap.Error(context.Cause(ctx)))
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("crawl did not complete cleanly: %w", waitErr)
	}
	a.logger.Info("crawl completed", zap.Int("seeds", report.Seeds))
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.adminSrv != nil {
		if err := a.adminSrv.Shutdown(ctx); err != nil {
			a.logger.Error("admin server shutdown error", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if a.ownsLogger {
		// stderr sync fails on some platforms; nothing useful to do with it
		_ = a.logger.Sync()
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	for _, q := range a.memoryQueues {
		q.Close()
	}
	if a.streams != nil {
		if err := a.streams.CloseAll(); err != nil {
			a.logger.Warn("stream close failed", zap.Error(err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("nats drain failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

// fanout delivers observations to each observer in order.
type fanout []manager.Observer

func (f fanout) ItemResult(info crawler.ComponentInfo, res crawler.QueuedItemResult) {
	for _, o := range f {
		o.ItemResult(info, res)
	}
}

func (f fanout) ComponentStatus(status crawler.ComponentStatus) {
	for _, o := range f {
		o.ComponentStatus(status)
	}
}
