// Package server builds the service graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/analysis/anthropic"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/analysis/mock"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/api"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/clock/system"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/config"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/ingest"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/logging"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/seo-scrape-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/seo-scrape-orchestrator/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/seo-scrape-orchestrator/internal/queue/memory"
	queueRedis "github.com/JakeFAU/seo-scrape-orchestrator/internal/queue/redis"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/reaper"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/retry"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scheduler"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
	gcsstorage "github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/local"
	memoryStorage "github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/telemetry"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	httpServer     *http.Server
	pool           *worker.Pool
	reaper         *reaper.Reaper
	ready          map[string]api.ReadinessCheck
	closers        []closer
	tracerShutdown telemetry.ShutdownFunc
}

// closer releases one piece of infrastructure on shutdown.
type closer struct {
	name string
	fn   func() error
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. Anything opened before a
// failure is released before Build returns.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:    cfg,
		logger: logger,
		ready:  map[string]api.ReadinessCheck{},
	}
	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("jobs", cfg.Storage.Jobs),
		zap.String("archive", cfg.Storage.Archive),
		zap.String("queue", cfg.Queue.Kind),
		zap.String("events", cfg.PubSub.Kind),
		zap.String("analyzer", cfg.Analysis.Kind),
	)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.tracerShutdown = shutdown

	jobStore, err := a.setupJobStore(ctx)
	if err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	queue, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}
	analyzer, err := a.setupAnalyzer()
	if err != nil {
		return err
	}

	clock := system.New()
	machine := lifecycle.New(jobStore, clock, uuid.NewUUIDGenerator(), publisher, cfg.PubSub.TopicName, a.logger)

	disp, err := a.setupDispatcher(machine)
	if err != nil {
		return err
	}
	sched := scheduler.New(queue, clock, cfg.Queue.EnqueueTimeout, a.logger)
	ingestor := ingest.New(machine, sched, archive, sha256.New(), cfg.Storage.ArchivePrefix, a.logger)
	planner := retry.New(machine, disp, sched, a.logger)

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			machine,
			analyzer,
			worker.Config{AnalysisTimeout: cfg.Analysis.Timeout, DrainTimeout: a.shutdownTimeout()},
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.pool = worker.NewPool(workers)
	a.logger.Info("analysis workers configured",
		zap.Int("concurrency", a.pool.Size()),
		zap.String("analyzer", analyzer.Name()),
		zap.Duration("timeout", cfg.Analysis.Timeout),
	)

	if cfg.Reaper.Enabled {
		a.reaper, err = reaper.New(jobStore, machine, clock, reaper.Config{
			Enabled:         true,
			Schedule:        cfg.Reaper.Schedule,
			RunningMaxAge:   cfg.Reaper.RunningMaxAge,
			AnalyzingMaxAge: cfg.Reaper.AnalyzingMaxAge,
			BatchSize:       cfg.Reaper.BatchSize,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("reaper init failed: %w", err)
		}
	} else {
		a.logger.Info("reaper disabled")
	}

	a.apiServer = api.NewServer(api.Deps{
		Jobs:       machine,
		Dispatcher: disp,
		Ingestor:   ingestor,
		Retry:      planner,
		Ready:      a.ready,
	}, cfg, a.logger)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(a.apiServer.Handler(), "reporter"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (a *App) setupJobStore(ctx context.Context) (scrape.JobStore, error) {
	switch a.cfg.Storage.Jobs {
	case config.BackendPostgres:
		if a.cfg.Database.Migrate {
			if err := pgstore.Migrate(a.cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("postgres migrations failed: %w", err)
			}
			a.logger.Info("postgres migrations applied")
		}
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.onClose("postgres", func() error {
			store.Close()
			return nil
		})
		a.ready["jobs"] = store.Ping
		a.logger.Info("using postgres job store")
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.Open(a.cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite job store init failed: %w", err)
		}
		a.onClose("sqlite", store.Close)
		a.ready["jobs"] = store.Ping
		a.logger.Info("using sqlite job store", zap.String("path", a.cfg.SQLite.Path))
		return store, nil
	default:
		a.logger.Warn("using in-memory job store; jobs are lost on restart")
		return memoryStorage.NewJobStore(), nil
	}
}

// setupArchive returns a nil store when archiving is off.
func (a *App) setupArchive(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Storage.Archive {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.onClose("gcs", store.Close)
		a.logger.Info("using GCS payload archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local payload archive", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case config.BackendNone:
		a.logger.Info("payload archive disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory payload archive")
		return memoryStorage.NewBlobStore(), nil
	}
}

// setupPublisher returns a nil publisher when job events are off.
func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	switch a.cfg.PubSub.Kind {
	case config.BackendPubSub:
		pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub", pub.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return pub, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory event publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("job events disabled")
		return nil, nil
	}
}

func (a *App) setupQueue(ctx context.Context) (scrape.Queue, error) {
	switch a.cfg.Queue.Kind {
	case config.BackendRedis:
		q, err := queueRedis.New(ctx, a.cfg.Queue.RedisURL, a.cfg.Queue.RedisKey)
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.onClose("redis", q.Close)
		a.ready["queue"] = q.Ping
		restored, err := q.RestoreInFlight(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.logger.Info("using redis analysis queue",
			zap.String("key", a.cfg.Queue.RedisKey),
			zap.Int("restored_tasks", restored),
		)
		return q, nil
	default:
		q := queueMemory.NewQueue(a.cfg.Queue.Depth)
		a.onClose("queue", q.Close)
		a.logger.Info("using in-memory analysis queue", zap.Int("depth", a.cfg.Queue.Depth))
		return q, nil
	}
}

func (a *App) setupAnalyzer() (scrape.Analyzer, error) {
	switch a.cfg.Analysis.Kind {
	case config.AnalyzerMock:
		a.logger.Warn("using mock analyzer; reports are placeholders")
		return mock.New(), nil
	default:
		analyzer, err := anthropic.New(anthropic.Config{
			APIKey:    a.cfg.Analysis.Anthropic.APIKey,
			Model:     a.cfg.Analysis.Anthropic.Model,
			MaxTokens: a.cfg.Analysis.Anthropic.MaxTokens,
			Timeout:   a.cfg.Analysis.Timeout,
			BaseURL:   a.cfg.Analysis.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("analyzer init failed: %w", err)
		}
		return analyzer, nil
	}
}

func (a *App) setupDispatcher(machine *lifecycle.Machine) (*dispatcher.Dispatcher, error) {
	provider := a.cfg.Provider
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   provider.RatePerSecond,
		DefaultBurst: provider.Burst,
	})
	client, err := dispatcher.NewClient(dispatcher.ClientConfig{
		Endpoint:     provider.Endpoint,
		DatasetID:    provider.DatasetID,
		Token:        provider.Token,
		TargetURL:    provider.TargetURL,
		OutputFields: provider.OutputFields,
		Timeout:      provider.Timeout,
	}, &http.Client{
		Timeout:   provider.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("provider client init failed: %w", err)
	}
	a.logger.Info("provider client configured",
		zap.String("endpoint", provider.Endpoint),
		zap.Float64("rate_per_second", provider.RatePerSecond),
		zap.Int("burst", provider.Burst),
	)
	return dispatcher.New(client, machine, provider.PublicBaseURL, a.logger), nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run serves HTTP, drains the analysis queue and runs the reaper until ctx is
// canceled or a signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	if a.reaper != nil {
		g.Go(func() error {
			return a.reaper.Run(gctx)
		})
	}

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close releases infrastructure in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
