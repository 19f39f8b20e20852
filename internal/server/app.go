// Package server is the composition root: it builds every service from
// config.Config and runs the HTTP surface and the lifecycle guard.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/api"
	"github.com/JakeFAU/policy-ingest/internal/clock/system"
	"github.com/JakeFAU/policy-ingest/internal/config"
	"github.com/JakeFAU/policy-ingest/internal/content"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/discovery"
	collyfetcher "github.com/JakeFAU/policy-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/policy-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/policy-ingest/internal/hash/sha256"
	"github.com/JakeFAU/policy-ingest/internal/headless/detector"
	"github.com/JakeFAU/policy-ingest/internal/id/uuid"
	"github.com/JakeFAU/policy-ingest/internal/lifecycle"
	"github.com/JakeFAU/policy-ingest/internal/metrics"
	"github.com/JakeFAU/policy-ingest/internal/pipeline"
	"github.com/JakeFAU/policy-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/policy-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/policy-ingest/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/policy-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/policy-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/policy-ingest/internal/retrieval"
	"github.com/JakeFAU/policy-ingest/internal/storage"
	"github.com/JakeFAU/policy-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/policy-ingest/internal/storage/postgres"
)

// App contains the application's long-lived services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	guard     *lifecycle.Guard
	hub       *progress.Hub

	// runCtx parents background ingest runs; cancelRuns aborts them when the
	// shutdown grace period is exhausted.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	app = &App{cfg: cfg, logger: logger, runCtx: runCtx, cancelRuns: cancelRuns}
	defer func() {
		if err != nil {
			cancelRuns()
			app.closeAll(context.Background())
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("renderer_enabled", cfg.Renderer.Enabled),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)

	hub, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	jobs, docs, ready, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}

	blobs, closeBlobs, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("snapshot storage init failed: %w", err)
	}
	app.addCloser("snapshot storage", func(context.Context) error { return closeBlobs() })

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	fetcher := collyfetcher.New(cfg.Fetcher,
		collyfetcher.WithDetector(detector.NewHeuristic(cfg.Detector)),
		collyfetcher.WithLimiter(ratelimit.New(cfg.RateLimit)),
		collyfetcher.WithLogger(logger),
	)
	renderer, err := app.setupRenderer()
	if err != nil {
		return nil, err
	}
	scraper := retrieval.New(fetcher, renderer, content.New(cfg.Content, sha256.New()),
		retrieval.WithEmitter(hub),
		retrieval.WithLogger(logger),
		retrieval.WithClock(clock),
	)
	discoverer := discovery.New(fetcher,
		discovery.WithEmitter(hub),
		discovery.WithLogger(logger),
		discovery.WithClock(clock),
	)

	runner, err := pipeline.New(pipeline.Deps{
		Jobs:       jobs,
		Discoverer: discoverer,
		Scraper:    scraper,
		Blobs:      blobs,
		Documents:  docs,
		Publisher:  publisher,
		IDs:        uuid.New(),
		Clock:      clock,
		Emitter:    hub,
		Logger:     logger,
	}, cfg.Pipeline, cfg.DiscoveryDefaults())
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	if cfg.Lifecycle.Enabled {
		app.guard, err = lifecycle.New(jobs, cfg.Lifecycle.Policies,
			lifecycle.WithClock(clock),
			lifecycle.WithEmitter(hub),
			lifecycle.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("lifecycle guard init failed: %w", err)
		}
	}

	apiCfg := api.Config{RequestTimeout: cfg.Server.WriteTimeout}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Deps{
		Jobs:        jobs,
		Scraper:     scraper,
		Discoverer:  discoverer,
		Ingester:    runner,
		Discovery:   cfg.DiscoveryDefaults(),
		Ready:       ready,
		BaseContext: runCtx,
		Logger:      logger,
	}, apiCfg)
	return app, nil
}

// Run starts the guard and the HTTP server and blocks until ctx is canceled
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.guard != nil {
		go a.guard.Run(ctx)
		a.logger.Info("lifecycle guard started", zap.Int("policies", len(a.guard.Policies())))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
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

	grace := a.cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.apiServer.Wait(shutdownCtx); err != nil {
		a.logger.Warn("aborting in-flight ingest runs", zap.Error(err))
	}
	a.Close(shutdownCtx)

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close cancels background runs and releases resources in reverse order of
// acquisition.
func (a *App) Close(ctx context.Context) {
	a.cancelRuns()
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) setupProgress(ctx context.Context) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	hub := progress.NewHub(a.cfg.Progress,
		progress.WithSink(progresssinks.NewLogSink(a.logger)),
		progress.WithSink(promSink),
		progress.WithClock(system.New()),
		progress.WithBaseContext(ctx),
		progress.WithLogger(a.logger.Named("progress_hub")),
	)
	a.hub = hub
	a.addCloser("progress hub", func(ctx context.Context) error {
		err := hub.Close(ctx)
		a.logger.Debug("progress hub closed",
			zap.Int64("delivered", hub.Delivered()),
			zap.Int64("dropped", hub.Dropped()),
		)
		return err
	})
	return hub, nil
}

func (a *App) setupDatabase(ctx context.Context) (crawler.JobStore, crawler.DocumentStore, func(context.Context) error, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory job and document stores")
		return memory.NewJobStore(), memory.NewDocumentStore(), nil, nil
	}
	pool, err := pgstore.Connect(ctx, a.cfg.DB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.addCloser("postgres pool", func(context.Context) error {
		pool.Close()
		return nil
	})
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	docs, err := pgstore.NewDocumentStore(pool, "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("document store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized")
	return jobs, docs, jobs.Ping, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub publisher", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupRenderer() (crawler.Renderer, error) {
	if !a.cfg.Renderer.Enabled {
		a.logger.Info("headless renderer disabled")
		return headless.NewDisabled(), nil
	}
	alloc := headless.NewChromeAllocator(a.cfg.Renderer)
	a.addCloser("chrome allocator", func(context.Context) error {
		alloc.Close()
		return nil
	})
	pool, err := headless.NewPool(a.cfg.Renderer.MaxSessions, alloc.NewBrowser)
	if err != nil {
		return nil, fmt.Errorf("renderer pool init failed: %w", err)
	}
	renderer := headless.NewRenderer(pool, a.cfg.Renderer, headless.BrowserName, a.logger)
	a.addCloser("headless renderer", func(context.Context) error { return renderer.Close() })
	a.logger.Info("headless renderer enabled", zap.Int("max_sessions", a.cfg.Renderer.MaxSessions))
	return renderer, nil
}
