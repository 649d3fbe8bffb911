// Package app builds the fleet service from configuration and runs its
// long-lived loops: the HTTP API, the job scheduler, the heartbeat monitor,
// and the bus consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/api"
	"github.com/JakeFAU/crawl-fleet/internal/bus"
	"github.com/JakeFAU/crawl-fleet/internal/cancellation"
	"github.com/JakeFAU/crawl-fleet/internal/clock/system"
	"github.com/JakeFAU/crawl-fleet/internal/config"
	"github.com/JakeFAU/crawl-fleet/internal/crawler"
	"github.com/JakeFAU/crawl-fleet/internal/engine"
	"github.com/JakeFAU/crawl-fleet/internal/extract"
	"github.com/JakeFAU/crawl-fleet/internal/fleet"
	"github.com/JakeFAU/crawl-fleet/internal/id/uuid"
	"github.com/JakeFAU/crawl-fleet/internal/metrics"
	queuememory "github.com/JakeFAU/crawl-fleet/internal/queue/memory"
	"github.com/JakeFAU/crawl-fleet/internal/robots"
	"github.com/JakeFAU/crawl-fleet/internal/scheduler"
	"github.com/JakeFAU/crawl-fleet/internal/telemetry"
	"github.com/JakeFAU/crawl-fleet/internal/workspace"
)

// App holds the wired services and the resources that need closing.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     crawler.JobStore
	queue     *queuememory.JobQueue
	scheduler *scheduler.Scheduler
	fleet     *fleet.Fleet
	apiServer *api.Server
	consumers []runner
	closers   []closer
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

type closer struct {
	name  string
	close func() error
}

// Build wires every dependency named in cfg. On error, anything already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	a.closers = append(a.closers, closer{"tracing", func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(flushCtx)
	}})

	clock := system.New()
	ready := map[string]api.ReadyCheck{}

	store, storeReady, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	if storeReady != nil {
		ready["store"] = storeReady
	}

	frontiers, frontierReady, err := a.setupFrontier()
	if err != nil {
		return nil, err
	}
	if frontierReady != nil {
		ready["frontier"] = frontierReady
	}

	browser, err := a.setupBrowser()
	if err != nil {
		return nil, err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, consume, err := a.setupBus(ctx)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(
		cfg.Engine,
		extract.New(logger),
		robots.NewParser(cfg.Robots.Timeout, logger.Named("robots")),
		clock,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	tokens := cancellation.NewRegistry()
	a.queue = queuememory.NewJobQueue(cfg.Scheduler.QueueCapacity)
	a.closers = append(a.closers, closer{"job queue", func() error { a.queue.Close(); return nil }})

	a.scheduler, err = scheduler.New(cfg.Scheduler.Config, scheduler.Deps{
		Store:      store,
		Queue:      a.queue,
		Workspaces: workspace.NewProvider(cfg.Filter, frontiers),
		Tokens:     tokens,
		Engine:     eng,
		Browser:    browser,
		Publisher:  publisher,
		Archive:    archive,
		Clock:      clock,
		IDs:        uuid.New(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	a.fleet, err = fleet.New(cfg.Fleet, store, clock, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("fleet init failed: %w", err)
	}

	if consume != nil {
		consume(bus.NewRouter(a.fleet, a.scheduler, tokens, logger).Handle)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.scheduler, store, a.fleet, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		ReadyChecks:    ready,
	}, logger)

	logger.Info("application built",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("browser", cfg.Browser.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("bus", cfg.Bus.Backend),
	)
	return a, nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler exposes the scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Run serves HTTP and runs the background loops until ctx ends, then drains
// in-flight crawls and closes every resource.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		a.closeAll()
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx, a.cfg.Scheduler.MaxConcurrentJobs)
	}()
	go func() {
		defer wg.Done()
		a.fleet.Run(ctx)
	}()

	for _, c := range a.consumers {
		wg.Add(1)
		go func(c runner) {
			defer wg.Done()
			if err := c.run(ctx); err != nil {
				a.logger.Error("consumer stopped", zap.String("consumer", c.name), zap.Error(err))
			}
		}(c)
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	wg.Wait()
	a.closeAll()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases resources for an App that was built but never run.
func (a *App) Close() {
	a.closeAll()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
