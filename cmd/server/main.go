// Package main is the entrypoint for the calcqueue API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/calcqueue/internal/api"
	"github.com/kiranshivaraju/calcqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/calcqueue/internal/api/middleware"
	"github.com/kiranshivaraju/calcqueue/internal/api/response"
	"github.com/kiranshivaraju/calcqueue/internal/cache"
	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/internal/jobs"
	"github.com/kiranshivaraju/calcqueue/internal/notify"
	"github.com/kiranshivaraju/calcqueue/internal/progress"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded",
		"env", cfg.Server.Env,
		"store_driver", cfg.Store.Driver,
		"compute_provider", cfg.Compute.Provider,
		"dispatch_mode", cfg.Runner.DispatchMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store and its change feed
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 4. Create compute provider
	computer, err := compute.NewComputer(cfg.Compute, redisCache, logger)
	if err != nil {
		return fmt.Errorf("create compute provider: %w", err)
	}
	logger.Info("compute provider initialized", "provider", computer.Name())

	// 5. Job service, push notifier and pull poller
	svc := jobs.NewService(be.store, redisCache, computer, cfg.Runner, logger)

	notifier, err := notify.New(be.feed, cfg.Notifier, logger)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	poller := progress.NewPoller(svc, cfg.Poller.Interval, logger)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Logger:         logger,
		RateLimit:      mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute, logger),
		AllowedOrigins: cfg.Server.AllowedOrigins,

		HealthHandler:    healthHandler(be.store, redisCache, notifier),
		SubmitHandler:    handler.NewSubmitHandler(svc),
		RunHandler:       handler.NewRunHandler(svc),
		UpdatesHandler:   handler.NewUpdatesHandler(svc),
		StatusHandler:    handler.NewStatusHandler(svc),
		ProgressHandler:  handler.NewProgressHandler(svc),
		StreamHandler:    handler.NewStreamHandler(notifier, logger),
		WebSocketHandler: handler.NewWebSocketHandler(notifier, logger),
		WatchHandler:     handler.NewWatchHandler(poller, logger),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server. Stream routes clear their own write deadline.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Streams hold requests open, so end them before draining.
		notifier.Close()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("job runs shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}

// backend is the job store plus the change feed observing it.
type backend struct {
	store store.Store
	feed  store.ChangeFeed
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		mem := store.NewMemoryStore(store.WithLogger(logger))
		logger.Warn("using in-memory job store, jobs are lost on restart")
		return &backend{store: mem, feed: mem, close: func() {}}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	return &backend{
		store: store.NewPostgresStore(pool),
		feed:  store.NewPostgresFeed(pool, logger),
		close: pool.Close,
	}, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type feedState interface {
	Active() bool
	Subscribers() int
}

// healthHandler checks database and cache connectivity and reports the change feed state.
// An idle feed is healthy: it only runs while stream observers are attached.
func healthHandler(s pinger, c pinger, feed feedState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		feedStatus := "idle"
		if feed.Active() {
			feedStatus = "active"
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"change_feed": map[string]any{
				"status":      feedStatus,
				"subscribers": feed.Subscribers(),
			},
		})
	}
}
