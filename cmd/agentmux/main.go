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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	amhttp "github.com/agentmux/agentmux/internal/adapter/http"
	amnats "github.com/agentmux/agentmux/internal/adapter/nats"
	"github.com/agentmux/agentmux/internal/adapter/postgres"
	"github.com/agentmux/agentmux/internal/adapter/ristretto"
	"github.com/agentmux/agentmux/internal/adapter/ws"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/driver"
	"github.com/agentmux/agentmux/internal/git"
	"github.com/agentmux/agentmux/internal/lifecycle"
	"github.com/agentmux/agentmux/internal/logger"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/resilience"
	"github.com/agentmux/agentmux/internal/sched"
	"github.com/agentmux/agentmux/internal/spawner"
	"github.com/agentmux/agentmux/internal/worktree"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"isolation", cfg.Spawner.IsolationMode,
		"tmux_session", cfg.Lifecycle.Session,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	// PostgreSQL
	pgpool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgpool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pgpool)

	// NATS
	bus, err := amnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()
	slog.Info("nats connected", "url", cfg.NATS.URL)

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Engine ---

	hub := ws.NewHub()
	clock := sched.SystemClock()
	timers := sched.New(clock)

	gitPool := git.NewPool(cfg.Git.MaxConcurrent)
	trees := worktree.NewManager(cfg.Worktree, gitPool, git.ExecRunner{}, clock)
	procs := lifecycle.NewManager(cfg.Lifecycle, lifecycle.ExecTmux{}, trees, timers, clock)
	pool := spawner.New(cfg.Spawner, procs, hub, clock)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)
	q := queue.New(cfg.Queue, clock, store, breaker, hub)

	drv := driver.New(cfg.Driver, q, pool, procs, trees, bus, hub, timers, clock)

	drvDone := make(chan error, 1)
	go func() { drvDone <- drv.Run(ctx) }()

	// Initial agent pool. Without tmux the engine still serves the
	// inspection API, it just has no workers to hand missions to.
	if cfg.Spawner.PoolSize > 0 {
		if procs.Supported() {
			agents, err := pool.SpawnPool(ctx, cfg.Spawner.PoolSize, spawner.AgentConfig{})
			if err != nil {
				slog.Warn("initial pool incomplete", "spawned", len(agents), "error", err)
			} else {
				slog.Info("initial pool spawned", "count", len(agents))
			}
		} else {
			slog.Warn("tmux not available, skipping initial agent pool")
		}
	}

	// --- HTTP ---

	handlers := &amhttp.Handlers{
		Queue: q,
		Pool:  pool,
		Procs: procs,
		Trees: trees,
		Cache: cache,
	}

	r := chi.NewRouter()
	r.Use(amhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(amhttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	amhttp.MountRoutes(r, handlers, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case err := <-srvErr:
		return fmt.Errorf("server: %w", err)
	case err := <-drvDone:
		if err != nil {
			return fmt.Errorf("driver: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	pool.Shutdown(shutdownCtx) // tears down the lifecycle manager's handles too
	trees.Shutdown(shutdownCtx)

	if err := bus.Drain(); err != nil {
		slog.Error("nats drain", "error", err)
	}

	return nil
}
