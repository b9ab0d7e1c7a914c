// Package main is the entrypoint for the errly server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/errly-io/errly/internal/api"
	"github.com/errly-io/errly/internal/api/handler"
	mw "github.com/errly-io/errly/internal/api/middleware"
	"github.com/errly-io/errly/internal/cache"
	"github.com/errly-io/errly/internal/config"
	"github.com/errly-io/errly/internal/grouper"
	"github.com/errly-io/errly/internal/platform"
	"github.com/errly-io/errly/internal/push"
	"github.com/errly-io/errly/internal/retention"
	"github.com/errly-io/errly/internal/store"
	"github.com/errly-io/errly/internal/watcher"
	"github.com/errly-io/errly/internal/webhook"
)

const shutdownTimeout = 8 * time.Second

const defaultPlatformBaseURL = "https://backboard.railway.app"

const sentinelFileName = ".errly-initialized"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := checkPersistenceLayout(cfg.Database.Path); err != nil {
		slog.Warn("persistence layout check failed", "err", err)
	}

	db, err := store.Connect(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	slog.Info("database connected", "path", cfg.Database.Path)

	if err := store.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	sqliteStore := store.NewSQLiteStore(db)

	var errCache cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, direct-ingestion rate limiting disabled", "err", err)
		} else {
			errCache = redisCache
			slog.Info("redis connected")
		}
	} else {
		slog.Info("REDIS_URL not set, direct-ingestion rate limiting disabled")
	}

	hub := push.New(cfg.Auth.MaxSSEClients, sqliteStore)
	webhookDispatcher := webhook.New(sqliteStore)
	errGrouper := grouper.New(sqliteStore, hub, webhookDispatcher)

	sweeper := retention.New(sqliteStore, sqliteStore, hub)

	autoCaptureEnabled := cfg.Platform.APIToken != ""
	var platformClient *platform.Client
	var logWatcher *watcher.Watcher
	if autoCaptureEnabled {
		platformClient = platform.New(defaultPlatformBaseURL, cfg.Platform.APIToken)
		logWatcher = watcher.New(watcher.Adapt(platformClient), errGrouper, watcher.Config{
			ProjectID:        cfg.Platform.ProjectID,
			EnvironmentName:  cfg.Platform.EnvironmentName,
			SelfServiceID:    cfg.Platform.ServiceID,
			MaxSubscriptions: cfg.Platform.MaxSubscriptions,
		})
	} else {
		platformClient = platform.New(defaultPlatformBaseURL, "")
		logWatcher = watcher.New(watcher.Adapt(platformClient), errGrouper, watcher.Config{
			MaxSubscriptions: cfg.Platform.MaxSubscriptions,
		})
		slog.Info("RAILWAY_API_TOKEN not set, auto-capture disabled")
	}

	startedAt := time.Now()

	auth := mw.NewAuth(sqliteStore, cfg.Auth.Password)
	rateLimit := mw.NewRateLimit(errCache, 100)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:      handler.Health(sqliteStore, logWatcher, hub, startedAt, autoCaptureEnabled),
		DiagnosticsHandler: handler.Diagnostics(logWatcher, hub, platformClient, errGrouper),
		StreamHandler:      handler.Stream(hub),
		IngestHandler:      handler.Ingest(errGrouper),

		ListErrorsHandler:   handler.ListErrors(sqliteStore),
		GetErrorHandler:     handler.GetError(sqliteStore),
		RelatedHandler:      handler.RelatedErrors(sqliteStore),
		UpdateStatusHandler: handler.UpdateErrorStatus(sqliteStore),
		BulkDeleteHandler:   handler.BulkDeleteErrors(sqliteStore, hub),
		StatsHandler:        handler.Stats(sqliteStore),
		ServicesHandler:     handler.Services(sqliteStore),
	}

	router := api.NewRouter(deps)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	runBackground := func(name string, fn func(context.Context)) {
		go fn(bgCtx)
		slog.Info("background task started", "task", name)
	}

	runBackground("push-hub", hub.Run)
	runBackground("retention-sweeper", sweeper.Run)
	if autoCaptureEnabled {
		runBackground("log-watcher", logWatcher.Run)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Shutdown()
	cancelBg()
	if logWatcher != nil {
		logWatcher.Stop()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// checkPersistenceLayout writes a sentinel file on first successful init
// and warns when the sentinel is missing but the data directory is
// non-empty, which on platforms with ephemeral storage indicates the
// volume was silently reset since the last boot.
func checkPersistenceLayout(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	sentinel := filepath.Join(dir, sentinelFileName)
	if _, err := os.Stat(sentinel); err == nil {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}
	if len(entries) > 0 {
		slog.Warn("data directory is non-empty but has no init sentinel; storage may be ephemeral", "dir", dir)
	}

	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("write init sentinel: %w", err)
	}
	return nil
}
