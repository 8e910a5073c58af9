package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	configloader "github.com/emberhollow/voicesync/external/config"
	queryimpl "github.com/emberhollow/voicesync/external/query"
	repositoryimpl "github.com/emberhollow/voicesync/external/repository"
	snapshotimpl "github.com/emberhollow/voicesync/external/snapshot"
	"github.com/emberhollow/voicesync/internal/api"
	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/syncer"
	"github.com/emberhollow/voicesync/internal/verification"
)

const shutdownTimeout = 10 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "servers", len(cfg.Servers))

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching sync service")
	run(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	queryimpl.RegisterDI(injector)
	snapshotimpl.RegisterDI(injector)
	syncer.RegisterDI(injector)
	verification.RegisterDI(injector)
	api.RegisterDI(injector)

	return injector
}

func run(cfg *config.Config, injector do.Injector) {
	engine, err := do.Invoke[*syncer.Engine](injector)
	if err != nil {
		slog.Error("failed to resolve sync engine", "error", err)
		os.Exit(1)
	}
	apiServer, err := do.Invoke[*api.Server](injector)
	if err != nil {
		slog.Error("failed to resolve api server", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runScheduler(rootCtx, cfg, engine)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Routes(),
	}

	done := make(chan struct{})
	go func() {
		slog.Info("startup: listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-rootCtx.Done():
		slog.Info("shutting down")
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
}

// runScheduler runs one collection immediately, then repeats on the
// configured interval until the context ends.
func runScheduler(ctx context.Context, cfg *config.Config, engine *syncer.Engine) {
	runOnce := func() {
		runCtx, cancel := context.WithTimeout(ctx, cfg.SyncInterval)
		defer cancel()
		if _, err := engine.RunAll(runCtx); err != nil {
			slog.Error("scheduled sync failed", "error", err)
		}
	}

	runOnce()
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
