// Package main boots the magnet rewards HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/magnet-rewards/internal/catalog"
	"github.com/fairyhunter13/magnet-rewards/internal/config"
	"github.com/fairyhunter13/magnet-rewards/internal/engine"
	httpapi "github.com/fairyhunter13/magnet-rewards/internal/http"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/queue"
	"github.com/fairyhunter13/magnet-rewards/internal/storage"
	"github.com/fairyhunter13/magnet-rewards/internal/storage/sqlite"
)

func main() {
	obs.InitLogger()
	cfg, err := config.Load()
	if err != nil {
		obs.Logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Logger.Info("service_starting", "addr", cfg.HTTPAddr, "db_path", cfg.DBPath, "catalog_path", cfg.CatalogPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := obs.SetupTracing(ctx, "magnet-rewards", cfg.OTELEndpoint)
	if err != nil {
		obs.Logger.Error("tracing_setup_failed", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		obs.Logger.Error("catalog_invalid", "error", err)
		os.Exit(1)
	}

	var journal storage.Journal = storage.Nop{}
	if cfg.DBPath != "" {
		db, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			obs.Logger.Error("journal_open_failed", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		journal = db
	}

	eng, err := engine.New(cat, journal, engine.Options{
		SelectionRetries: cfg.SelectionRetries,
		SelectionSeed:    cfg.SelectionSeed,
		JournalMaxTries:  cfg.JournalMaxTries,
		JournalBackoff:   cfg.JournalRetryBackoff,
	})
	if err != nil {
		obs.Logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}
	if err := eng.Bootstrap(ctx); err != nil {
		obs.Logger.Error("engine_bootstrap_failed", "error", err)
		os.Exit(1)
	}

	q := queue.New(128)
	mgr := queue.NewManager(cfg, q, eng)
	mgr.Start(ctx)

	app := httpapi.NewApp(cfg, eng, mgr)
	mux := httpapi.NewRouter(app)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Logger.Error("http_server_error", "error", err)
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigc
	obs.Logger.Info("shutdown_signal", "signal", s.String())

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin", "backlog_size", mgr.BacklogSize(), "worker_count", mgr.WorkerCount())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := mgr.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout")
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	mgr.Stop()

	if err := journal.Close(); err != nil {
		obs.Logger.Error("journal_close_error", "error", err)
	}
	if err := shutdownTracing(ctxSrv); err != nil {
		obs.Logger.Error("tracing_shutdown_error", "error", err)
	}
	obs.Logger.Info("service_stopped")
}
