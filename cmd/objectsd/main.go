// Command objectsd is the object server daemon.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/specklesystems/speckle-server-sub009/config"
	"github.com/specklesystems/speckle-server-sub009/server/api"
	"github.com/specklesystems/speckle-server-sub009/server/store"
)

func main() {
	// Parse flags
	listen := flag.StringP("listen", "l", "", "Address to listen on (default: :3000)")
	dataDir := flag.StringP("data", "d", "", "Data directory (default: ./data)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load config (flags override env)
	cfg := config.FromArgs(*listen, *dataDir)
	if *debug {
		cfg.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("objectsd starting",
		"listen", cfg.Listen,
		"data", cfg.DataDir,
		"max_batch_mb", cfg.MaxBatchSize/(1024*1024),
		"auth", cfg.AuthSecret != "",
		"version", cfg.Version)

	db, err := store.OpenDir(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open object store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := api.NewRouter(db, cfg, logger, reg)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	// No WriteTimeout: getobjects responses stream for as long as the
	// client keeps reading.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}

		close(done)
	}()

	logger.Info("objectsd listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("objectsd stopped")
}
