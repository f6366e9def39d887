package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"busmap/internal/config"
	"busmap/internal/metrics"
	"busmap/internal/pipeline"
	"busmap/internal/server"
	"busmap/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := config.Load()

	// CLI flags
	warmOnly := flag.Bool("warm", false, "Resolve boundary, stops and lines into the cache, then exit")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for durable cache data")
	flag.Parse()

	// Context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mc := metrics.NewCollector()
	p := pipeline.New(cfg, db, mc, logger)

	if *warmOnly {
		if err := p.Warm(ctx); err != nil {
			logger.Error("cache warmup failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Warm the long-lived caches in the background so the first request
	// does not pay every upstream's latency.
	go func() {
		if err := p.Warm(ctx); err != nil {
			logger.Warn("cache warmup failed", "error", err)
		}
	}()

	srv := server.New(cfg, p, mc, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
