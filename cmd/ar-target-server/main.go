package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	artarget "github.com/menta2k/ar-target"
	"github.com/menta2k/ar-target/internal/config"
	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/server"
)

func main() {
	var configPath, addr string
	var retryInterval time.Duration

	flag.StringVar(&configPath, "config", "", "JSON config file (defaults and ARTARGET_* env otherwise)")
	flag.StringVar(&addr, "addr", "", "listen address (config server.addr when empty)")
	flag.DurationVar(&retryInterval, "retry-interval", 10*time.Minute, "how often pending descriptor generations are retried, 0 disables")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	var logFile *os.File
	if cfg.Log.Dir != "" {
		logFile, err = logging.OpenFile(cfg.Log.Dir, "ar-target-server", time.Now())
		if err != nil {
			log.Fatal(err)
		}
		defer logFile.Close()
	}
	logger := logging.New(nil, cfg.Log.Level)
	if logFile != nil {
		logger = logging.New(logFile, cfg.Log.Level)
	}
	slog.SetDefault(logger)

	pipeline, err := artarget.NewFromConfig(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if retryInterval > 0 {
		go retryLoop(ctx, pipeline, retryInterval, logger)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(pipeline, cfg.Storage.Root, logger).Router(cfg.Storage.BaseURL),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "public_url", cfg.Server.PublicURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	if err := pipeline.Close(); err != nil {
		logger.Error("failed to close pipeline", "error", err)
	}
}

// retryLoop retries failed descriptor generations on startup and then every
// interval.
func retryLoop(ctx context.Context, pipeline *artarget.Pipeline, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := pipeline.RetryPending(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("retrying pending generations failed", "error", err)
		} else if n > 0 {
			logger.Info("retrying pending generations", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
