// Package main runs the worker process: queue consumption, the lease
// reaper and, when result sync is enabled, the sync retrier. A small
// metrics endpoint is exposed for scraping; the API surface lives in the
// server process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medialens/inference/internal/app"
	"github.com/medialens/inference/internal/config"
	"github.com/medialens/inference/internal/observability"
	"github.com/medialens/inference/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewRuntime(ctx, cfg)
	if err != nil {
		slog.Error("runtime init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/readyz", rt.Ready.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	w := worker.New(rt.Store, rt.Queue, rt.Media, rt.Engine, rt.Vectors, rt.Broadcast,
		rt.Confirmer(), worker.Config{
			PollInterval:     cfg.WorkerPollInterval,
			LeaseDuration:    cfg.WorkerLeaseDuration,
			MediaTimeout:     cfg.MediaFetchTimeout,
			RetryBackoffBase: cfg.WorkerRetryBackoff,
			RetryBackoffMax:  cfg.WorkerRetryBackoffMax,
			InferConcurrency: cfg.WorkerInferConcurrency,
		})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.NewReaper(rt.Store, rt.Queue, rt.Broadcast, cfg.ReapInterval).Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Sampler.Run(ctx)
	}()

	if confirmer := rt.Confirmer(); confirmer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.NewSyncer(rt.Store, confirmer, rt.Broadcast,
				cfg.SyncRetryInterval, cfg.SyncMaxRetries, cfg.WorkerRetryBackoff).Run(ctx)
		}()
	}

	slog.Info("worker process started",
		slog.String("worker_id", w.ID),
		slog.Bool("media_sync", cfg.MediaSyncEnabled),
		slog.String("env", cfg.AppEnv))

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping loops")
	wg.Wait()
	// rt.Close drains the broadcast outbox after the loops stop.
	slog.Info("worker stopped")
}
