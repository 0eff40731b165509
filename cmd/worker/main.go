// Package main is the entrypoint for the churn scoring worker.
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

	"github.com/kiranshivaraju/churnguard/internal/api"
	"github.com/kiranshivaraju/churnguard/internal/api/handler"
	"github.com/kiranshivaraju/churnguard/internal/blob"
	"github.com/kiranshivaraju/churnguard/internal/cache"
	"github.com/kiranshivaraju/churnguard/internal/config"
	"github.com/kiranshivaraju/churnguard/internal/model"
	"github.com/kiranshivaraju/churnguard/internal/queue"
	"github.com/kiranshivaraju/churnguard/internal/store"
	"github.com/kiranshivaraju/churnguard/internal/table"
	"github.com/kiranshivaraju/churnguard/internal/telemetry"
	"github.com/kiranshivaraju/churnguard/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2

	shutdownTimeout = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	os.Exit(run())
}

func run() int {
	// 1. Load config. Values are never logged, only non-secret settings.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return exitStartup
	}
	slog.Info("config loaded",
		"worker_id", cfg.Worker.ID,
		"model_pattern", cfg.Model.NamePattern,
		"job_budget", cfg.Worker.JobBudget.String(),
		"max_input_rows", cfg.Limits.MaxInputRows)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tel, err := telemetry.New(reg, slog.Default())
	if err != nil {
		slog.Error("register telemetry", "error", err)
		return exitStartup
	}

	// 2. Load the model before touching any network dependency.
	start := time.Now()
	bundle, err := model.Load(cfg.Model.Dir, cfg.Model.NamePattern)
	if err != nil {
		slog.Error("load model", "error", err)
		return exitStartup
	}
	tel.ModelLoaded(bundle.Version, time.Since(start))

	// 3. Connect to the job store and apply migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect job store", "error", err)
		return exitStartup
	}
	defer pool.Close()
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		slog.Error("run migrations", "error", err)
		return exitStartup
	}
	jobStore := store.NewPostgresStore(pool)
	slog.Info("job store connected")

	// 4. Queue consumer and status mirror share one Redis client
	client, err := queue.NewRedisClient(cfg.Queue.URL)
	if err != nil {
		slog.Error("create queue client", "error", err)
		return exitStartup
	}
	defer client.Close()

	jobQueue := queue.NewRedisStreamQueue(client, queue.Config{
		Stream:            cfg.Queue.Stream,
		Group:             cfg.Queue.Group,
		Consumer:          cfg.Worker.ID,
		DeadLetterStream:  cfg.Queue.DeadLetterStream,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceive:        cfg.Queue.MaxReceive,
	})
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		slog.Error("prepare queue", "error", err)
		return exitStartup
	}
	statusCache := cache.NewRedisCacheFromClient(client)
	slog.Info("queue connected", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group)

	// 5. Blob storage
	blobs, err := blob.NewS3Gateway(ctx, cfg.Blob)
	if err != nil {
		slog.Error("create blob gateway", "error", err)
		return exitStartup
	}

	// 6. Worker
	w, err := worker.New(worker.Config{
		ID:           cfg.Worker.ID,
		JobBudget:    cfg.Worker.JobBudget,
		PollWait:     cfg.Worker.PollWait,
		ReleaseDelay: cfg.Worker.ReleaseDelay,
		Limits: table.Limits{
			MaxRows:    cfg.Limits.MaxInputRows,
			MaxColumns: cfg.Limits.MaxInputColumns,
		},
	}, jobQueue, jobStore, statusCache, blobs, bundle, tel)
	if err != nil {
		slog.Error("create worker", "error", err)
		return exitStartup
	}

	// 7. Operations port
	srv := opsServer(cfg.Health.Port, api.Dependencies{
		Checks: map[string]handler.Pinger{
			"job_store": jobStore,
			"queue":     jobQueue,
			"cache":     statusCache,
			"blob":      blobs,
		},
		ModelVersion: bundle.Version,
		Draining:     func() bool { return ctx.Err() != nil },
		Gatherer:     reg,
	})

	// 8. Poll until SIGTERM; the in-flight job finishes first.
	runErr := w.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown", "error", err)
		}
	}

	if runErr != nil {
		slog.Error("worker stopped on unrecoverable error", "error", runErr)
		return exitRuntime
	}
	slog.Info("worker stopped gracefully")
	return exitOK
}

// opsServer starts the health and metrics listener in the background. Port 0
// disables it.
func opsServer(port int, deps api.Dependencies) *http.Server {
	if port == 0 {
		return nil
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server failed", "error", err)
		}
	}()
	return srv
}
