// Command server runs the inspection and reconstruction API.
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

	aianthropic "github.com/resello/inspect3d/internal/adapter/ai/anthropic"
	"github.com/resello/inspect3d/internal/adapter/httpserver"
	"github.com/resello/inspect3d/internal/adapter/objectstore"
	"github.com/resello/inspect3d/internal/adapter/objectstore/s3"
	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/adapter/recon"
	"github.com/resello/inspect3d/internal/adapter/repo/memory"
	"github.com/resello/inspect3d/internal/adapter/repo/postgres"
	"github.com/resello/inspect3d/internal/app"
	"github.com/resello/inspect3d/internal/config"
	"github.com/resello/inspect3d/internal/domain"
	"github.com/resello/inspect3d/internal/scheduler"
	"github.com/resello/inspect3d/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	tracerShutdown, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if tracerShutdown != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerShutdown(ctx)
		}()
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database pool setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	sink := postgres.NewReconciler(pool, cfg.ActivationThreshold, cfg.ReconcileMaxElapsed, cfg.ReconcileInitialInterval)

	store, err := s3.New(ctx)
	if err != nil {
		slog.Error("object store setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	fetcher := objectstore.NewFetcher(store, cfg.MaxImageSize)

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		slog.Error("prompt config failed", slog.Any("error", err))
		os.Exit(1)
	}
	analyzer, err := aianthropic.New(cfg.AnthropicAPIKey, cfg.ClaudeModel, prompts)
	if err != nil {
		slog.Error("analyzer setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := memory.NewJobStore()
	tool := recon.NewExecToolchain(cfg.ColmapBin, cfg.TrainerBin)
	pipeline := recon.NewPipeline(tool, jobs, recon.Validator{
		MinRegisteredImages: cfg.MinRegisteredImages,
		MinPoints3D:         cfg.MinPoints3D,
	})

	batch := usecase.NewBatchAnalyzer(fetcher, analyzer, cfg.AnalysisBatchSize, cfg.AnalysisPace, cfg.AnalysisInnerDeadline, cfg.ItemCategory)
	analysisSvc := usecase.NewAnalysisService(batch, sink, cfg.TrimKeepFraction, cfg.AnalysisOuterDeadline)
	descSvc := usecase.NewDescriptionService(fetcher, analyzer)

	reconSvc := usecase.NewReconService(jobs, sink, fetcher, pipeline, nil,
		cfg.DataDir, cfg.MinImages, cfg.MaxImages, cfg.TrainingIterations, int(cfg.MaxConcurrentJobs), logger)
	sched := scheduler.New(cfg.MaxConcurrentJobs, domain.KindRecon, logger, reconSvc.FailEvicted)
	reconSvc.Sched = sched

	srv := httpserver.NewServer(cfg, analysisSvc, descSvc, reconSvc, pool.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Warn("scheduler shutdown incomplete", slog.Any("error", err))
	}
}
