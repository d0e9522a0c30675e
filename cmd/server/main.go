package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/afero"

	"github.com/zynqcloud/driftbin/internal/admission"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/config"
	"github.com/zynqcloud/driftbin/internal/handler"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/quota"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
	"github.com/zynqcloud/driftbin/internal/reports"
	"github.com/zynqcloud/driftbin/internal/scheduler"
	"github.com/zynqcloud/driftbin/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if cfg.MetricsToken == "" {
		logger.Warn("METRICS_TOKEN is not set — /metrics and /healthz/ready will be accepted unauthenticated (dev mode only)")
	}

	fs := afero.NewOsFs()

	blobs, err := blobstore.New(fs, cfg.BlobsDir(), cfg.StagingDir(), cfg.BlobGraceWindow, logger)
	if err != nil {
		logger.Error("failed to initialise blob store", "err", err)
		os.Exit(1)
	}

	meta, err := metadata.New(fs, cfg.DataDir(), blobs, logger)
	if err != nil {
		logger.Error("failed to load metadata store", "err", err)
		os.Exit(1)
	}

	bans, err := ratelimit.NewBanList(fs, cfg.DataDir(), logger)
	if err != nil {
		logger.Error("failed to load ban list", "err", err)
		os.Exit(1)
	}
	limiter := ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	reportSink, err := reports.New(fs, cfg.DataDir(), logger)
	if err != nil {
		logger.Error("failed to load report sink", "err", err)
		os.Exit(1)
	}

	observer := quota.New(meta, cfg.MaxStorageBytes, cfg.HysteresisHigh, cfg.HysteresisLow)
	observer.Recompute()

	owners := privacy.New(cfg.OwnerSecret, cfg.TrustProxyHeaders, cfg.TrustedProxyCIDRs, logger)

	sessions := session.New(fs, cfg.ChunksDir(), cfg.ChunkSizeMin, cfg.ChunkSizeMax, cfg.MaxChunks, blobs, meta, logger)
	recovered, err := sessions.LoadAll(cfg.SessionIdleHorizon)
	if err != nil {
		logger.Error("failed to recover chunk sessions", "err", err)
		os.Exit(1)
	}
	logger.Info("recovered chunk sessions", "count", recovered)

	// A crash mid-commit leaves either the staging file or the published
	// blob, never both (spec.md §4.3) — any staging file still around from
	// before this restart was never committed and is safe to discard.
	if n := blobs.ReclaimOrphanedStaging(cfg.StagingReclaimHorizon); n > 0 {
		logger.Info("reclaimed orphaned blob staging files", "count", n)
	}

	gate := admission.New(bans, limiter, meta, observer, cfg.MaxFileBytes, cfg.MaxActiveFilesPerOwner)

	sched := scheduler.New(meta, sessions, bans, limiter, observer, blobs, cfg.SessionIdleHorizon, cfg.RateLimitIdleHorizon, cfg.StagingReclaimHorizon, logger)
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	sched.RunPeriodic(schedCtx, cfg.SchedulerInterval)

	mux := handler.New(handler.Deps{
		Config:   cfg,
		Blobs:    blobs,
		Meta:     meta,
		Sessions: sessions,
		Owners:   owners,
		Gate:     gate,
		Observer: observer,
		Reports:  reportSink,
		Bans:     bans,
		Limiter:  limiter,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
		// Large timeouts accommodate slow disks and very large files.
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("driftbin starting", "port", cfg.Port, "root", cfg.StorageRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// shutdownSignals is defined in signals.go (os.Interrupt) and extended by
	// signals_unix.go (+ SIGTERM) via build tags — no OS-specific imports here.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, shutdownSignals...)
	<-quit

	logger.Info("shutdown signal received — draining connections")
	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	logger.Info("driftbin stopped")
}
