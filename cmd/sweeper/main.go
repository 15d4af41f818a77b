// The sweeper drains the fallback queue: it claims unpicked jobs in FIFO
// order and runs them through the synchronous supplier path. Deployments
// with webhook delivery can run it at a long interval as a safety net;
// deployments without webhooks rely on it entirely.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"transcription-service/internal/config"
	"transcription-service/internal/dispatch"
	"transcription-service/internal/engine"
	"transcription-service/internal/media"
	"transcription-service/internal/queue"
	"transcription-service/internal/storage"
	"transcription-service/internal/store"
	"transcription-service/internal/supplier"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/usage"
)

func main() {
	cfg := config.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "sweeper",
	})
	if cfg.Env == "dev" {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", "err", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	blob, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init object storage", "err", err)
	}

	anon := usage.NewAnonLimiter(rdb, cfg.AnonDailyCap, 48*time.Hour)
	ledger := usage.NewLedger(st, anon, usage.DefaultTiers, logger)

	extractor := media.NewExtractor(cfg.ExtractorBaseURL, cfg.ExtractorTimeout)
	clipper := &media.FFmpegClipper{Path: cfg.FFmpegPath}
	preparer := media.NewPreparer(cfg, blob, st, extractor, clipper, func() {
		telemetry.StagingRetries.Inc()
	}, logger)

	standard := supplier.NewHTTPClient(supplier.Options{
		Name:           supplier.FamilyStandard,
		BaseURL:        cfg.StandardSupplierURL,
		APIKey:         cfg.StandardSupplierKey,
		Timeout:        cfg.SupplierTimeout,
		RequestsPerSec: cfg.SupplierRequestsPerSec,
	})
	precision := supplier.NewHTTPClient(supplier.Options{
		Name:           supplier.FamilyPrecision,
		BaseURL:        cfg.PrecisionSupplierURL,
		APIKey:         cfg.PrecisionSupplierKey,
		HighAccuracy:   true,
		Timeout:        cfg.SupplierTimeout,
		RequestsPerSec: cfg.SupplierRequestsPerSec,
	})
	// The fallback flag is off here: a claimed job that cannot be routed
	// must fail rather than bounce back onto the queue it came from.
	router := dispatch.NewRouter(cfg.EnabledSuppliers, false, standard, precision)

	fallback := queue.NewFallback(st.Pool())
	eng := engine.New(cfg, st, fallback, ledger, preparer, router, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "err", err)
		}
	}()

	logger.Info("sweeper started", "interval", cfg.SweepInterval)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsServer.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			drain(ctx, eng, logger)
		}
	}
}

// drain claims queue entries until the queue reports empty or the run hits
// an error, so a burst of fallback jobs clears in one tick.
func drain(ctx context.Context, eng *engine.Engine, logger *log.Logger) {
	for {
		outcome, err := eng.Sweep(ctx)
		if err != nil {
			logger.Error("sweep", "err", err)
			return
		}
		if !outcome.Claimed {
			return
		}
		logger.Info("swept", "job", outcome.JobID, "disposition", outcome.Disposition)
	}
}
