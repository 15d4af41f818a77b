package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"transcription-service/internal/api"
	"transcription-service/internal/config"
	"transcription-service/internal/dispatch"
	"transcription-service/internal/engine"
	"transcription-service/internal/media"
	"transcription-service/internal/queue"
	"transcription-service/internal/storage"
	"transcription-service/internal/store"
	"transcription-service/internal/supplier"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/upload"
	"transcription-service/internal/usage"
)

func main() {
	cfg := config.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "api",
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
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect redis", "err", err)
	}
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
	router := dispatch.NewRouter(cfg.EnabledSuppliers, cfg.FallbackQueueEnabled, standard, precision)

	fallback := queue.NewFallback(st.Pool())
	eng := engine.New(cfg, st, fallback, ledger, preparer, router, logger)

	uploads := upload.NewManager(blob, cfg.MultipartThreshold, cfg.MultipartPartSize, cfg.PresignPutExpiry)

	server := api.New(cfg, eng, st, uploads, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
