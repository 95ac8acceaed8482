package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glitchtip/ingest/alerts"
	"github.com/glitchtip/ingest/auth"
	"github.com/glitchtip/ingest/cache"
	"github.com/glitchtip/ingest/config"
	"github.com/glitchtip/ingest/db"
	"github.com/glitchtip/ingest/grouping"
	"github.com/glitchtip/ingest/handler"
	"github.com/glitchtip/ingest/ingestpipeline"
	"github.com/glitchtip/ingest/logger"
	"github.com/glitchtip/ingest/metrics"
	"github.com/glitchtip/ingest/redisclient"
	"github.com/glitchtip/ingest/router"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := db.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer store.Close()

	rdb, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build redis client")
	}
	defer rdb.Close()
	if err := rdb.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to reach redis")
	}

	cacheStore := cache.New(rdb.C)
	gate := auth.NewGate(store, cacheStore, cfg.BillingEnabled, cfg.MaintenanceEventFreeze, cfg.ThrottleCheckInterval)
	engine := grouping.NewEngine(store)

	pipelineCfg := ingestpipeline.Config{
		BufferSize:    10000,
		BatchSize:     cfg.PersistBatchSize,
		FlushInterval: cfg.PersistFlushPeriod,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
		Workers:       cfg.PersistWorkers,
		MaxLexemes:    10000,
	}

	var pipeline *ingestpipeline.Pipeline
	reg := metrics.New(func() float64 {
		if pipeline == nil {
			return 0
		}
		return float64(pipeline.Stats().BufferLen)
	})
	pipeline = ingestpipeline.New(log, store, engine, cacheStore, reg, pipelineCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline.Start(ctx)
	defer pipeline.Stop()

	txPipeline := ingestpipeline.NewTransactionPipeline(log, store, pipelineCfg)
	txPipeline.Start(ctx)
	defer txPipeline.Stop()

	bundles := handler.NewLocalBundleStore(bundleBaseDir())
	ingestHandler := handler.NewIngestHandler(store, cacheStore, pipeline, txPipeline, bundles, reg, log, cfg.MaxBodyBytes)

	dispatcher := alerts.NewDispatcher(cfg.WebhookTimeout)
	evaluator := alerts.New(store, cacheStore, dispatcher, log, cfg.AlertEvalInterval, cfg.MaxIssuesPerAlert)
	evaluator.Start()
	defer evaluator.Stop()

	mux := router.New(router.Deps{
		Config:  cfg,
		Logger:  log,
		Gate:    gate,
		Ingest:  ingestHandler,
		Metrics: metrics.Handler(),
		Ready: func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(checkCtx)
		},
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ingest backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// bundleBaseDir is where locally resolved debug symbol bundle files
// live; a production deployment points this at whatever the
// release/file-upload service mounts or syncs in.
func bundleBaseDir() string {
	if dir := os.Getenv("DEBUG_BUNDLE_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/glitchtip-ingest/bundles"
}
