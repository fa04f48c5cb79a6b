package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/fieldsense/weather-engine/internal/adapter/http"
	kafkaadapter "github.com/fieldsense/weather-engine/internal/adapter/kafka"
	"github.com/fieldsense/weather-engine/internal/adapter/memstore"
	"github.com/fieldsense/weather-engine/internal/alerts"
	"github.com/fieldsense/weather-engine/internal/cache"
	"github.com/fieldsense/weather-engine/internal/config"
	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/forecast"
	"github.com/fieldsense/weather-engine/internal/geoindex"
	"github.com/fieldsense/weather-engine/internal/ingest"
	"github.com/fieldsense/weather-engine/internal/observability"
	"github.com/fieldsense/weather-engine/internal/repository"
	"github.com/fieldsense/weather-engine/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	// In-memory stand-in for the persistence collaborator. Swappable behind
	// domain.Store once a durable backend is attached.
	store := memstore.New()

	c := cache.New(clock, metrics, cfg.CacheStaleRetention, cfg.CacheJanitorInterval)
	defer c.Stop()

	repo := repository.New(store, c, clock, logger, repository.Options{
		CurrentTTL:               cfg.CurrentTTL,
		ForecastTTL:              cfg.ForecastTTL,
		HistoryTTL:               cfg.HistoryTTL,
		DegradedOnBackendFailure: cfg.DegradedOnBackendFailure,
	})

	index := geoindex.New()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := index.Rebuild(ctx, store); err != nil {
		logger.Error("failed to rebuild geo index", "error", err)
		os.Exit(1)
	}
	logger.Info("geo index ready", "locations", index.Len())

	profiles := domain.NewStaticCropProfiles()

	// Forecast sources are external collaborators registered here as they
	// come online; the aggregator runs with whatever is configured.
	var sources []domain.ForecastSource
	aggregator := forecast.New(sources, clock, logger, cfg.ConfidenceDecay, cfg.MaxForecastHorizonDays)

	evaluator := alerts.New(repo, profiles, clock, logger, metrics)

	reader := kafkaadapter.NewReader(cfg, logger)
	pipeline := ingest.New(reader, repo, evaluator, logger, metrics, cfg.IngestBatchSize)

	jobs, err := scheduler.New(store, aggregator, repo, evaluator, logger, scheduler.Options{
		ForecastRefreshInterval: cfg.ForecastRefreshInterval,
		EvaluateInterval:        cfg.EvaluateInterval,
		JobTimeout:              cfg.JobTimeout,
		HorizonDays:             cfg.MaxForecastHorizonDays,
	})
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, logger, pipeline)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := pipeline.Run(ctx); err != nil {
			logger.Error("ingest error", "error", err)
		}
	}()

	jobs.Start()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	jobs.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}

	logger.Info("shutdown complete")
}
