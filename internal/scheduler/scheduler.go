// Package scheduler runs the engine's periodic jobs: refreshing aggregated
// forecasts and re-evaluating alert rules for every registered location.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldsense/weather-engine/internal/domain"
)

// LocationLister enumerates the locations the jobs iterate over.
type LocationLister interface {
	Locations(ctx context.Context) ([]domain.Location, error)
}

// ForecastAggregator produces the merged multi-source forecast for a location.
type ForecastAggregator interface {
	Aggregate(ctx context.Context, locationID string, horizonDays int) ([]domain.ForecastPoint, error)
}

// ForecastWriter persists aggregated forecast points.
type ForecastWriter interface {
	UpsertForecast(ctx context.Context, points []domain.ForecastPoint) error
}

// AlertEvaluator re-runs the alert rules for a location.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, locationID, crop string) ([]domain.Alert, error)
}

// Options configures the job cadence.
type Options struct {
	ForecastRefreshInterval time.Duration
	EvaluateInterval        time.Duration
	JobTimeout              time.Duration
	HorizonDays             int
}

// Scheduler owns the cron instance and the two periodic jobs. Jobs skip a run
// if the previous one is still going.
type Scheduler struct {
	cron       *cron.Cron
	lister     LocationLister
	aggregator ForecastAggregator
	writer     ForecastWriter
	evaluator  AlertEvaluator
	logger     *slog.Logger
	opts       Options
}

// New creates a Scheduler. Jobs are registered but not started.
func New(lister LocationLister, aggregator ForecastAggregator, writer ForecastWriter, evaluator AlertEvaluator, logger *slog.Logger, opts Options) (*Scheduler, error) {
	cronLogger := &slogCronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)),
		),
		lister:     lister,
		aggregator: aggregator,
		writer:     writer,
		evaluator:  evaluator,
		logger:     logger,
		opts:       opts,
	}

	if _, err := s.cron.AddFunc(every(opts.ForecastRefreshInterval), s.refreshForecasts); err != nil {
		return nil, fmt.Errorf("registering forecast refresh job: %w", err)
	}
	if _, err := s.cron.AddFunc(every(opts.EvaluateInterval), s.evaluateAlerts); err != nil {
		return nil, fmt.Errorf("registering alert evaluation job: %w", err)
	}
	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		"forecast_refresh", s.opts.ForecastRefreshInterval.String(),
		"evaluate", s.opts.EvaluateInterval.String())
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}

// refreshForecasts aggregates and persists the forecast for every location.
func (s *Scheduler) refreshForecasts() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()

	locations, err := s.lister.Locations(ctx)
	if err != nil {
		s.logger.Error("forecast refresh: listing locations failed", "error", err)
		return
	}

	refreshed := 0
	for _, loc := range locations {
		points, err := s.aggregator.Aggregate(ctx, loc.ID, s.opts.HorizonDays)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientData) {
				continue // no source covers this location yet
			}
			s.logger.Warn("forecast refresh failed", "location_id", loc.ID, "error", err)
			continue
		}
		if err := s.writer.UpsertForecast(ctx, points); err != nil {
			s.logger.Warn("forecast persist failed", "location_id", loc.ID, "error", err)
			continue
		}
		refreshed++
	}
	s.logger.Info("forecast refresh complete", "locations", len(locations), "refreshed", refreshed)
}

// evaluateAlerts runs the rule set for every location.
func (s *Scheduler) evaluateAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()

	locations, err := s.lister.Locations(ctx)
	if err != nil {
		s.logger.Error("alert evaluation: listing locations failed", "error", err)
		return
	}

	for _, loc := range locations {
		if _, err := s.evaluator.Evaluate(ctx, loc.ID, ""); err != nil {
			s.logger.Warn("alert evaluation failed", "location_id", loc.ID, "error", err)
		}
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// slogCronLogger adapts slog to cron's logging interface.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
