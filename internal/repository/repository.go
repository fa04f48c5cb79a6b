// Package repository mediates all reads and writes of readings, forecast
// points, and alerts against the persistence collaborator, applying the TTL
// cache with stampede protection and invalidating on write.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/montanaflynn/stats"
	"github.com/sony/gobreaker"

	"github.com/fieldsense/weather-engine/internal/cache"
	"github.com/fieldsense/weather-engine/internal/domain"
)

// Cache operation names, used as the op component of cache keys and as the
// Prometheus label.
const (
	opCurrent  = "current"
	opHistory  = "history"
	opForecast = "forecast"
	opAlerts   = "alerts"
)

// Options is the repository's configuration surface.
type Options struct {
	CurrentTTL  time.Duration
	ForecastTTL time.Duration
	HistoryTTL  time.Duration

	// DegradedOnBackendFailure serves a stale cache entry (flagged) instead
	// of failing when the persistence collaborator errors.
	DegradedOnBackendFailure bool
}

// Repository is the freshness-aware data access layer. All public methods are
// safe for concurrent use; read paths for the same key block on a single
// in-flight backend fetch.
type Repository struct {
	store   domain.Store
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker
	clock   clockwork.Clock
	logger  *slog.Logger
	opts    Options
}

// New creates a Repository over the given persistence collaborator and cache.
func New(store domain.Store, c *cache.Cache, clock clockwork.Clock, logger *slog.Logger, opts Options) *Repository {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "persistence",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Missing data is an answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
	})
	return &Repository{
		store:   store,
		cache:   c,
		breaker: breaker,
		clock:   clock,
		logger:  logger,
		opts:    opts,
	}
}

// GetCurrent returns the most recent reading for a location. The bool reports
// whether a stale cached value was served in degraded-availability mode.
func (r *Repository) GetCurrent(ctx context.Context, locationID string) (domain.Reading, bool, error) {
	v, stale, err := r.cache.GetOrFetch(ctx, locationID, opCurrent, "", r.opts.CurrentTTL, r.opts.DegradedOnBackendFailure,
		func(ctx context.Context) (any, error) {
			return r.callStore(ctx, func(ctx context.Context) (any, error) {
				return r.store.LatestReading(ctx, locationID)
			})
		})
	if err != nil {
		return domain.Reading{}, false, err
	}
	return v.(domain.Reading), stale, nil
}

// GetHistory returns daily summaries of readings between from and to
// (inclusive), ordered by date ascending.
func (r *Repository) GetHistory(ctx context.Context, locationID string, from, to time.Time) ([]domain.DailySummary, bool, error) {
	if from.After(to) {
		return nil, false, fmt.Errorf("invalid date range: %s after %s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	window := from.UTC().Format(time.DateOnly) + "/" + to.UTC().Format(time.DateOnly)

	v, stale, err := r.cache.GetOrFetch(ctx, locationID, opHistory, window, r.opts.HistoryTTL, r.opts.DegradedOnBackendFailure,
		func(ctx context.Context) (any, error) {
			return r.callStore(ctx, func(ctx context.Context) (any, error) {
				readings, err := r.store.ReadingsBetween(ctx, locationID, from, to)
				if err != nil {
					return nil, err
				}
				if len(readings) == 0 {
					return nil, fmt.Errorf("%w: no readings for %s in %s", domain.ErrNotFound, locationID, window)
				}
				return Summarize(readings), nil
			})
		})
	if err != nil {
		return nil, false, err
	}
	return v.([]domain.DailySummary), stale, nil
}

// GetForecast returns the current-forecast view for a location: points whose
// horizon date is today or later, ascending. Passed horizons are excluded.
func (r *Repository) GetForecast(ctx context.Context, locationID string) ([]domain.ForecastPoint, bool, error) {
	today := startOfDay(r.clock.Now())
	window := today.Format(time.DateOnly)

	v, stale, err := r.cache.GetOrFetch(ctx, locationID, opForecast, window, r.opts.ForecastTTL, r.opts.DegradedOnBackendFailure,
		func(ctx context.Context) (any, error) {
			return r.callStore(ctx, func(ctx context.Context) (any, error) {
				points, err := r.store.ForecastFrom(ctx, locationID, today)
				if err != nil {
					return nil, err
				}
				if len(points) == 0 {
					return nil, fmt.Errorf("%w: no forecast for %s", domain.ErrNotFound, locationID)
				}
				return points, nil
			})
		})
	if err != nil {
		return nil, false, err
	}
	return v.([]domain.ForecastPoint), stale, nil
}

// ListActiveAlerts returns alerts in the Active state for a location. An
// empty list is a valid answer, not NotFound. Cached with the current-weather
// TTL since alert state moves on the same cadence as readings.
func (r *Repository) ListActiveAlerts(ctx context.Context, locationID string) ([]domain.Alert, bool, error) {
	v, stale, err := r.cache.GetOrFetch(ctx, locationID, opAlerts, "", r.opts.CurrentTTL, r.opts.DegradedOnBackendFailure,
		func(ctx context.Context) (any, error) {
			return r.callStore(ctx, func(ctx context.Context) (any, error) {
				return r.store.ActiveAlerts(ctx, locationID)
			})
		})
	if err != nil {
		return nil, false, err
	}
	return v.([]domain.Alert), stale, nil
}

// AlertByID fetches a single alert regardless of state. Uncached: manual
// resolution is rare and must see the latest state.
func (r *Repository) AlertByID(ctx context.Context, id string) (domain.Alert, error) {
	v, err := r.callStore(ctx, func(ctx context.Context) (any, error) {
		return r.store.AlertByID(ctx, id)
	})
	if err != nil {
		return domain.Alert{}, err
	}
	return v.(domain.Alert), nil
}

// RecordReading validates and persists a reading, then invalidates every
// cache entry for its location so a subsequent read observes the write.
func (r *Repository) RecordReading(ctx context.Context, reading domain.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	_, err := r.callStore(ctx, func(ctx context.Context) (any, error) {
		return nil, r.store.SaveReading(ctx, reading)
	})
	if err != nil {
		return err
	}
	r.cache.Invalidate(reading.LocationID)
	return nil
}

// UpsertForecast persists a batch of forecast points and invalidates the
// affected locations.
func (r *Repository) UpsertForecast(ctx context.Context, points []domain.ForecastPoint) error {
	if len(points) == 0 {
		return nil
	}
	locations := make(map[string]struct{})
	for _, p := range points {
		if p.LocationID == "" {
			return fmt.Errorf("forecast point has no location")
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("forecast confidence out of range: %.3f", p.Confidence)
		}
		locations[p.LocationID] = struct{}{}
	}

	_, err := r.callStore(ctx, func(ctx context.Context) (any, error) {
		return nil, r.store.SaveForecastPoints(ctx, points)
	})
	if err != nil {
		return err
	}
	for locationID := range locations {
		r.cache.Invalidate(locationID)
	}
	return nil
}

// SaveAlert persists an alert state and invalidates its location.
func (r *Repository) SaveAlert(ctx context.Context, alert domain.Alert) error {
	if alert.ID == "" || alert.LocationID == "" {
		return fmt.Errorf("alert requires id and location")
	}
	_, err := r.callStore(ctx, func(ctx context.Context) (any, error) {
		return nil, r.store.SaveAlert(ctx, alert)
	})
	if err != nil {
		return err
	}
	r.cache.Invalidate(alert.LocationID)
	return nil
}

// callStore runs one persistence call through the circuit breaker and maps
// failures onto the engine's error taxonomy.
func (r *Repository) callStore(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err := r.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: circuit open", domain.ErrBackendUnavailable)
	default:
		r.logger.Warn("persistence call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
}

// Summarize folds raw readings into per-day aggregates: average/min/max
// temperature, total rainfall, average humidity and soil measurements.
// Readings are expected in timestamp order; output is ordered by date.
func Summarize(readings []domain.Reading) []domain.DailySummary {
	byDay := make(map[time.Time][]domain.Reading)
	var order []time.Time
	for _, reading := range readings {
		day := startOfDay(reading.Timestamp)
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], reading)
	}

	summaries := make([]domain.DailySummary, 0, len(order))
	for _, day := range order {
		group := byDay[day]
		s := domain.DailySummary{Date: day, Samples: len(group)}

		temps := collect(group, func(r domain.Reading) *float64 { return r.Temperature })
		if len(temps) > 0 {
			s.AvgTemperature = statOrNil(stats.Mean(temps))
			s.MinTemperature = statOrNil(stats.Min(temps))
			s.MaxTemperature = statOrNil(stats.Max(temps))
		}
		if rain := collect(group, func(r domain.Reading) *float64 { return r.Rainfall }); len(rain) > 0 {
			s.TotalRainfall = statOrNil(stats.Sum(rain))
		}
		if hum := collect(group, func(r domain.Reading) *float64 { return r.Humidity }); len(hum) > 0 {
			s.AvgHumidity = statOrNil(stats.Mean(hum))
		}
		if moist := collect(group, func(r domain.Reading) *float64 { return r.SoilMoisture }); len(moist) > 0 {
			s.AvgSoilMoisture = statOrNil(stats.Mean(moist))
		}
		if soilTemp := collect(group, func(r domain.Reading) *float64 { return r.SoilTemperature }); len(soilTemp) > 0 {
			s.AvgSoilTemperature = statOrNil(stats.Mean(soilTemp))
		}
		summaries = append(summaries, s)
	}
	return summaries
}

func collect(readings []domain.Reading, field func(domain.Reading) *float64) []float64 {
	values := make([]float64, 0, len(readings))
	for _, r := range readings {
		if v := field(r); v != nil {
			values = append(values, *v)
		}
	}
	return values
}

func statOrNil(v float64, err error) *float64 {
	if err != nil {
		return nil
	}
	return &v
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
