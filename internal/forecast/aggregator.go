// Package forecast combines predictions from multiple sources into a single
// per-day series with a confidence score.
//
// Each source returns forecast points tagged with its own confidence. Points
// are grouped by UTC day; within a day every numeric field is averaged
// weighted by source confidence, over the sources that actually carry the
// field. The combined confidence for a day is the confidence-weighted mean of
// the source confidences, decayed geometrically with the day's distance into
// the horizon.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldsense/weather-engine/internal/domain"
)

const combinedSourceName = "aggregate"

// Aggregator merges forecast points from its configured sources.
type Aggregator struct {
	sources        []domain.ForecastSource
	clock          clockwork.Clock
	logger         *slog.Logger
	decay          float64
	maxHorizonDays int
}

// New creates an Aggregator. decay is the per-day confidence decay factor in
// (0, 1]; maxHorizonDays caps requested horizons.
func New(sources []domain.ForecastSource, clock clockwork.Clock, logger *slog.Logger, decay float64, maxHorizonDays int) *Aggregator {
	return &Aggregator{
		sources:        sources,
		clock:          clock,
		logger:         logger,
		decay:          decay,
		maxHorizonDays: maxHorizonDays,
	}
}

// Aggregate fetches every source's forecast for the location and merges them
// into at most one point per day, ordered by date. Days no source predicted
// are omitted. A source that fails is skipped with a warning; if every day
// ends up empty the result is ErrInsufficientData.
func (a *Aggregator) Aggregate(ctx context.Context, locationID string, horizonDays int) ([]domain.ForecastPoint, error) {
	if horizonDays < 1 {
		horizonDays = 1
	}
	if horizonDays > a.maxHorizonDays {
		horizonDays = a.maxHorizonDays
	}

	today := a.clock.Now().UTC().Truncate(24 * time.Hour)
	byDay := make(map[time.Time][]domain.ForecastPoint)

	for _, src := range a.sources {
		points, err := src.Fetch(ctx, locationID, horizonDays)
		if err != nil {
			a.logger.Warn("forecast source failed",
				slog.String("source", src.Name()),
				slog.String("location_id", locationID),
				slog.Any("error", err))
			continue
		}
		for _, p := range points {
			day := p.Date.UTC().Truncate(24 * time.Hour)
			offset := int(day.Sub(today).Hours() / 24)
			if offset < 0 || offset >= horizonDays {
				continue
			}
			if p.Confidence <= 0 {
				continue
			}
			p.Date = day
			byDay[day] = append(byDay[day], p)
		}
	}

	if len(byDay) == 0 {
		return nil, fmt.Errorf("%w: no source returned a forecast for %s", domain.ErrInsufficientData, locationID)
	}

	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	merged := make([]domain.ForecastPoint, 0, len(days))
	for _, day := range days {
		dayIndex := int(day.Sub(today).Hours()/24) + 1
		merged = append(merged, a.mergeDay(locationID, day, dayIndex, byDay[day]))
	}
	return merged, nil
}

// mergeDay collapses one day's points from all sources into a single point.
// dayIndex is 1-based distance into the horizon; decay^(dayIndex-1) scales
// the combined confidence.
func (a *Aggregator) mergeDay(locationID string, day time.Time, dayIndex int, points []domain.ForecastPoint) domain.ForecastPoint {
	merged := domain.ForecastPoint{
		LocationID: locationID,
		Date:       day,
		Source:     combinedSourceName,
	}

	merged.Temperature = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.Temperature })
	merged.MinTemperature = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.MinTemperature })
	merged.MaxTemperature = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.MaxTemperature })
	merged.Humidity = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.Humidity })
	merged.Rainfall = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.Rainfall })
	merged.WindSpeed = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.WindSpeed })
	merged.SoilMoisture = weightedMean(points, func(p domain.ForecastPoint) *float64 { return p.SoilMoisture })

	var sum, sumSquares float64
	for _, p := range points {
		sum += p.Confidence
		sumSquares += p.Confidence * p.Confidence
	}
	base := sumSquares / sum
	merged.Confidence = base * math.Pow(a.decay, float64(dayIndex-1))
	return merged
}

// weightedMean averages the selected field across the points that carry it,
// weighted by each point's confidence. Nil when no point carries the field.
func weightedMean(points []domain.ForecastPoint, field func(domain.ForecastPoint) *float64) *float64 {
	var weighted, weight float64
	found := false
	for _, p := range points {
		v := field(p)
		if v == nil {
			continue
		}
		weighted += *v * p.Confidence
		weight += p.Confidence
		found = true
	}
	if !found || weight == 0 {
		return nil
	}
	return domain.Float(weighted / weight)
}
