package domain

import (
	"fmt"
	"time"
)

// Location is a monitored place. Owned by the persistence collaborator; the
// engine holds read-through cached copies and an in-memory spatial index.
type Location struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	District  string   `json:"district,omitempty"`
	State     string   `json:"state,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Elevation *float64 `json:"elevation,omitempty"` // metres, nil when unknown
}

// Validate checks coordinate ranges and elevation sanity.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: lat=%.4f lon=%.4f", ErrInvalidCoordinates, l.Latitude, l.Longitude)
	}
	if l.Elevation != nil && *l.Elevation < 0 {
		return fmt.Errorf("elevation cannot be negative: %.1f", *l.Elevation)
	}
	return nil
}

// Reading is one set of sensor measurements for a location at a point in time.
// Append-only; location and timestamp are the only required fields.
type Reading struct {
	LocationID      string    `json:"location_id"`
	Timestamp       time.Time `json:"timestamp"`
	Temperature     *float64  `json:"temperature,omitempty"`
	Humidity        *float64  `json:"humidity,omitempty"`
	Rainfall        *float64  `json:"rainfall,omitempty"`
	WindSpeed       *float64  `json:"wind_speed,omitempty"`
	WindDirection   *float64  `json:"wind_direction,omitempty"`
	SoilTemperature *float64  `json:"soil_temperature,omitempty"`
	SoilMoisture    *float64  `json:"soil_moisture,omitempty"`
	SolarRadiation  *float64  `json:"solar_radiation,omitempty"`
	Source          string    `json:"source,omitempty"` // e.g. "IMD", "local-station"
}

// Validate rejects physically implausible measurements before they reach the
// backend. Plausibility bounds, not crop thresholds.
func (r Reading) Validate() error {
	if r.LocationID == "" {
		return fmt.Errorf("reading has no location")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading has no timestamp")
	}
	checks := []struct {
		name     string
		v        *float64
		min, max float64
	}{
		{"temperature", r.Temperature, -60, 60},
		{"humidity", r.Humidity, 0, 100},
		{"rainfall", r.Rainfall, 0, 1000},
		{"wind_speed", r.WindSpeed, 0, 400},
		{"wind_direction", r.WindDirection, 0, 360},
		{"soil_temperature", r.SoilTemperature, -60, 60},
		{"soil_moisture", r.SoilMoisture, 0, 100},
		{"solar_radiation", r.SolarRadiation, 0, 1500},
	}
	for _, c := range checks {
		if c.v != nil && (*c.v < c.min || *c.v > c.max) {
			return fmt.Errorf("%s out of valid range: %.2f", c.name, *c.v)
		}
	}
	return nil
}

// ForecastPoint is a single-day forecast for a location, either raw from one
// source or aggregated across sources. Date is the horizon day at UTC midnight.
type ForecastPoint struct {
	LocationID      string    `json:"location_id"`
	Date            time.Time `json:"date"`
	Temperature     *float64  `json:"temperature,omitempty"`
	MinTemperature  *float64  `json:"min_temperature,omitempty"`
	MaxTemperature  *float64  `json:"max_temperature,omitempty"`
	Humidity        *float64  `json:"humidity,omitempty"`
	Rainfall        *float64  `json:"rainfall,omitempty"` // expected mm
	WindSpeed       *float64  `json:"wind_speed,omitempty"`
	SoilMoisture    *float64  `json:"soil_moisture,omitempty"`
	Confidence      float64   `json:"confidence"` // 0.0-1.0
	Source          string    `json:"source,omitempty"`
}

// DailySummary aggregates one day of readings for history queries.
// Aggregate fields are nil when no reading that day carried the measurement.
type DailySummary struct {
	Date               time.Time `json:"date"`
	AvgTemperature     *float64  `json:"avg_temperature,omitempty"`
	MinTemperature     *float64  `json:"min_temperature,omitempty"`
	MaxTemperature     *float64  `json:"max_temperature,omitempty"`
	TotalRainfall      *float64  `json:"total_rainfall,omitempty"`
	AvgHumidity        *float64  `json:"avg_humidity,omitempty"`
	AvgSoilMoisture    *float64  `json:"avg_soil_moisture,omitempty"`
	AvgSoilTemperature *float64  `json:"avg_soil_temperature,omitempty"`
	Samples            int       `json:"samples"`
}

// MetricKind identifies a derived agricultural metric.
type MetricKind string

const (
	MetricHeatStressIndex      MetricKind = "heat-stress-index"
	MetricSoilMoistureCategory MetricKind = "soil-moisture-category"
	MetricGrowingDegreeDays    MetricKind = "growing-degree-days"
)

// AgriculturalMetric is a derived value, regenerated on demand and cached with
// a short TTL; never persisted as a source of truth.
type AgriculturalMetric struct {
	LocationID string     `json:"location_id"`
	Kind       MetricKind `json:"kind"`
	Value      float64    `json:"value"`
	Category   string     `json:"category,omitempty"` // for categorical metrics
	WindowFrom time.Time  `json:"window_from"`
	WindowTo   time.Time  `json:"window_to"`
	ComputedAt time.Time  `json:"computed_at"`
}

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertActive   AlertState = "active"
	AlertResolved AlertState = "resolved"
)

// AlertCategory identifies the triggering condition family. One Active alert
// per (location, category) pair at most.
type AlertCategory string

const (
	AlertFloodRisk          AlertCategory = "flood-risk"
	AlertHeatAdvisory       AlertCategory = "heat-advisory"
	AlertFrostWarning       AlertCategory = "frost-warning"
	AlertIrrigationAdvisory AlertCategory = "irrigation-advisory"
	AlertDiseaseRisk        AlertCategory = "disease-risk"
)

// Severity is the four-level advisory ladder.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityExtreme Severity = "extreme"
)

// Alert is a threshold-triggered advisory with a resolve lifecycle.
type Alert struct {
	ID         string        `json:"id"`
	LocationID string        `json:"location_id"`
	Category   AlertCategory `json:"category"`
	Severity   Severity      `json:"severity"`
	Detail     string        `json:"detail"`
	State      AlertState    `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Float returns a pointer to v, for building optional measurement fields.
func Float(v float64) *float64 { return &v }
