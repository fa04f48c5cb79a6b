package domain

import (
	"context"
	"time"
)

// Store is the durable persistence collaborator. Implementations must return
// range queries ordered by timestamp ascending and distinguish "no data"
// (ErrNotFound) from backend failure (any other error).
type Store interface {
	Location(ctx context.Context, id string) (Location, error)
	SaveLocation(ctx context.Context, loc Location) error
	// Locations enumerates all registered locations, used to rebuild the
	// spatial index at startup.
	Locations(ctx context.Context) ([]Location, error)

	LatestReading(ctx context.Context, locationID string) (Reading, error)
	ReadingsBetween(ctx context.Context, locationID string, from, to time.Time) ([]Reading, error)
	SaveReading(ctx context.Context, r Reading) error

	// ForecastFrom returns points with Date >= from, ascending. Older points
	// are retained for accuracy auditing but excluded here.
	ForecastFrom(ctx context.Context, locationID string, from time.Time) ([]ForecastPoint, error)
	SaveForecastPoints(ctx context.Context, points []ForecastPoint) error

	ActiveAlerts(ctx context.Context, locationID string) ([]Alert, error)
	AlertByID(ctx context.Context, id string) (Alert, error)
	SaveAlert(ctx context.Context, a Alert) error
}

// ForecastSource supplies raw forecast points with their own confidence.
// Multiple sources may exist; the aggregator merges them per horizon day.
type ForecastSource interface {
	Name() string
	Fetch(ctx context.Context, locationID string, horizonDays int) ([]ForecastPoint, error)
}

// CropProfile carries the crop-dependent thresholds used by metric derivation
// and alert rules.
type CropProfile struct {
	Crop                       string
	GDDBaseTemp                float64 // °C, base for growing-degree-days
	SoilMoistureDryBelow       float64 // %, below this is "dry"
	SoilMoistureSaturatedAbove float64 // %, above this is "saturated"
}

// CropProfileProvider resolves per-crop thresholds. An empty crop identifier
// yields the generic profile.
type CropProfileProvider interface {
	Profile(ctx context.Context, crop string) (CropProfile, error)
}

// DefaultCropProfile returns the generic thresholds used when no crop is
// specified: GDD base 10 °C, moisture bands 30/70 %.
func DefaultCropProfile() CropProfile {
	return CropProfile{
		GDDBaseTemp:                10,
		SoilMoistureDryBelow:       30,
		SoilMoistureSaturatedAbove: 70,
	}
}
