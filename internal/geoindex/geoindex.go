// Package geoindex provides an in-memory spatial index over registered
// locations, answering great-circle radius queries. It is purely in-memory:
// the persistence collaborator remains the source of truth, and the index is
// rebuilt from it at startup via Rebuild.
package geoindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fieldsense/weather-engine/internal/domain"
)

const earthRadiusKm = 6371

// Match is a location paired with its distance from a query center.
type Match struct {
	Location   domain.Location
	DistanceKm float64
}

// Index answers nearby-location queries. Safe for concurrent use: reads run
// in parallel, registrations serialize.
type Index struct {
	mu        sync.RWMutex
	locations map[string]domain.Location
}

// New creates an empty index.
func New() *Index {
	return &Index{locations: make(map[string]domain.Location)}
}

// LocationEnumerator is the slice of the persistence collaborator the index
// needs to rebuild itself.
type LocationEnumerator interface {
	Locations(ctx context.Context) ([]domain.Location, error)
}

// Rebuild replaces the index contents from the enumerator. Invalid stored
// coordinates fail the rebuild rather than being silently skipped.
func (idx *Index) Rebuild(ctx context.Context, enum LocationEnumerator) error {
	locs, err := enum.Locations(ctx)
	if err != nil {
		return fmt.Errorf("enumerate locations: %w", err)
	}

	fresh := make(map[string]domain.Location, len(locs))
	for _, loc := range locs {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("rebuild index: location %q: %w", loc.ID, err)
		}
		fresh[loc.ID] = loc
	}

	idx.mu.Lock()
	idx.locations = fresh
	idx.mu.Unlock()
	return nil
}

// Register adds a location or replaces its coordinates if the identifier is
// already present (location moves are permitted).
func (idx *Index) Register(loc domain.Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.locations[loc.ID] = loc
	idx.mu.Unlock()
	return nil
}

// Len reports the number of indexed locations.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.locations)
}

// Nearby returns locations within radiusKm of the center, ordered by
// ascending haversine distance, ties broken by location ID ascending.
func (idx *Index) Nearby(centerLat, centerLon, radiusKm float64) ([]Match, error) {
	center := domain.Location{ID: "center", Latitude: centerLat, Longitude: centerLon}
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, fmt.Errorf("negative radius: %.2f", radiusKm)
	}

	idx.mu.RLock()
	matches := make([]Match, 0)
	for _, loc := range idx.locations {
		d := Haversine(centerLat, centerLon, loc.Latitude, loc.Longitude)
		if d <= radiusKm {
			matches = append(matches, Match{Location: loc, DistanceKm: d})
		}
	}
	idx.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceKm != matches[j].DistanceKm {
			return matches[i].DistanceKm < matches[j].DistanceKm
		}
		return matches[i].Location.ID < matches[j].Location.ID
	})
	return matches, nil
}

// Haversine computes the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
