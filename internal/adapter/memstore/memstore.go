// Package memstore is an in-memory implementation of the persistence
// collaborator, used for local development and tests. Data lives for the
// process lifetime only.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldsense/weather-engine/internal/domain"
)

// Store keeps all engine data in process memory behind a single RWMutex.
// Readings and forecast points are kept sorted by time so range queries
// return in ascending order without re-sorting.
type Store struct {
	mu        sync.RWMutex
	locations map[string]domain.Location
	readings  map[string][]domain.Reading       // locationID -> ascending by timestamp
	forecasts map[string][]domain.ForecastPoint // locationID -> ascending by date
	alerts    map[string]domain.Alert           // alertID -> alert
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		locations: make(map[string]domain.Location),
		readings:  make(map[string][]domain.Reading),
		forecasts: make(map[string][]domain.ForecastPoint),
		alerts:    make(map[string]domain.Alert),
	}
}

func (s *Store) Location(_ context.Context, id string) (domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[id]
	if !ok {
		return domain.Location{}, fmt.Errorf("%w: location %s", domain.ErrNotFound, id)
	}
	return loc, nil
}

func (s *Store) SaveLocation(_ context.Context, loc domain.Location) error {
	if loc.ID == "" {
		return fmt.Errorf("location has no id")
	}
	if err := loc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.locations[loc.ID] = loc
	s.mu.Unlock()
	return nil
}

func (s *Store) Locations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) LatestReading(_ context.Context, locationID string) (domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	readings := s.readings[locationID]
	if len(readings) == 0 {
		return domain.Reading{}, fmt.Errorf("%w: no readings for %s", domain.ErrNotFound, locationID)
	}
	return readings[len(readings)-1], nil
}

func (s *Store) ReadingsBetween(_ context.Context, locationID string, from, to time.Time) ([]domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reading
	for _, r := range s.readings[locationID] {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveReading(_ context.Context, r domain.Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	readings := s.readings[r.LocationID]
	// Fast path: appended in timestamp order, which is the common case for
	// live ingest.
	if n := len(readings); n == 0 || !r.Timestamp.Before(readings[n-1].Timestamp) {
		s.readings[r.LocationID] = append(readings, r)
		return nil
	}
	i := sort.Search(len(readings), func(i int) bool {
		return readings[i].Timestamp.After(r.Timestamp)
	})
	readings = append(readings, domain.Reading{})
	copy(readings[i+1:], readings[i:])
	readings[i] = r
	s.readings[r.LocationID] = readings
	return nil
}

func (s *Store) ForecastFrom(_ context.Context, locationID string, from time.Time) ([]domain.ForecastPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ForecastPoint
	for _, p := range s.forecasts[locationID] {
		if p.Date.Before(from) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveForecastPoints upserts by (location, date): a newer point for a day the
// store already has replaces the old one.
func (s *Store) SaveForecastPoints(_ context.Context, points []domain.ForecastPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if p.LocationID == "" {
			return fmt.Errorf("forecast point has no location")
		}
		existing := s.forecasts[p.LocationID]
		replaced := false
		for i, old := range existing {
			if old.Date.Equal(p.Date) {
				existing[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, p)
			sort.Slice(existing, func(i, j int) bool { return existing[i].Date.Before(existing[j].Date) })
		}
		s.forecasts[p.LocationID] = existing
	}
	return nil
}

func (s *Store) ActiveAlerts(_ context.Context, locationID string) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Alert
	for _, a := range s.alerts {
		if a.LocationID == locationID && a.State == domain.AlertActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AlertByID(_ context.Context, id string) (domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: alert %s", domain.ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) SaveAlert(_ context.Context, a domain.Alert) error {
	if a.ID == "" {
		return fmt.Errorf("alert has no id")
	}
	s.mu.Lock()
	s.alerts[a.ID] = a
	s.mu.Unlock()
	return nil
}
