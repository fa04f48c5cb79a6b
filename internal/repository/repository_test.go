package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsense/weather-engine/internal/cache"
	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/observability"
)

// fakeStore is a call-counting persistence double with error injection.
type fakeStore struct {
	mu        sync.Mutex
	locations map[string]domain.Location
	readings  map[string][]domain.Reading
	forecasts map[string][]domain.ForecastPoint
	alerts    map[string]domain.Alert
	calls     map[string]int
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		locations: make(map[string]domain.Location),
		readings:  make(map[string][]domain.Reading),
		forecasts: make(map[string][]domain.ForecastPoint),
		alerts:    make(map[string]domain.Alert),
		calls:     make(map[string]int),
	}
}

func (f *fakeStore) count(name string) error {
	f.calls[name]++
	return f.failWith
}

func (f *fakeStore) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStore) Location(_ context.Context, id string) (domain.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("Location"); err != nil {
		return domain.Location{}, err
	}
	loc, ok := f.locations[id]
	if !ok {
		return domain.Location{}, domain.ErrNotFound
	}
	return loc, nil
}

func (f *fakeStore) SaveLocation(_ context.Context, loc domain.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("SaveLocation"); err != nil {
		return err
	}
	f.locations[loc.ID] = loc
	return nil
}

func (f *fakeStore) Locations(_ context.Context) ([]domain.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("Locations"); err != nil {
		return nil, err
	}
	out := make([]domain.Location, 0, len(f.locations))
	for _, l := range f.locations {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeStore) LatestReading(_ context.Context, locationID string) (domain.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("LatestReading"); err != nil {
		return domain.Reading{}, err
	}
	rs := f.readings[locationID]
	if len(rs) == 0 {
		return domain.Reading{}, domain.ErrNotFound
	}
	return rs[len(rs)-1], nil
}

func (f *fakeStore) ReadingsBetween(_ context.Context, locationID string, from, to time.Time) ([]domain.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("ReadingsBetween"); err != nil {
		return nil, err
	}
	var out []domain.Reading
	for _, r := range f.readings[locationID] {
		if !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveReading(_ context.Context, r domain.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("SaveReading"); err != nil {
		return err
	}
	f.readings[r.LocationID] = append(f.readings[r.LocationID], r)
	sort.Slice(f.readings[r.LocationID], func(i, j int) bool {
		return f.readings[r.LocationID][i].Timestamp.Before(f.readings[r.LocationID][j].Timestamp)
	})
	return nil
}

func (f *fakeStore) ForecastFrom(_ context.Context, locationID string, from time.Time) ([]domain.ForecastPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("ForecastFrom"); err != nil {
		return nil, err
	}
	var out []domain.ForecastPoint
	for _, p := range f.forecasts[locationID] {
		if !p.Date.Before(from) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeStore) SaveForecastPoints(_ context.Context, points []domain.ForecastPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("SaveForecastPoints"); err != nil {
		return err
	}
	for _, p := range points {
		f.forecasts[p.LocationID] = append(f.forecasts[p.LocationID], p)
	}
	return nil
}

func (f *fakeStore) ActiveAlerts(_ context.Context, locationID string) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("ActiveAlerts"); err != nil {
		return nil, err
	}
	out := []domain.Alert{}
	for _, a := range f.alerts {
		if a.LocationID == locationID && a.State == domain.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) AlertByID(_ context.Context, id string) (domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("AlertByID"); err != nil {
		return domain.Alert{}, err
	}
	a, ok := f.alerts[id]
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) SaveAlert(_ context.Context, a domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.count("SaveAlert"); err != nil {
		return err
	}
	f.alerts[a.ID] = a
	return nil
}

func (f *fakeStore) setFailure(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func newTestRepo(t *testing.T, opts Options) (*Repository, *fakeStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))
	c := cache.New(clock, observability.NewMetricsForTesting(), time.Hour, time.Minute)
	t.Cleanup(c.Stop)
	store := newFakeStore()
	repo := New(store, c, clock, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	return repo, store, clock
}

func defaultOptions() Options {
	return Options{CurrentTTL: 5 * time.Minute, ForecastTTL: time.Hour, HistoryTTL: 30 * time.Minute}
}

func TestGetCurrent_ReadYourWrites(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	first := domain.Reading{LocationID: "panipat", Timestamp: time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC), Temperature: domain.Float(28)}
	require.NoError(t, repo.RecordReading(ctx, first))

	got, stale, err := repo.GetCurrent(ctx, "panipat")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 28.0, *got.Temperature)

	// A newer reading must be visible immediately despite the cached copy.
	second := domain.Reading{LocationID: "panipat", Timestamp: time.Date(2026, 5, 10, 7, 0, 0, 0, time.UTC), Temperature: domain.Float(31)}
	require.NoError(t, repo.RecordReading(ctx, second))

	got, _, err = repo.GetCurrent(ctx, "panipat")
	require.NoError(t, err)
	assert.Equal(t, 31.0, *got.Temperature)
}

func TestGetCurrent_CachesBackendReads(t *testing.T) {
	repo, store, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, repo.RecordReading(ctx, domain.Reading{
		LocationID: "panipat", Timestamp: time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC),
	}))

	for i := 0; i < 5; i++ {
		_, _, err := repo.GetCurrent(ctx, "panipat")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.callCount("LatestReading"))
}

func TestGetCurrent_NotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())

	_, _, err := repo.GetCurrent(context.Background(), "nowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetCurrent_BackendFailure(t *testing.T) {
	t.Run("propagates by default", func(t *testing.T) {
		repo, store, _ := newTestRepo(t, defaultOptions())
		store.setFailure(errors.New("connection refused"))

		_, _, err := repo.GetCurrent(context.Background(), "panipat")
		assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	})

	t.Run("degraded mode serves stale with flag", func(t *testing.T) {
		opts := defaultOptions()
		opts.DegradedOnBackendFailure = true
		repo, store, clock := newTestRepo(t, opts)
		ctx := context.Background()

		require.NoError(t, repo.RecordReading(ctx, domain.Reading{
			LocationID: "panipat", Timestamp: time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC), Temperature: domain.Float(30),
		}))
		_, _, err := repo.GetCurrent(ctx, "panipat")
		require.NoError(t, err)

		clock.Advance(10 * time.Minute) // past currentTTL
		store.setFailure(errors.New("connection refused"))

		got, stale, err := repo.GetCurrent(ctx, "panipat")
		require.NoError(t, err)
		assert.True(t, stale)
		assert.Equal(t, 30.0, *got.Temperature)
	})
}

func TestGetCurrent_Timeout(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err := repo.GetCurrent(ctx, "panipat")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	repo, store, clock := newTestRepo(t, defaultOptions())
	ctx := context.Background()
	store.setFailure(errors.New("connection refused"))

	for i := 0; i < 6; i++ {
		_, _, err := repo.GetCurrent(ctx, "panipat")
		require.ErrorIs(t, err, domain.ErrBackendUnavailable)
		clock.Advance(time.Second) // keep cache keys fresh misses
	}
	require.Equal(t, 6, store.callCount("LatestReading"))

	// Breaker is now open: the backend must not be touched.
	_, _, err := repo.GetCurrent(ctx, "panipat")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 6, store.callCount("LatestReading"))
}

func TestGetHistory(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	day1 := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC)
	for _, r := range []domain.Reading{
		{LocationID: "panipat", Timestamp: day1.Add(6 * time.Hour), Temperature: domain.Float(20), Rainfall: domain.Float(2)},
		{LocationID: "panipat", Timestamp: day1.Add(14 * time.Hour), Temperature: domain.Float(30), Rainfall: domain.Float(1)},
		{LocationID: "panipat", Timestamp: day2.Add(6 * time.Hour), Temperature: domain.Float(22), Humidity: domain.Float(60)},
	} {
		require.NoError(t, repo.RecordReading(ctx, r))
	}

	summaries, _, err := repo.GetHistory(ctx, "panipat", day1, day2.Add(23*time.Hour))
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, day1, summaries[0].Date)
	assert.Equal(t, 25.0, *summaries[0].AvgTemperature)
	assert.Equal(t, 20.0, *summaries[0].MinTemperature)
	assert.Equal(t, 30.0, *summaries[0].MaxTemperature)
	assert.Equal(t, 3.0, *summaries[0].TotalRainfall)
	assert.Nil(t, summaries[0].AvgHumidity)
	assert.Equal(t, 2, summaries[0].Samples)

	assert.Equal(t, day2, summaries[1].Date)
	assert.Equal(t, 60.0, *summaries[1].AvgHumidity)
	assert.Nil(t, summaries[1].TotalRainfall)
}

func TestGetHistory_InvalidRange(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())

	from := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	_, _, err := repo.GetHistory(context.Background(), "panipat", from, from.Add(-24*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid date range")
}

func TestGetHistory_NoData(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := repo.GetHistory(context.Background(), "panipat", from, from.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetForecast_ExcludesPassedHorizons(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	today := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	points := []domain.ForecastPoint{
		{LocationID: "panipat", Date: today.AddDate(0, 0, -1), Confidence: 0.9}, // passed horizon
		{LocationID: "panipat", Date: today, Confidence: 0.9},
		{LocationID: "panipat", Date: today.AddDate(0, 0, 1), Confidence: 0.8},
	}
	require.NoError(t, repo.UpsertForecast(ctx, points))

	got, _, err := repo.GetForecast(ctx, "panipat")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, today, got[0].Date)
	assert.Equal(t, today.AddDate(0, 0, 1), got[1].Date)
}

func TestUpsertForecast_Validation(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	err := repo.UpsertForecast(ctx, []domain.ForecastPoint{{LocationID: "panipat", Confidence: 1.2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")

	err = repo.UpsertForecast(ctx, []domain.ForecastPoint{{Confidence: 0.5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location")

	assert.NoError(t, repo.UpsertForecast(ctx, nil))
}

func TestUpsertForecast_InvalidatesCache(t *testing.T) {
	repo, store, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()
	today := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertForecast(ctx, []domain.ForecastPoint{{LocationID: "panipat", Date: today, Confidence: 0.9}}))
	_, _, err := repo.GetForecast(ctx, "panipat")
	require.NoError(t, err)
	require.Equal(t, 1, store.callCount("ForecastFrom"))

	require.NoError(t, repo.UpsertForecast(ctx, []domain.ForecastPoint{{LocationID: "panipat", Date: today.AddDate(0, 0, 1), Confidence: 0.8}}))

	got, _, err := repo.GetForecast(ctx, "panipat")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, store.callCount("ForecastFrom"))
}

func TestListActiveAlerts_EmptyIsValid(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())

	alerts, stale, err := repo.ListActiveAlerts(context.Background(), "panipat")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Empty(t, alerts)
}

func TestSaveAlert_InvalidatesAlertView(t *testing.T) {
	repo, _, _ := newTestRepo(t, defaultOptions())
	ctx := context.Background()

	alerts, _, err := repo.ListActiveAlerts(ctx, "panipat")
	require.NoError(t, err)
	require.Empty(t, alerts)

	alert := domain.Alert{
		ID: "a1", LocationID: "panipat", Category: domain.AlertHeatAdvisory,
		Severity: domain.SeverityHigh, State: domain.AlertActive,
	}
	require.NoError(t, repo.SaveAlert(ctx, alert))

	alerts, _, err = repo.ListActiveAlerts(ctx, "panipat")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a1", alerts[0].ID)
}

func TestRecordReading_RejectsInvalid(t *testing.T) {
	repo, store, _ := newTestRepo(t, defaultOptions())

	err := repo.RecordReading(context.Background(), domain.Reading{LocationID: "panipat"})
	require.Error(t, err)
	assert.Equal(t, 0, store.callCount("SaveReading"), "validation must happen before any backend call")
}

func TestSummarize_EmptyFieldsStayNil(t *testing.T) {
	day := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	summaries := Summarize([]domain.Reading{
		{LocationID: "panipat", Timestamp: day.Add(time.Hour)},
		{LocationID: "panipat", Timestamp: day.Add(2 * time.Hour)},
	})

	require.Len(t, summaries, 1)
	assert.Nil(t, summaries[0].AvgTemperature)
	assert.Nil(t, summaries[0].TotalRainfall)
	assert.Equal(t, 2, summaries[0].Samples)
}
