// Package alerts evaluates threshold rules against current readings, history,
// and forecasts, and drives the alert lifecycle: at most one Active alert per
// (location, category), created when a rule first fires, updated in place
// while it keeps firing, and resolved when the condition clears.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fieldsense/weather-engine/internal/agrometrics"
	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/observability"
)

// Rule thresholds. Temperatures °C, rainfall mm, humidity %.
const (
	frostTempC        = 4
	hardFrostTempC    = 2
	freezeTempC       = 0
	heatwaveTempC     = 40
	diseaseHumidity   = 80
	diseaseMinTempC   = 20
	severeHumidity    = 90
	floodRainMediumMM = 50
	floodRainHighMM   = 100
	floodRainExtreme  = 150

	// Consecutive dry days before an irrigation advisory fires, and the count
	// at which it escalates.
	irrigationDryDays      = 3
	irrigationEscalateDays = 5
)

const lockStripes = 32

// rulePriority orders returned alerts the same way the rules run.
var rulePriority = map[domain.AlertCategory]int{
	domain.AlertFloodRisk:          0,
	domain.AlertHeatAdvisory:       1,
	domain.AlertFrostWarning:       2,
	domain.AlertIrrigationAdvisory: 3,
	domain.AlertDiseaseRisk:        4,
}

// DataReader is the slice of the repository the evaluator reads through.
type DataReader interface {
	GetCurrent(ctx context.Context, locationID string) (domain.Reading, bool, error)
	GetHistory(ctx context.Context, locationID string, from, to time.Time) ([]domain.DailySummary, bool, error)
	GetForecast(ctx context.Context, locationID string) ([]domain.ForecastPoint, bool, error)
	ListActiveAlerts(ctx context.Context, locationID string) ([]domain.Alert, bool, error)
	AlertByID(ctx context.Context, id string) (domain.Alert, error)
	SaveAlert(ctx context.Context, alert domain.Alert) error
}

// finding is one rule's verdict for a location.
type finding struct {
	category domain.AlertCategory
	severity domain.Severity
	detail   string
}

// Evaluator runs the rule set for a location and reconciles the outcome with
// the stored Active alerts. Safe for concurrent use; evaluations for the same
// location serialize on a striped lock so two passes cannot both create an
// alert for the same category.
type Evaluator struct {
	repo     DataReader
	profiles domain.CropProfileProvider
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	locks [lockStripes]sync.Mutex
}

// New creates an Evaluator.
func New(repo DataReader, profiles domain.CropProfileProvider, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{
		repo:     repo,
		profiles: profiles,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// Evaluate runs every rule for the location against the latest data and
// returns the alerts Active after reconciliation. crop selects the threshold
// profile; empty means generic. Missing data disables the rules that need it
// without failing the pass.
func (e *Evaluator) Evaluate(ctx context.Context, locationID, crop string) ([]domain.Alert, error) {
	lock := &e.locks[stripeFor(locationID)]
	lock.Lock()
	defer lock.Unlock()

	start := e.clock.Now()
	defer func() {
		e.metrics.EvaluateDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	profile, err := e.profiles.Profile(ctx, crop)
	if err != nil {
		profile = domain.DefaultCropProfile()
	}

	current, history, forecast, held, err := e.gather(ctx, locationID)
	if err != nil {
		return nil, err
	}

	active, _, err := e.repo.ListActiveAlerts(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts for %s: %w", locationID, err)
	}

	// Rules in priority order. Each yields at most one finding.
	findings := make(map[domain.AlertCategory]finding)
	for _, f := range []*finding{
		floodRisk(forecast),
		heatAdvisory(current),
		frostWarning(current, forecast),
		irrigationAdvisory(history, profile),
		diseaseRisk(current),
	} {
		if f != nil {
			findings[f.category] = *f
		}
	}

	return e.reconcile(ctx, locationID, active, findings, held)
}

// Resolve transitions an alert to Resolved. Resolving an already resolved
// alert is a no-op; an unknown id is ErrNotFound.
func (e *Evaluator) Resolve(ctx context.Context, alertID string) error {
	alert, err := e.repo.AlertByID(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.State == domain.AlertResolved {
		return nil
	}

	lock := &e.locks[stripeFor(alert.LocationID)]
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()
	alert.State = domain.AlertResolved
	alert.UpdatedAt = now
	alert.ResolvedAt = &now
	if err := e.repo.SaveAlert(ctx, alert); err != nil {
		return err
	}
	e.metrics.AlertTransitions.WithLabelValues(string(alert.Category), "resolved").Inc()
	e.logger.Info("alert resolved",
		slog.String("alert_id", alert.ID),
		slog.String("location_id", alert.LocationID),
		slog.String("category", string(alert.Category)))
	return nil
}

// gather pulls the data the rules need. NotFound degrades to absent data;
// a backend outage is fatal. A timed-out read also yields absent data, but
// additionally marks the categories depending on it as held: the condition
// could not be observed this pass, so their Active alerts must not resolve.
func (e *Evaluator) gather(ctx context.Context, locationID string) (*domain.Reading, []domain.DailySummary, []domain.ForecastPoint, map[domain.AlertCategory]bool, error) {
	held := make(map[domain.AlertCategory]bool)

	var current *domain.Reading
	if reading, _, err := e.repo.GetCurrent(ctx, locationID); err == nil {
		current = &reading
	} else if errors.Is(err, domain.ErrTimeout) {
		held[domain.AlertHeatAdvisory] = true
		held[domain.AlertFrostWarning] = true
		held[domain.AlertDiseaseRisk] = true
	} else if !tolerable(err) {
		return nil, nil, nil, nil, fmt.Errorf("current reading for %s: %w", locationID, err)
	}

	now := e.clock.Now()
	history, _, err := e.repo.GetHistory(ctx, locationID, now.AddDate(0, 0, -irrigationEscalateDays), now)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			held[domain.AlertIrrigationAdvisory] = true
		} else if !tolerable(err) {
			return nil, nil, nil, nil, fmt.Errorf("history for %s: %w", locationID, err)
		}
	}

	forecast, _, err := e.repo.GetForecast(ctx, locationID)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			held[domain.AlertFloodRisk] = true
			held[domain.AlertFrostWarning] = true
		} else if !tolerable(err) {
			return nil, nil, nil, nil, fmt.Errorf("forecast for %s: %w", locationID, err)
		}
	}

	return current, history, forecast, held, nil
}

// reconcile applies findings to the stored alerts: create missing ones, update
// changed ones in place, resolve those whose condition cleared. Categories in
// held could not be observed this pass; their Active alerts carry over as-is.
func (e *Evaluator) reconcile(ctx context.Context, locationID string, active []domain.Alert, findings map[domain.AlertCategory]finding, held map[domain.AlertCategory]bool) ([]domain.Alert, error) {
	now := e.clock.Now()
	existing := make(map[domain.AlertCategory]domain.Alert, len(active))
	for _, a := range active {
		existing[a.Category] = a
	}

	result := make([]domain.Alert, 0, len(findings))
	for category, f := range findings {
		if prev, ok := existing[category]; ok {
			delete(existing, category)
			if prev.Severity == f.severity && prev.Detail == f.detail {
				result = append(result, prev)
				continue
			}
			prev.Severity = f.severity
			prev.Detail = f.detail
			prev.UpdatedAt = now
			if err := e.repo.SaveAlert(ctx, prev); err != nil {
				return nil, err
			}
			e.metrics.AlertTransitions.WithLabelValues(string(category), "updated").Inc()
			result = append(result, prev)
			continue
		}

		created := domain.Alert{
			ID:         uuid.NewString(),
			LocationID: locationID,
			Category:   category,
			Severity:   f.severity,
			Detail:     f.detail,
			State:      domain.AlertActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.repo.SaveAlert(ctx, created); err != nil {
			return nil, err
		}
		e.metrics.AlertTransitions.WithLabelValues(string(category), "created").Inc()
		e.logger.Info("alert created",
			slog.String("alert_id", created.ID),
			slog.String("location_id", locationID),
			slog.String("category", string(category)),
			slog.String("severity", string(f.severity)))
		result = append(result, created)
	}

	// Whatever is left no longer has a firing rule. A held category means the
	// rule's input timed out, not that the condition cleared: its alert stays
	// Active untouched.
	for _, stale := range existing {
		if held[stale.Category] {
			result = append(result, stale)
			continue
		}
		stale.State = domain.AlertResolved
		stale.UpdatedAt = now
		resolvedAt := now
		stale.ResolvedAt = &resolvedAt
		if err := e.repo.SaveAlert(ctx, stale); err != nil {
			return nil, err
		}
		e.metrics.AlertTransitions.WithLabelValues(string(stale.Category), "resolved").Inc()
	}

	sort.Slice(result, func(i, j int) bool {
		return rulePriority[result[i].Category] < rulePriority[result[j].Category]
	})
	return result, nil
}

// floodRisk fires on the expected rainfall of the nearest forecast day.
func floodRisk(forecast []domain.ForecastPoint) *finding {
	if len(forecast) == 0 || forecast[0].Rainfall == nil {
		return nil
	}
	rain := *forecast[0].Rainfall
	if rain < floodRainMediumMM {
		return nil
	}
	severity := domain.SeverityMedium
	switch {
	case rain >= floodRainExtreme:
		severity = domain.SeverityExtreme
	case rain >= floodRainHighMM:
		severity = domain.SeverityHigh
	}
	return &finding{
		category: domain.AlertFloodRisk,
		severity: severity,
		detail:   fmt.Sprintf("expected rainfall %.0f mm on %s", rain, forecast[0].Date.Format(time.DateOnly)),
	}
}

// heatAdvisory fires on the heat stress category of the current reading, with
// a floor of high severity during heatwave temperatures.
func heatAdvisory(current *domain.Reading) *finding {
	if current == nil || current.Temperature == nil || current.Humidity == nil {
		return nil
	}
	hi := agrometrics.HeatIndexC(*current.Temperature, *current.Humidity)
	var severity domain.Severity
	switch agrometrics.HeatStressCategoryFor(hi) {
	case agrometrics.HeatStressModerate:
		severity = domain.SeverityMedium
	case agrometrics.HeatStressSevere:
		severity = domain.SeverityHigh
	case agrometrics.HeatStressExtreme:
		severity = domain.SeverityExtreme
	default:
		return nil
	}
	if *current.Temperature >= heatwaveTempC && severity == domain.SeverityMedium {
		severity = domain.SeverityHigh
	}
	return &finding{
		category: domain.AlertHeatAdvisory,
		severity: severity,
		detail:   fmt.Sprintf("heat index %.1f °C at %.1f °C and %.0f%% humidity", hi, *current.Temperature, *current.Humidity),
	}
}

// frostWarning fires when the current temperature or the nearest forecast
// minimum drops to frost levels.
func frostWarning(current *domain.Reading, forecast []domain.ForecastPoint) *finding {
	var lowest *float64
	if current != nil && current.Temperature != nil {
		lowest = current.Temperature
	}
	if len(forecast) > 0 && forecast[0].MinTemperature != nil {
		if lowest == nil || *forecast[0].MinTemperature < *lowest {
			lowest = forecast[0].MinTemperature
		}
	}
	if lowest == nil || *lowest > frostTempC {
		return nil
	}
	severity := domain.SeverityMedium
	switch {
	case *lowest <= freezeTempC:
		severity = domain.SeverityExtreme
	case *lowest <= hardFrostTempC:
		severity = domain.SeverityHigh
	}
	return &finding{
		category: domain.AlertFrostWarning,
		severity: severity,
		detail:   fmt.Sprintf("temperature dropping to %.1f °C", *lowest),
	}
}

// irrigationAdvisory fires after consecutive days of dry soil, counted from
// the most recent day backwards. Days without a soil reading break the run.
func irrigationAdvisory(history []domain.DailySummary, profile domain.CropProfile) *finding {
	dryRun := 0
	for i := len(history) - 1; i >= 0; i-- {
		day := history[i]
		if day.AvgSoilMoisture == nil || *day.AvgSoilMoisture >= profile.SoilMoistureDryBelow {
			break
		}
		dryRun++
	}
	if dryRun < irrigationDryDays {
		return nil
	}
	severity := domain.SeverityMedium
	if dryRun >= irrigationEscalateDays {
		severity = domain.SeverityHigh
	}
	return &finding{
		category: domain.AlertIrrigationAdvisory,
		severity: severity,
		detail:   fmt.Sprintf("soil moisture below %.0f%% for %d consecutive days", profile.SoilMoistureDryBelow, dryRun),
	}
}

// diseaseRisk fires on sustained warm, humid conditions favourable to fungal
// disease.
func diseaseRisk(current *domain.Reading) *finding {
	if current == nil || current.Temperature == nil || current.Humidity == nil {
		return nil
	}
	if *current.Humidity < diseaseHumidity || *current.Temperature < diseaseMinTempC {
		return nil
	}
	severity := domain.SeverityMedium
	if *current.Humidity >= severeHumidity {
		severity = domain.SeverityHigh
	}
	return &finding{
		category: domain.AlertDiseaseRisk,
		severity: severity,
		detail:   fmt.Sprintf("%.0f%% humidity at %.1f °C favours fungal disease", *current.Humidity, *current.Temperature),
	}
}

// tolerable reports whether a read failure should disable the dependent rules
// instead of aborting the evaluation.
func tolerable(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientData) ||
		errors.Is(err, domain.ErrTimeout)
}

func stripeFor(locationID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(locationID)) //nolint:errcheck // fnv never fails
	return h.Sum32() % lockStripes
}
