// Package agrometrics derives agricultural metrics from readings and
// forecasts. Every function is deterministic given identical inputs; the only
// ambient state is the swappable clock used for computed-at stamps.
//
// # Heat stress
//
// The heat index uses the NOAA/NWS Rothfusz regression over temperature and
// relative humidity, including the published low-humidity and high-humidity
// adjustment terms, with the Steadman simple formula below the 80 °F
// applicability bound. Categories follow the NWS bands collapsed to four
// levels: none below 90 °F heat index, moderate 90-103 °F, severe
// 103-125 °F, extreme above.
//
// # Growing degree days
//
// GDD accumulates max(0, avgDailyTemp - baseTemp) over a date range. The
// base temperature is crop-dependent and supplied by the crop profile.
//
// # Missing data
//
// A metric whose inputs are absent is unavailable (ErrInsufficientData),
// never a computed zero: 0 °C and 0 % are meaningful measurements.
package agrometrics

import (
	"fmt"
	"math"

	"github.com/fieldsense/weather-engine/internal/domain"
)

// Heat-index category bounds, °F, per NWS heat index bands.
const (
	heatIndexModerateF = 90
	heatIndexSevereF   = 103
	heatIndexExtremeF  = 125
)

// Heat stress categories, ordered by increasing severity.
const (
	HeatStressNone     = "none"
	HeatStressModerate = "moderate"
	HeatStressSevere   = "severe"
	HeatStressExtreme  = "extreme"
)

// Soil moisture categories.
const (
	SoilDry       = "dry"
	SoilOptimal   = "optimal"
	SoilSaturated = "saturated"
)

// HeatIndexC computes the NOAA heat index in °C from temperature (°C) and
// relative humidity (%).
func HeatIndexC(tempC, humidityPct float64) float64 {
	t := tempC*9/5 + 32

	// Steadman's simple formula; averaged with the temperature it is the
	// published heat index below 80 °F, where the regression is invalid.
	simple := 0.5 * (t + 61.0 + (t-68.0)*1.2 + humidityPct*0.094)
	if (simple+t)/2 < 80 {
		return fToC((simple + t) / 2)
	}

	rh := humidityPct
	hi := -42.379 + 2.04901523*t + 10.14333127*rh - 0.22475541*t*rh -
		6.83783e-3*t*t - 5.481717e-2*rh*rh + 1.22874e-3*t*t*rh +
		8.5282e-4*t*rh*rh - 1.99e-6*t*t*rh*rh

	if rh < 13 && t >= 80 && t <= 112 {
		hi -= ((13 - rh) / 4) * math.Sqrt((17-math.Abs(t-95))/17)
	} else if rh > 85 && t >= 80 && t <= 87 {
		hi += ((rh - 85) / 10) * ((87 - t) / 5)
	}

	return fToC(hi)
}

// HeatStressCategoryFor maps a heat index (°C) onto the four-level scale.
func HeatStressCategoryFor(heatIndexC float64) string {
	f := heatIndexC*9/5 + 32
	switch {
	case f < heatIndexModerateF:
		return HeatStressNone
	case f < heatIndexSevereF:
		return HeatStressModerate
	case f < heatIndexExtremeF:
		return HeatStressSevere
	default:
		return HeatStressExtreme
	}
}

// HeatStress derives the heat-stress-index metric from a reading.
// Unavailable when temperature or humidity was not measured.
func HeatStress(reading domain.Reading) (domain.AgriculturalMetric, error) {
	if reading.Temperature == nil || reading.Humidity == nil {
		return domain.AgriculturalMetric{}, fmt.Errorf("%w: heat stress needs temperature and humidity", domain.ErrInsufficientData)
	}
	hi := HeatIndexC(*reading.Temperature, *reading.Humidity)
	return domain.AgriculturalMetric{
		LocationID: reading.LocationID,
		Kind:       domain.MetricHeatStressIndex,
		Value:      hi,
		Category:   HeatStressCategoryFor(hi),
		WindowFrom: reading.Timestamp,
		WindowTo:   reading.Timestamp,
		ComputedAt: clock.Now(),
	}, nil
}

// SoilMoistureCategoryFor maps a soil moisture percentage onto the crop's
// moisture bands.
func SoilMoistureCategoryFor(moisturePct float64, profile domain.CropProfile) string {
	switch {
	case moisturePct < profile.SoilMoistureDryBelow:
		return SoilDry
	case moisturePct > profile.SoilMoistureSaturatedAbove:
		return SoilSaturated
	default:
		return SoilOptimal
	}
}

// SoilMoisture derives the soil-moisture-category metric from a reading.
// Unavailable when the soil moisture sensor did not report.
func SoilMoisture(reading domain.Reading, profile domain.CropProfile) (domain.AgriculturalMetric, error) {
	if reading.SoilMoisture == nil {
		return domain.AgriculturalMetric{}, fmt.Errorf("%w: soil moisture not measured", domain.ErrInsufficientData)
	}
	return domain.AgriculturalMetric{
		LocationID: reading.LocationID,
		Kind:       domain.MetricSoilMoistureCategory,
		Value:      *reading.SoilMoisture,
		Category:   SoilMoistureCategoryFor(*reading.SoilMoisture, profile),
		WindowFrom: reading.Timestamp,
		WindowTo:   reading.Timestamp,
		ComputedAt: clock.Now(),
	}, nil
}

// GrowingDegreeDays accumulates GDD over daily summaries using the crop's
// base temperature. Days without an average temperature are skipped; if no
// day has one, the metric is unavailable.
func GrowingDegreeDays(locationID string, days []domain.DailySummary, profile domain.CropProfile) (domain.AgriculturalMetric, error) {
	var total float64
	usable := 0
	for _, day := range days {
		if day.AvgTemperature == nil {
			continue
		}
		total += math.Max(0, *day.AvgTemperature-profile.GDDBaseTemp)
		usable++
	}
	if usable == 0 {
		return domain.AgriculturalMetric{}, fmt.Errorf("%w: no daily temperatures in window", domain.ErrInsufficientData)
	}
	return domain.AgriculturalMetric{
		LocationID: locationID,
		Kind:       domain.MetricGrowingDegreeDays,
		Value:      total,
		WindowFrom: days[0].Date,
		WindowTo:   days[len(days)-1].Date,
		ComputedAt: clock.Now(),
	}, nil
}

// Trend classifies a value series as "increasing", "decreasing", or "stable"
// by comparing the first-half mean against the second-half mean, with a 0.1
// dead band to ignore noise.
func Trend(values []float64) string {
	if len(values) < 2 {
		return "stable"
	}
	half := len(values) / 2
	var first, second float64
	for _, v := range values[:half] {
		first += v
	}
	for _, v := range values[half:] {
		second += v
	}
	first /= float64(half)
	second /= float64(len(values) - half)

	diff := second - first
	if math.Abs(diff) < 0.1 {
		return "stable"
	}
	if diff > 0 {
		return "increasing"
	}
	return "decreasing"
}

func fToC(f float64) float64 { return (f - 32) * 5 / 9 }
