// Package domain models agricultural weather data for farm advisory queries.
//
// # Units
//
// All measurements use metric agricultural conventions:
//
//	Temperature, soil temperature:  degrees Celsius
//	Humidity, soil moisture:        percent (0-100)
//	Rainfall:                       millimetres
//	Wind speed:                     km/h, direction in compass degrees (0-360)
//	Solar radiation:                W/m²
//
// Sensor gaps are expected: every measurement field on [Reading] and
// [ForecastPoint] is a pointer, and nil means "not measured". Downstream
// computations must propagate nil as "metric unavailable" rather than
// substituting zero, since 0 °C or 0 % soil moisture are meaningful values.
//
// # Readings and forecasts
//
// Readings are append-only: once recorded they are never mutated, only
// superseded by newer timestamps for the same location. Forecast points are
// superseded on refresh; points whose horizon date has passed are retained by
// the persistence collaborator for accuracy auditing but excluded from
// current-forecast views.
//
// Forecast confidence is a [0,1] score. Aggregated points combine sources by
// confidence-weighted averaging and discount the result by a geometric
// horizon-decay factor, so confidence never increases with horizon distance.
//
// # Alerts
//
// An alert is a state machine keyed by (location, category):
//
//	None → Active → Resolved → None
//
// At most one Active alert exists per pair at any time. Re-triggering a
// condition refreshes the existing Active alert in place (created-at is
// preserved); a cleared condition transitions it to Resolved. A Resolved
// alert never blocks a later Active one for the same category.
//
// Severity uses the four-level ladder low | medium | high | extreme,
// matching the thresholds farmers in the target region already know from
// the district advisory bulletins.
package domain
