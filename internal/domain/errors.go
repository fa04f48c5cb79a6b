package domain

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers match with
// errors.Is; producers wrap with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrInvalidCoordinates rejects latitude/longitude outside valid ranges.
	// Raised synchronously before any cache or backend interaction.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	// ErrNotFound means the persistence collaborator has no data for the
	// requested location/path. Distinct from a backend failure.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientData means a derivation had no inputs to work from,
	// e.g. a forecast horizon with zero source points.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrBackendUnavailable wraps persistence collaborator failures. It is
	// the only error not masked by the cache: degraded-availability mode may
	// substitute a stale entry, otherwise it propagates.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout is returned when a repository call's deadline expires while
	// waiting on an in-flight fetch. The fetch itself continues for other
	// waiters.
	ErrTimeout = errors.New("timeout")
)
