package models

import "errors"

// Error taxonomy. Callers distinguish the kinds with errors.Is:
// precondition and state-machine errors mean "fix your input first",
// upstream errors mean "retry me later".
var (
	// ErrConfigNotFound - no active digital twin config for the plant.
	ErrConfigNotFound = errors.New("digital twin config not found")

	// ErrBaselineMissing - a gap calculation requires a previously
	// computed baseline for the exact timestamp.
	ErrBaselineMissing = errors.New("baseline forecast missing for timestamp")

	// ErrAnomalyNotFound - root cause analysis for an unknown anomaly.
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrPlantNotFound - unknown plant id.
	ErrPlantNotFound = errors.New("plant not found")

	// ErrUpstreamUnavailable - telemetry/weather fetch failed after the
	// bounded retries were exhausted.
	ErrUpstreamUnavailable = errors.New("upstream data source unavailable")

	// ErrInvalidTransition - an investigation state machine violation,
	// e.g. completing an analysis without a resolution summary.
	ErrInvalidTransition = errors.New("invalid investigation transition")

	// ErrInvalidConfig - a twin config rejected at the validation
	// boundary (losses outside [0,100], unknown monitoring type).
	ErrInvalidConfig = errors.New("invalid digital twin config")
)
