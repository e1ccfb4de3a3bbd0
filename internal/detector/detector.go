// Package detector scans telemetry windows for deviation events. Every
// enabled strategy runs independently over the same window; strategies
// do not need to agree and a failing strategy never suppresses the rest.
package detector

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"heliowatch/internal/cache"
	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/metrics"
	"heliowatch/internal/models"
)

// Input is the shared view of one plant's telemetry window handed to
// every strategy. Readings are sorted by timestamp ascending and
// already filtered to valid samples.
type Input struct {
	PlantID        string
	Readings       []models.TelemetryReading
	HistoryMean    float64
	HistoryStdDev  float64
	HistoryCount   int
	Baselines      map[time.Time]float64
	WindowStart    time.Time
	WindowEnd      time.Time
	SamplingPeriod time.Duration
}

// Strategy is one independent detection method.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, in Input) ([]models.Anomaly, error)
}

// Options are per-run overrides of the configured detector settings.
// Zero values fall back to the configured defaults; an empty Strategies
// list runs every registered strategy.
type Options struct {
	ZScoreThreshold  float64  `json:"z_score_threshold,omitempty"`
	DedupWindowHours int      `json:"dedup_window_hours,omitempty"`
	Strategies       []string `json:"strategies,omitempty"`
}

// Detector orchestrates the strategy set over one plant's window and
// persists findings idempotently.
type Detector struct {
	db         *database.DB
	cfg        *config.Config
	alerts     *cache.AlertPublisher
	strategies []Strategy
}

// New builds a detector with the standard strategy set. ml may be nil
// when no Redis bridge is configured, in which case only the in-process
// strategies run.
func New(db *database.DB, cfg *config.Config, alerts *cache.AlertPublisher, ml Strategy) *Detector {
	strategies := []Strategy{
		&StatisticalStrategy{Threshold: cfg.Detector.ZScoreThreshold},
		&DataGapStrategy{Multiple: cfg.Detector.GapIntervalMultiple},
		&TwinCheckStrategy{},
	}
	if ml != nil {
		strategies = append(strategies, ml)
	}
	return &Detector{db: db, cfg: cfg, alerts: alerts, strategies: strategies}
}

// Run scans the last periodHours of telemetry for one plant. Zero
// periodHours falls back to the configured default, and a nil opts
// runs every strategy with the configured settings. Re-running over an
// overlapping window updates existing open anomalies instead of
// duplicating them.
func (d *Detector) Run(ctx context.Context, plantID string, periodHours int, opts *Options) (models.DetectionResult, error) {
	if periodHours <= 0 {
		periodHours = d.cfg.Detector.PeriodHours
	}
	dedupHours := d.cfg.Detector.DedupWindowHours
	if opts != nil && opts.DedupWindowHours > 0 {
		dedupHours = opts.DedupWindowHours
	}
	now := time.Now().UTC()
	windowStart := now.Add(-time.Duration(periodHours) * time.Hour)

	in, flagged, err := d.buildInput(plantID, windowStart, now)
	if err != nil {
		return models.DetectionResult{}, err
	}

	result := models.DetectionResult{FlaggedReadings: flagged}

	for _, s := range d.selectStrategies(opts) {
		found, err := s.Detect(ctx, in)
		if err != nil {
			log.Printf("Warning: strategy %s failed for %s: %v", s.Name(), plantID, err)
			metrics.StrategyFailures.WithLabelValues(s.Name()).Inc()
			if result.StrategyErrors == nil {
				result.StrategyErrors = make(map[string]string)
			}
			result.StrategyErrors[s.Name()] = err.Error()
			continue
		}

		for i := range found {
			a := &found[i]
			a.PlantID = plantID
			a.Strategy = s.Name()
			a.Status = models.AnomalyActive
			a.DedupKey = DedupKey(plantID, a.Type, a.Timestamp, dedupHours)

			if err := d.db.UpsertAnomaly(a); err != nil {
				return result, err
			}
			metrics.AnomaliesDetected.WithLabelValues(s.Name(), a.Severity).Inc()

			if a.Severity == models.SeverityCritical && d.alerts != nil {
				if err := d.alerts.PublishAnomalyAlert(ctx, *a); err != nil {
					log.Printf("Warning: failed to publish anomaly alert: %v", err)
				}
			}
			result.Anomalies = append(result.Anomalies, *a)
		}
	}

	result.AnomaliesDetected = len(result.Anomalies)
	return result, nil
}

// RunAll scans every registered plant sequentially and merges the
// per-plant results.
func (d *Detector) RunAll(ctx context.Context, periodHours int, opts *Options) (models.DetectionResult, error) {
	plants, err := d.db.GetAllPlants()
	if err != nil {
		return models.DetectionResult{}, err
	}

	var merged models.DetectionResult
	for _, p := range plants {
		r, err := d.Run(ctx, p.ID, periodHours, opts)
		if err != nil {
			return merged, fmt.Errorf("detection failed for plant %s: %w", p.ID, err)
		}
		merged.Anomalies = append(merged.Anomalies, r.Anomalies...)
		merged.FlaggedReadings += r.FlaggedReadings
		for name, msg := range r.StrategyErrors {
			if merged.StrategyErrors == nil {
				merged.StrategyErrors = make(map[string]string)
			}
			merged.StrategyErrors[p.ID+"/"+name] = msg
		}
	}
	merged.AnomaliesDetected = len(merged.Anomalies)
	return merged, nil
}

// selectStrategies resolves the per-run strategy set. Names that match
// no registered strategy are ignored rather than rejected; a request
// naming only unknown strategies runs nothing.
func (d *Detector) selectStrategies(opts *Options) []Strategy {
	if opts == nil || (len(opts.Strategies) == 0 && opts.ZScoreThreshold <= 0) {
		return d.strategies
	}

	enabled := func(name string) bool {
		if len(opts.Strategies) == 0 {
			return true
		}
		for _, n := range opts.Strategies {
			if n == name {
				return true
			}
		}
		return false
	}

	var selected []Strategy
	for _, s := range d.strategies {
		if !enabled(s.Name()) {
			continue
		}
		if _, ok := s.(*StatisticalStrategy); ok && opts.ZScoreThreshold > 0 {
			s = &StatisticalStrategy{Threshold: opts.ZScoreThreshold}
		}
		selected = append(selected, s)
	}
	return selected
}

func (d *Detector) buildInput(plantID string, windowStart, windowEnd time.Time) (Input, int, error) {
	raw, err := d.db.GetTelemetryRange(plantID, windowStart, windowEnd)
	if err != nil {
		return Input{}, 0, fmt.Errorf("failed to load telemetry window: %w", err)
	}

	readings := raw[:0]
	flagged := 0
	for _, r := range raw {
		if !r.Valid() {
			flagged++
			continue
		}
		readings = append(readings, r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })

	// History baseline is the 7 days before the window: the window
	// under test must not contaminate its own reference statistics.
	historySince := windowStart.AddDate(0, 0, -7)
	mean, stdDev, count, err := d.db.GetTelemetryStats(plantID, historySince, windowStart)
	if err != nil {
		return Input{}, 0, fmt.Errorf("failed to load telemetry stats: %w", err)
	}

	baselines := make(map[time.Time]float64)
	forecasts, err := d.db.GetBaselineRange(plantID, windowStart, windowEnd)
	if err != nil {
		return Input{}, 0, fmt.Errorf("failed to load baselines: %w", err)
	}
	for _, b := range forecasts {
		baselines[b.Timestamp.UTC()] = b.ExpectedKWh
	}

	return Input{
		PlantID:        plantID,
		Readings:       readings,
		HistoryMean:    mean,
		HistoryStdDev:  stdDev,
		HistoryCount:   count,
		Baselines:      baselines,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		SamplingPeriod: time.Duration(d.cfg.Detector.SamplingIntervalMins) * time.Minute,
	}, flagged, nil
}

// DedupKey builds the idempotency key for an anomaly: plant, type and
// the timestamp truncated to the dedup window. Re-detection over an
// overlapping window lands on the same key.
func DedupKey(plantID, anomalyType string, ts time.Time, windowHours int) string {
	if windowHours <= 0 {
		windowHours = 1
	}
	bucket := ts.UTC().Truncate(time.Duration(windowHours) * time.Hour)
	return fmt.Sprintf("%s|%s|%s", plantID, anomalyType, bucket.Format(time.RFC3339))
}

// CalculateZScore returns how many standard deviations value sits from
// the mean. Zero spread yields zero.
func CalculateZScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}

// severityFromZScore grades a deviation by its distance from the mean.
func severityFromZScore(zScore float64) string {
	abs := math.Abs(zScore)
	switch {
	case abs > 4.0:
		return models.SeverityCritical
	case abs > 3.0:
		return models.SeverityHigh
	case abs > 2.5:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
