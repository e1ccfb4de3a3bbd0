// Package gap compares actual plant generation against the modelled
// baseline and classifies the likely causes of any shortfall.
package gap

import (
	"context"
	"fmt"
	"log"
	"time"

	"heliowatch/internal/cache"
	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/metrics"
	"heliowatch/internal/models"
)

// Analyzer computes performance gaps. cache and alerts may be nil when
// Redis is not configured.
type Analyzer struct {
	db     *database.DB
	cache  *cache.Cache
	alerts *cache.AlertPublisher
	cfg    *config.Config
}

func NewAnalyzer(db *database.DB, c *cache.Cache, alerts *cache.AlertPublisher, cfg *config.Config) *Analyzer {
	return &Analyzer{db: db, cache: c, alerts: alerts, cfg: cfg}
}

// Calculate derives the performance gap for one (plant, timestamp). A
// baseline for the exact timestamp is a hard precondition; its absence
// surfaces as models.ErrBaselineMissing, never as a zero gap.
func (a *Analyzer) Calculate(ctx context.Context, plantID string, ts time.Time) (models.PerformanceGap, error) {
	baseline, err := a.db.GetBaseline(plantID, ts)
	if err != nil {
		return models.PerformanceGap{}, err
	}

	readings, err := a.db.GetTelemetryAt(plantID, ts)
	if err != nil {
		return models.PerformanceGap{}, fmt.Errorf("failed to load telemetry: %w", err)
	}

	// Multiple readings at one timestamp (per string, per inverter) are
	// summed. Invalid readings are counted but never enter the sum.
	actual := 0.0
	flagged := 0
	for _, r := range readings {
		if !r.Valid() {
			flagged++
			continue
		}
		actual += r.EnergyKWh
	}

	g := Compute(plantID, ts, actual, baseline.ExpectedKWh, a.cfg)
	g.FlaggedReadings = flagged

	if err := a.db.UpsertGap(g); err != nil {
		return models.PerformanceGap{}, err
	}

	if a.cache != nil {
		if err := a.cache.SetGap(ctx, g); err != nil {
			log.Printf("Warning: failed to cache gap for %s: %v", plantID, err)
		}
	}

	if g.AlertTriggered {
		metrics.GapAlertsTriggered.WithLabelValues(plantID).Inc()
		if a.alerts != nil {
			if err := a.alerts.PublishGapAlert(ctx, g); err != nil {
				log.Printf("Warning: failed to publish gap alert for %s: %v", plantID, err)
			}
		}
	}

	return g, nil
}

// Compute is the pure gap calculation: gap, percent, probable causes,
// financial loss and the alert decision.
func Compute(plantID string, ts time.Time, actualKWh, expectedKWh float64, cfg *config.Config) models.PerformanceGap {
	g := models.PerformanceGap{
		PlantID:     plantID,
		Timestamp:   ts.UTC(),
		ActualKWh:   actualKWh,
		ExpectedKWh: expectedKWh,
		GapKWh:      actualKWh - expectedKWh,
	}

	if expectedKWh != 0 {
		g.GapPercent = g.GapKWh / expectedKWh * 100.0
	}

	g.ProbableCauses = classifyCauses(g.GapPercent, g.GapKWh)

	// Only shortfalls carry a cost; overproduction is not revenue we
	// can book against the forecast.
	if g.GapKWh < 0 {
		g.FinancialLoss = -g.GapKWh * cfg.Gap.AverageTariffKWh
	}

	if g.GapPercent > cfg.Gap.AlertThresholdPercent || g.GapPercent < -cfg.Gap.AlertThresholdPercent {
		g.AlertTriggered = true
	}

	return g
}

// classifyCauses maps the gap percentage onto weighted hypotheses. The
// confidences are independent priors, not a distribution.
func classifyCauses(gapPercent, gapKWh float64) []models.ProbableCause {
	switch {
	case gapPercent < -20:
		return []models.ProbableCause{
			{
				Cause:      "equipment_or_string_failure",
				Confidence: 0.6,
				Evidence:   []string{fmt.Sprintf("generation %.1f%% below baseline", -gapPercent)},
				ImpactKWh:  -gapKWh,
			},
			{
				Cause:      "severe_soiling_or_shading",
				Confidence: 0.3,
				Evidence:   []string{"shortfall consistent with heavy soiling or new obstruction"},
				ImpactKWh:  -gapKWh,
			},
		}
	case gapPercent < -10:
		return []models.ProbableCause{
			{
				Cause:      "excess_soiling",
				Confidence: 0.5,
				Evidence:   []string{fmt.Sprintf("generation %.1f%% below baseline", -gapPercent)},
				ImpactKWh:  -gapKWh,
			},
		}
	case gapPercent > 10:
		return []models.ProbableCause{
			{
				Cause:      "irradiance_above_forecast",
				Confidence: 0.8,
				Evidence:   []string{fmt.Sprintf("generation %.1f%% above baseline", gapPercent)},
				ImpactKWh:  0,
			},
		}
	}
	return nil
}
