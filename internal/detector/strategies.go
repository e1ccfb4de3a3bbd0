package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"heliowatch/internal/models"
)

// minHistorySamples is the floor below which the statistical strategy
// refuses to judge: a z-score against two points is noise.
const minHistorySamples = 3

// StatisticalStrategy flags readings whose power deviates from the
// plant's own recent history by more than Threshold standard
// deviations. A zero reading during a deviation is reported as offline
// rather than a generation drop.
type StatisticalStrategy struct {
	Threshold float64
}

func (s *StatisticalStrategy) Name() string { return "statistical" }

func (s *StatisticalStrategy) Detect(_ context.Context, in Input) ([]models.Anomaly, error) {
	if in.HistoryCount < minHistorySamples {
		return nil, fmt.Errorf("not enough history for %s (%d samples)", in.PlantID, in.HistoryCount)
	}
	if in.HistoryStdDev == 0 {
		return nil, nil
	}

	var anomalies []models.Anomaly
	for _, r := range in.Readings {
		z := CalculateZScore(r.PowerKW, in.HistoryMean, in.HistoryStdDev)
		if math.Abs(z) <= s.Threshold {
			continue
		}

		anomalyType := models.AnomalyGenerationDrop
		if r.PowerKW == 0 {
			anomalyType = models.AnomalyOffline
		} else if z > 0 {
			anomalyType = models.AnomalyUnexpectedSpike
		}

		anomalies = append(anomalies, models.Anomaly{
			Timestamp:      r.Timestamp,
			Type:           anomalyType,
			Severity:       severityFromZScore(z),
			Confidence:     confidenceFromZScore(z, s.Threshold),
			AffectedMetric: "power_kw",
			ExpectedValue:  in.HistoryMean,
			ActualValue:    r.PowerKW,
		})
	}
	return anomalies, nil
}

// confidenceFromZScore scales confidence with the excess over the
// trigger threshold, saturating at 0.95.
func confidenceFromZScore(z, threshold float64) float64 {
	c := math.Abs(z) / (threshold * 2.0)
	if c > 0.95 {
		return 0.95
	}
	return c
}

// DataGapStrategy reports monitoring outages: consecutive telemetry
// points further apart than Multiple times the expected sampling
// interval.
type DataGapStrategy struct {
	Multiple float64
}

func (s *DataGapStrategy) Name() string { return "data_gap" }

func (s *DataGapStrategy) Detect(_ context.Context, in Input) ([]models.Anomaly, error) {
	if len(in.Readings) < 2 || in.SamplingPeriod <= 0 {
		return nil, nil
	}

	limit := time.Duration(float64(in.SamplingPeriod) * s.Multiple)
	var anomalies []models.Anomaly
	for i := 1; i < len(in.Readings); i++ {
		gap := in.Readings[i].Timestamp.Sub(in.Readings[i-1].Timestamp)
		if gap <= limit {
			continue
		}

		severity := models.SeverityLow
		switch ratio := float64(gap) / float64(in.SamplingPeriod); {
		case ratio > 24:
			severity = models.SeverityCritical
		case ratio > 12:
			severity = models.SeverityHigh
		case ratio > 6:
			severity = models.SeverityMedium
		}

		anomalies = append(anomalies, models.Anomaly{
			Timestamp:      in.Readings[i-1].Timestamp,
			Type:           models.AnomalyDataGap,
			Severity:       severity,
			Confidence:     0.9,
			AffectedMetric: "sampling_interval",
			ExpectedValue:  in.SamplingPeriod.Minutes(),
			ActualValue:    gap.Minutes(),
		})
	}
	return anomalies, nil
}

// TwinCheckStrategy cross-checks actual energy against the digital
// twin baseline at matching timestamps. Ratios classify the deviation;
// timestamps without a baseline are skipped, never guessed.
type TwinCheckStrategy struct{}

func (s *TwinCheckStrategy) Name() string { return "twin_check" }

func (s *TwinCheckStrategy) Detect(_ context.Context, in Input) ([]models.Anomaly, error) {
	var anomalies []models.Anomaly
	for _, r := range in.Readings {
		expected, ok := in.Baselines[r.Timestamp.UTC()]
		if !ok || expected <= 0 {
			continue
		}

		ratio := r.EnergyKWh / expected
		var anomalyType, severity string
		switch {
		case ratio == 0:
			anomalyType = models.AnomalyOffline
			severity = models.SeverityCritical
		case ratio < 0.5:
			anomalyType = models.AnomalyGenerationDrop
			severity = models.SeverityHigh
		case ratio < 0.8:
			anomalyType = models.AnomalyUnderperformance
			severity = models.SeverityMedium
		case ratio > 1.3:
			anomalyType = models.AnomalyUnexpectedSpike
			severity = models.SeverityLow
		case ratio > 1.1:
			anomalyType = models.AnomalyOverperformance
			severity = models.SeverityLow
		default:
			continue
		}

		anomalies = append(anomalies, models.Anomaly{
			Timestamp:      r.Timestamp,
			Type:           anomalyType,
			Severity:       severity,
			Confidence:     0.8,
			AffectedMetric: "energy_kwh",
			ExpectedValue:  expected,
			ActualValue:    r.EnergyKWh,
		})
	}
	return anomalies, nil
}
