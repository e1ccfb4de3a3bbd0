// Package audit aggregates performance gaps, anomalies and
// category-specific loss analyses over a multi-week period into a
// single plant audit with a recoverable-value estimate.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/metrics"
	"heliowatch/internal/models"
)

const (
	defaultPeriodDays = 30

	// clippingPowerRatio is the fraction of rated AC power above which
	// a reading counts as inverter-limited.
	clippingPowerRatio = 0.98

	// mismatchDeviationPercent is how far below the fleet average a
	// string must sit before it counts as mismatched.
	mismatchDeviationPercent = 5.0

	// mpptShareRatio is the floor on an inverter's actual-vs-rated
	// production share before its tracking is flagged.
	mpptShareRatio = 0.9

	// minDegradationDays is the floor for the half-period trend
	// comparison.
	minDegradationDays = 14
)

// Engine runs plant audits. Each run reads the period's history and
// produces a new immutable audit record.
type Engine struct {
	db  *database.DB
	cfg *config.Config
}

func NewEngine(db *database.DB, cfg *config.Config) *Engine {
	return &Engine{db: db, cfg: cfg}
}

// Run audits one plant over the trailing periodDays. Sub-analyses with
// missing inputs degrade to not-evaluated categories; only missing
// plant or period-wide data fails the audit.
func (e *Engine) Run(ctx context.Context, plantID string, periodDays int) (*models.PlantAudit, error) {
	if periodDays <= 0 {
		periodDays = defaultPeriodDays
	}
	if _, err := e.db.GetPlant(plantID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -periodDays)

	gaps, err := e.db.GetGapRange(plantID, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load gap history: %w", err)
	}

	actual, expected := 0.0, 0.0
	for _, g := range gaps {
		actual += g.ActualKWh
		expected += g.ExpectedKWh
	}

	twinCfg, cfgErr := e.db.GetActiveTwinConfig(plantID)
	if cfgErr != nil && !errors.Is(cfgErr, models.ErrConfigNotFound) {
		return nil, cfgErr
	}
	hasTwin := cfgErr == nil

	tariff := e.cfg.Gap.AverageTariffKWh

	a := &models.PlantAudit{
		PlantID:     plantID,
		PeriodStart: since,
		PeriodEnd:   now,
		ActualKWh:   actual,
		ExpectedKWh: expected,
		CreatedAt:   now,
	}

	e.runCategory(a, analyzeSoiling(gaps, periodDays, tariff))

	byString, err := e.db.GetAveragePowerByString(plantID, since, now)
	if err != nil {
		log.Printf("Warning: string telemetry unavailable for %s: %v", plantID, err)
		byString = nil
	}
	e.runCategory(a, analyzeMismatch(byString, actual, periodDays, tariff))

	byInverter, err := e.db.GetAveragePowerByInverter(plantID, since, now)
	if err != nil {
		log.Printf("Warning: inverter telemetry unavailable for %s: %v", plantID, err)
		byInverter = nil
	}
	if hasTwin {
		e.runCategory(a, analyzeMPPT(byInverter, twinCfg, actual, periodDays, tariff))

		readings, err := e.db.GetTelemetryRange(plantID, since, now)
		if err != nil {
			log.Printf("Warning: telemetry unavailable for clipping analysis on %s: %v", plantID, err)
			readings = nil
		}
		e.runCategory(a, analyzeClipping(readings, twinCfg.RatedACPowerKW(), tariff))

		days, err := e.db.GetDailyEnergy(plantID, since, now)
		if err != nil {
			log.Printf("Warning: daily energy unavailable for %s: %v", plantID, err)
			days = nil
		}
		e.runCategory(a, analyzeDegradation(days, twinCfg.Losses.AnnualDegradation, tariff))
	} else {
		reason := "no active twin configuration"
		e.runCategory(a, categoryOutcome{result: notEvaluated(models.CategoryMPPT, reason)})
		e.runCategory(a, categoryOutcome{result: notEvaluated(models.CategoryClipping, reason)})
		e.runCategory(a, categoryOutcome{result: notEvaluated(models.CategoryDegradation, reason)})
	}

	finalize(a, periodDays, tariff, e.cfg)

	if err := e.db.InsertAudit(a); err != nil {
		return nil, err
	}
	metrics.AuditsRun.WithLabelValues(a.OverallStatus).Inc()
	return a, nil
}

// categoryOutcome is one sub-analysis result: its category record plus
// any findings and their recommendations.
type categoryOutcome struct {
	result          models.CategoryResult
	findings        []models.AuditFinding
	recommendations []models.AuditRecommendation
}

func (e *Engine) runCategory(a *models.PlantAudit, out categoryOutcome) {
	a.Categories = append(a.Categories, out.result)
	a.Findings = append(a.Findings, out.findings...)
	a.Recommendations = append(a.Recommendations, out.recommendations...)
}

func notEvaluated(category, reason string) models.CategoryResult {
	return models.CategoryResult{Category: category, Evaluated: false, Reason: reason}
}

func evaluated(category string) models.CategoryResult {
	return models.CategoryResult{Category: category, Evaluated: true}
}

// finalize computes the recoverable totals, prioritizes
// recommendations and classifies the overall status.
func finalize(a *models.PlantAudit, periodDays int, tariff float64, cfg *config.Config) {
	annualLoss := 0.0
	for i := range a.Findings {
		annualLoss += a.Findings[i].AnnualLossKWh
		// Severity grades the loss against the period's actual
		// generation, annualized the same way.
		annualActual := a.ActualKWh / float64(periodDays) * 365.0
		a.Findings[i].Severity = severityFromLossPercent(lossPercentOf(a.Findings[i].AnnualLossKWh, annualActual))
	}

	a.RecoverableKWh = annualLoss * float64(periodDays) / 365.0
	a.RecoverableValue = a.RecoverableKWh * tariff
	if a.ActualKWh > 0 {
		a.RecoverablePercent = a.RecoverableKWh / a.ActualKWh * 100.0
	}

	for i := range a.Recommendations {
		a.Recommendations[i].Priority = i + 1
		a.Recommendations[i].PaybackMonths = PaybackMonths(a.Recommendations[i].EstimatedCost, a.Recommendations[i].AnnualBenefit)
		if a.Recommendations[i].Status == "" {
			a.Recommendations[i].Status = "proposed"
		}
	}

	a.OverallStatus = overallStatus(a.RecoverablePercent, cfg)
}

func lossPercentOf(lossKWh, totalKWh float64) float64 {
	if totalKWh <= 0 {
		return 0
	}
	return lossKWh / totalKWh * 100.0
}

func severityFromLossPercent(percent float64) string {
	switch {
	case percent > 8:
		return models.SeverityCritical
	case percent > 4:
		return models.SeverityHigh
	case percent > 2:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func overallStatus(recoverablePercent float64, cfg *config.Config) string {
	switch {
	case recoverablePercent < cfg.Audit.ExcellentBelowPercent:
		return models.AuditExcellent
	case recoverablePercent < cfg.Audit.GoodBelowPercent:
		return models.AuditGood
	case recoverablePercent < cfg.Audit.AttentionBelowPercent:
		return models.AuditNeedsAttention
	}
	return models.AuditCritical
}

// PaybackMonths computes cost / (benefit / 12). A zero benefit has no
// payback and reports zero.
func PaybackMonths(cost, annualBenefit float64) float64 {
	if annualBenefit <= 0 {
		return 0
	}
	return cost / (annualBenefit / 12.0)
}

// analyzeSoiling estimates a recoverable soiling loss from the
// period's sustained negative gaps.
func analyzeSoiling(gaps []models.PerformanceGap, periodDays int, tariff float64) categoryOutcome {
	if len(gaps) == 0 {
		return categoryOutcome{result: notEvaluated(models.CategorySoiling, "no performance gap history for the period")}
	}

	shortfallKWh := 0.0
	expectedKWh := 0.0
	negativeCount := 0
	for _, g := range gaps {
		expectedKWh += g.ExpectedKWh
		if g.GapKWh < 0 {
			shortfallKWh += -g.GapKWh
			negativeCount++
		}
	}

	out := categoryOutcome{result: evaluated(models.CategorySoiling)}
	if expectedKWh <= 0 {
		return out
	}

	avgLossPercent := shortfallKWh / expectedKWh * 100.0
	// Sustained small shortfalls are the soiling signature; isolated
	// deep gaps belong to the anomaly pipeline.
	if avgLossPercent < 2 || negativeCount < len(gaps)/2 {
		return out
	}

	annualLossKWh := shortfallKWh / float64(periodDays) * 365.0
	finding := models.AuditFinding{
		ID:              "soiling-1",
		Category:        models.CategorySoiling,
		AnnualLossKWh:   annualLossKWh,
		AnnualLossValue: annualLossKWh * tariff,
		ProbableRootCauses: []string{
			"dust accumulation exceeding the cleaning schedule",
			"bird droppings or localized debris",
		},
		Confidence: 0.6,
		Evidence: []string{
			fmt.Sprintf("average loss of %.1f%% across %d of %d gap records", avgLossPercent, negativeCount, len(gaps)),
		},
	}
	out.findings = append(out.findings, finding)
	out.recommendations = append(out.recommendations, models.AuditRecommendation{
		FindingID:     finding.ID,
		Description:   "shorten the cleaning interval; verify with a cleaned reference string",
		EstimatedCost: 1200,
		AnnualBenefit: finding.AnnualLossValue * 0.8,
	})
	return out
}

// analyzeMismatch compares each string's average power to the fleet
// average and flags strings sitting materially below it.
func analyzeMismatch(byString map[string]float64, actualKWh float64, periodDays int, tariff float64) categoryOutcome {
	if len(byString) == 0 {
		return categoryOutcome{result: notEvaluated(models.CategoryMismatch, "no string-level telemetry")}
	}

	fleetSum := 0.0
	for _, avg := range byString {
		fleetSum += avg
	}
	fleetAvg := fleetSum / float64(len(byString))

	out := categoryOutcome{result: evaluated(models.CategoryMismatch)}
	if fleetAvg <= 0 {
		return out
	}

	lossFraction := 0.0
	var laggards []string
	for id, avg := range byString {
		deviation := (fleetAvg - avg) / fleetAvg * 100.0
		if deviation > mismatchDeviationPercent {
			laggards = append(laggards, fmt.Sprintf("%s (-%.1f%%)", id, deviation))
			lossFraction += deviation / 100.0 / float64(len(byString))
		}
	}
	if len(laggards) == 0 {
		return out
	}

	annualActual := actualKWh / float64(periodDays) * 365.0
	annualLossKWh := annualActual * lossFraction
	finding := models.AuditFinding{
		ID:              "mismatch-1",
		Category:        models.CategoryMismatch,
		AnnualLossKWh:   annualLossKWh,
		AnnualLossValue: annualLossKWh * tariff,
		ProbableRootCauses: []string{
			"module-level defects within the lagging strings",
			"connector corrosion or wiring resistance",
		},
		Confidence: 0.55,
		Evidence:   []string{fmt.Sprintf("%d of %d strings below fleet average: %v", len(laggards), len(byString), laggards)},
	}
	out.findings = append(out.findings, finding)
	out.recommendations = append(out.recommendations, models.AuditRecommendation{
		FindingID:     finding.ID,
		Description:   "IV-curve trace the lagging strings and replace defective modules",
		EstimatedCost: 350 * float64(len(laggards)),
		AnnualBenefit: finding.AnnualLossValue * 0.9,
	})
	return out
}

// analyzeMPPT compares each inverter's share of production to its
// share of rated capacity.
func analyzeMPPT(byInverter map[string]float64, twinCfg models.DigitalTwinConfig, actualKWh float64, periodDays int, tariff float64) categoryOutcome {
	if len(byInverter) == 0 {
		return categoryOutcome{result: notEvaluated(models.CategoryMPPT, "no inverter-level telemetry")}
	}
	totalRated := twinCfg.RatedACPowerKW()
	if totalRated <= 0 || len(twinCfg.Inverters) == 0 {
		return categoryOutcome{result: notEvaluated(models.CategoryMPPT, "twin configuration carries no inverter ratings")}
	}

	producedSum := 0.0
	for _, avg := range byInverter {
		producedSum += avg
	}

	out := categoryOutcome{result: evaluated(models.CategoryMPPT)}
	if producedSum <= 0 {
		return out
	}

	var lagging []string
	lossFraction := 0.0
	for _, inv := range twinCfg.Inverters {
		avg, ok := byInverter[inv.ID]
		if !ok {
			continue
		}
		ratedShare := inv.RatedPowerKW / totalRated
		actualShare := avg / producedSum
		if actualShare < ratedShare*mpptShareRatio {
			shortfall := ratedShare - actualShare
			lagging = append(lagging, fmt.Sprintf("%s (%.1f%% of rated share)", inv.ID, actualShare/ratedShare*100.0))
			lossFraction += shortfall
		}
	}
	if len(lagging) == 0 {
		return out
	}

	annualActual := actualKWh / float64(periodDays) * 365.0
	annualLossKWh := annualActual * lossFraction
	finding := models.AuditFinding{
		ID:              "mppt-1",
		Category:        models.CategoryMPPT,
		AnnualLossKWh:   annualLossKWh,
		AnnualLossValue: annualLossKWh * tariff,
		ProbableRootCauses: []string{
			"MPPT tracking stuck at a local maximum under partial shading",
			"inverter firmware or input configuration fault",
		},
		Confidence: 0.5,
		Evidence:   []string{fmt.Sprintf("inverters under rated share: %v", lagging)},
	}
	out.findings = append(out.findings, finding)
	out.recommendations = append(out.recommendations, models.AuditRecommendation{
		FindingID:     finding.ID,
		Description:   "service the lagging inverters and update tracking firmware",
		EstimatedCost: 500 * float64(len(lagging)),
		AnnualBenefit: finding.AnnualLossValue * 0.85,
	})
	return out
}

// analyzeClipping counts plant-level readings pinned at the inverter
// AC rating and estimates the energy lost to the cap.
func analyzeClipping(readings []models.TelemetryReading, ratedACKW, tariff float64) categoryOutcome {
	if ratedACKW <= 0 {
		return categoryOutcome{result: notEvaluated(models.CategoryClipping, "twin configuration carries no inverter ratings")}
	}

	plantLevel := 0
	clipped := 0
	for _, r := range readings {
		if r.StringID != "" || r.InverterID != "" || !r.Valid() {
			continue
		}
		plantLevel++
		if r.PowerKW >= ratedACKW*clippingPowerRatio {
			clipped++
		}
	}
	if plantLevel == 0 {
		return categoryOutcome{result: notEvaluated(models.CategoryClipping, "no plant-level telemetry")}
	}

	out := categoryOutcome{result: evaluated(models.CategoryClipping)}
	clippedFraction := float64(clipped) / float64(plantLevel)
	if clippedFraction < 0.02 {
		return out
	}

	// The capped hours give up roughly the DC headroom above the AC
	// rating; 5% of rating is a conservative stand-in for the unknown
	// headroom.
	annualClippedHours := clippedFraction * 8760.0
	annualLossKWh := annualClippedHours * ratedACKW * 0.05
	finding := models.AuditFinding{
		ID:              "clipping-1",
		Category:        models.CategoryClipping,
		AnnualLossKWh:   annualLossKWh,
		AnnualLossValue: annualLossKWh * tariff,
		ProbableRootCauses: []string{
			"DC/AC oversizing beyond the inverter rating",
		},
		Confidence: 0.7,
		Evidence: []string{
			fmt.Sprintf("%.1f%% of plant-level readings at or above %.0f%% of the %.0f kW AC rating",
				clippedFraction*100.0, clippingPowerRatio*100.0, ratedACKW),
		},
	}
	out.findings = append(out.findings, finding)
	out.recommendations = append(out.recommendations, models.AuditRecommendation{
		FindingID:     finding.ID,
		Description:   "evaluate inverter upsizing or power-limit reconfiguration",
		EstimatedCost: 4000,
		AnnualBenefit: finding.AnnualLossValue * 0.7,
	})
	return out
}

// analyzeDegradation compares the period's first and second half daily
// averages against the expected annual degradation rate.
func analyzeDegradation(days []database.DailyEnergy, expectedAnnualPercent, tariff float64) categoryOutcome {
	if len(days) < minDegradationDays {
		return categoryOutcome{result: notEvaluated(models.CategoryDegradation,
			fmt.Sprintf("need at least %d daily aggregates, have %d", minDegradationDays, len(days)))}
	}

	half := len(days) / 2
	firstAvg := averageKWh(days[:half])
	secondAvg := averageKWh(days[half:])

	out := categoryOutcome{result: evaluated(models.CategoryDegradation)}
	if firstAvg <= 0 {
		return out
	}

	declinePercent := (firstAvg - secondAvg) / firstAvg * 100.0
	halfSpanDays := float64(len(days)) / 2.0
	annualizedPercent := declinePercent * 365.0 / halfSpanDays

	if expectedAnnualPercent <= 0 {
		expectedAnnualPercent = 0.5
	}
	if annualizedPercent <= expectedAnnualPercent*1.5 {
		return out
	}

	annualActual := averageKWh(days) * 365.0
	excessPercent := annualizedPercent - expectedAnnualPercent
	annualLossKWh := annualActual * math.Min(excessPercent, 10) / 100.0
	finding := models.AuditFinding{
		ID:              "degradation-1",
		Category:        models.CategoryDegradation,
		AnnualLossKWh:   annualLossKWh,
		AnnualLossValue: annualLossKWh * tariff,
		ProbableRootCauses: []string{
			"module degradation faster than warranted",
			"progressive cell damage (PID, hotspots)",
		},
		Confidence: 0.4,
		Evidence: []string{
			fmt.Sprintf("annualized decline %.1f%% vs expected %.1f%%", annualizedPercent, expectedAnnualPercent),
		},
	}
	out.findings = append(out.findings, finding)
	out.recommendations = append(out.recommendations, models.AuditRecommendation{
		FindingID:     finding.ID,
		Description:   "commission electroluminescence imaging and warranty review",
		EstimatedCost: 2500,
		AnnualBenefit: finding.AnnualLossValue * 0.5,
	})
	return out
}

func averageKWh(days []database.DailyEnergy) float64 {
	if len(days) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range days {
		sum += d.KWh
	}
	return sum / float64(len(days))
}
