package gap

import (
	"math"
	"testing"
	"time"

	"heliowatch/internal/config"
	"heliowatch/internal/models"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Gap.AlertThresholdPercent = 15
	cfg.Gap.AverageTariffKWh = 0.12
	return cfg
}

func TestCompute_ShortfallWithAlert(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	// 100 kWh expected, 70 delivered: -30% gap
	g := Compute("plant-1", ts, 70, 100, testConfig())

	if math.Abs(g.GapKWh-(-30)) > 0.0001 {
		t.Errorf("GapKWh = %f, want -30", g.GapKWh)
	}
	if math.Abs(g.GapPercent-(-30)) > 0.0001 {
		t.Errorf("GapPercent = %f, want -30", g.GapPercent)
	}
	if !g.AlertTriggered {
		t.Error("alert should trigger at -30%")
	}
	if math.Abs(g.FinancialLoss-3.6) > 0.0001 {
		t.Errorf("FinancialLoss = %f, want 3.6", g.FinancialLoss)
	}

	if len(g.ProbableCauses) != 2 {
		t.Fatalf("got %d probable causes, want 2", len(g.ProbableCauses))
	}
	if g.ProbableCauses[0].Cause != "equipment_or_string_failure" {
		t.Errorf("leading cause = %q", g.ProbableCauses[0].Cause)
	}
	if g.ProbableCauses[1].Cause != "severe_soiling_or_shading" {
		t.Errorf("second cause = %q", g.ProbableCauses[1].Cause)
	}
}

func TestCompute_ModerateShortfall(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	g := Compute("plant-1", ts, 85, 100, testConfig())

	if g.AlertTriggered {
		t.Error("alert should not trigger at -15% (threshold is exclusive)")
	}
	if len(g.ProbableCauses) != 1 || g.ProbableCauses[0].Cause != "excess_soiling" {
		t.Errorf("causes = %+v, want single excess_soiling", g.ProbableCauses)
	}
}

func TestCompute_Overproduction(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	g := Compute("plant-1", ts, 120, 100, testConfig())

	if g.FinancialLoss != 0 {
		t.Errorf("FinancialLoss = %f, want 0 for positive gap", g.FinancialLoss)
	}
	if !g.AlertTriggered {
		t.Error("alert should trigger at +20% (threshold is two-sided)")
	}
	if len(g.ProbableCauses) != 1 {
		t.Fatalf("got %d probable causes, want 1", len(g.ProbableCauses))
	}
	c := g.ProbableCauses[0]
	if c.Cause != "irradiance_above_forecast" {
		t.Errorf("cause = %q", c.Cause)
	}
	if c.ImpactKWh != 0 {
		t.Errorf("ImpactKWh = %f, want 0 for overproduction", c.ImpactKWh)
	}
}

func TestCompute_ZeroExpected(t *testing.T) {
	ts := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)
	g := Compute("plant-1", ts, 0.5, 0, testConfig())

	if g.GapPercent != 0 {
		t.Errorf("GapPercent = %f, want 0 when expected is 0", g.GapPercent)
	}
	if g.AlertTriggered {
		t.Error("zero-expected gap should not alert")
	}
}

func TestCompute_SmallGapNoCauses(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	g := Compute("plant-1", ts, 97, 100, testConfig())

	if len(g.ProbableCauses) != 0 {
		t.Errorf("got %d probable causes, want none inside the dead band", len(g.ProbableCauses))
	}
	if g.AlertTriggered {
		t.Error("3% shortfall should not alert")
	}
}

func TestCompute_AlertBoundary(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		actual float64
		want   bool
	}{
		{"exactly at threshold", 85, false},
		{"just past threshold", 84.9, true},
		{"positive at threshold", 115, false},
		{"positive past threshold", 115.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Compute("plant-1", ts, tt.actual, 100, testConfig())
			if g.AlertTriggered != tt.want {
				t.Errorf("AlertTriggered = %v, want %v (actual=%f)", g.AlertTriggered, tt.want, tt.actual)
			}
		})
	}
}

func TestCompute_ImpactMatchesGap(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	g := Compute("plant-1", ts, 60, 100, testConfig())

	for _, c := range g.ProbableCauses {
		if c.ImpactKWh != 40 {
			t.Errorf("cause %q ImpactKWh = %f, want 40", c.Cause, c.ImpactKWh)
		}
	}
}

func TestValidReadingFilter(t *testing.T) {
	good := models.TelemetryReading{PlantID: "p", EnergyKWh: 5, PowerKW: 10}
	bad := models.TelemetryReading{PlantID: "p", EnergyKWh: -1, PowerKW: 10}

	if !good.Valid() {
		t.Error("non-negative reading should be valid")
	}
	if bad.Valid() {
		t.Error("negative energy must be flagged, not aggregated")
	}
}
