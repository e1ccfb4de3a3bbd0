package twin

import (
	"math"
	"testing"
	"time"

	"heliowatch/internal/models"
)

func lossFreeConfig() models.DigitalTwinConfig {
	soiling := make(map[int]float64)
	for m := 1; m <= 12; m++ {
		soiling[m] = 1.0
	}
	return models.DigitalTwinConfig{
		PlantID: "plant-1",
		Version: 1,
		Layout: models.PlantLayout{
			ModuleCount: 300,
			ModuleWattP: 450,
			TiltDeg:     20,
			AzimuthDeg:  180,
		},
		Losses: models.LossFactors{
			GridAvailability:   100,
			SystemAvailability: 100,
		},
		Environment: models.EnvironmentContext{
			MonthlySoiling: soiling,
		},
		CalibrationDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestComputeBaseline_LossFreeNoonEqualsNominal(t *testing.T) {
	cfg := lossFreeConfig()
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	irradiance := 1000.0
	ambient := 25.0 - (noctC-20.0)/800.0*1000.0 // cancels the temperature term

	b := ComputeBaseline(cfg, noon, &models.WeatherSample{
		IrradianceWm2: &irradiance,
		AmbientTempC:  &ambient,
	})

	// 300 modules x 450 Wp = 135 kWp; with unit efficiency at reference
	// irradiance the baseline equals the theoretical peak output
	if math.Abs(b.ExpectedKWh-135.0) > 0.001 {
		t.Errorf("ExpectedKWh = %f, want 135", b.ExpectedKWh)
	}

	if math.Abs(b.Factors.SystemEfficiency-1.0) > 0.0001 {
		t.Errorf("SystemEfficiency = %f, want 1.0", b.Factors.SystemEfficiency)
	}
}

func TestComputeBaseline_Deterministic(t *testing.T) {
	cfg := lossFreeConfig()
	cfg.Losses.SoilingPercent = 2
	cfg.Losses.MismatchPercent = 1.5
	cfg.Losses.TempCoefficient = -0.4
	ts := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	first := ComputeBaseline(cfg, ts, nil)
	second := ComputeBaseline(cfg, ts, nil)

	if first.ExpectedKWh != second.ExpectedKWh {
		t.Errorf("determinism violated: %f != %f", first.ExpectedKWh, second.ExpectedKWh)
	}
	if first.Factors != second.Factors {
		t.Errorf("factor breakdown differs between identical runs")
	}
}

func TestComputeBaseline_ZoneRepresentationIndependent(t *testing.T) {
	cfg := lossFreeConfig()
	// 10:00 UTC and 12:00+02:00 are the same instant; they key the same
	// record, so they must yield the same forecast.
	utc := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	offset := time.Date(2025, 6, 15, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	a := ComputeBaseline(cfg, utc, nil)
	b := ComputeBaseline(cfg, offset, nil)

	if a.ExpectedKWh != b.ExpectedKWh {
		t.Errorf("same instant, different forecasts: %f (UTC form) vs %f (+02:00 form)", a.ExpectedKWh, b.ExpectedKWh)
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		t.Errorf("record keys differ: %v vs %v", a.Timestamp, b.Timestamp)
	}
	if a.Factors != b.Factors {
		t.Errorf("factor breakdown differs between zone representations")
	}
}

func TestComputeBaseline_ConfidenceInterval(t *testing.T) {
	cfg := lossFreeConfig()
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	b := ComputeBaseline(cfg, noon, nil)

	if b.ExpectedKWh <= 0 {
		t.Fatalf("ExpectedKWh = %f, want positive at noon", b.ExpectedKWh)
	}
	if math.Abs(b.LowerKWh-b.ExpectedKWh*0.9) > 0.0001 {
		t.Errorf("LowerKWh = %f, want %f", b.LowerKWh, b.ExpectedKWh*0.9)
	}
	if math.Abs(b.UpperKWh-b.ExpectedKWh*1.1) > 0.0001 {
		t.Errorf("UpperKWh = %f, want %f", b.UpperKWh, b.ExpectedKWh*1.1)
	}
}

func TestEstimateIrradiance_Diurnal(t *testing.T) {
	tests := []struct {
		name string
		hour int
		min  int
		want float64
	}{
		{"midnight", 0, 0, 0},
		{"before dawn", 5, 59, 0},
		{"dawn boundary", 6, 0, 0},
		{"solar noon", 12, 0, 1000},
		{"dusk boundary", 18, 0, 0},
		{"night", 21, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := time.Date(2025, 6, 15, tt.hour, tt.min, 0, 0, time.UTC)
			got := estimateIrradiance(ts, nil)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("estimateIrradiance(%02d:%02d) = %f, want %f", tt.hour, tt.min, got, tt.want)
			}
		})
	}
}

func TestEstimateIrradiance_SuppliedWeatherWins(t *testing.T) {
	night := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)
	irr := 450.0
	got := estimateIrradiance(night, &models.WeatherSample{IrradianceWm2: &irr})
	if got != 450.0 {
		t.Errorf("estimateIrradiance with weather = %f, want 450", got)
	}
}

func TestEstimateIrradiance_Bounds(t *testing.T) {
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	excessive := 1400.0
	if got := estimateIrradiance(noon, &models.WeatherSample{IrradianceWm2: &excessive}); got != 1000.0 {
		t.Errorf("irradiance should be capped at reference, got %f", got)
	}

	negative := -50.0
	if got := estimateIrradiance(noon, &models.WeatherSample{IrradianceWm2: &negative}); got != 0 {
		t.Errorf("negative irradiance should clamp to zero, got %f", got)
	}
}

func TestComputeBaseline_CellTemperature(t *testing.T) {
	cfg := lossFreeConfig()
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	irr := 800.0
	ambient := 30.0

	b := ComputeBaseline(cfg, noon, &models.WeatherSample{
		IrradianceWm2: &irr,
		AmbientTempC:  &ambient,
	})

	want := 30.0 + (noctC-20.0)/800.0*800.0
	if math.Abs(b.Factors.CellTempC-want) > 0.0001 {
		t.Errorf("CellTempC = %f, want %f", b.Factors.CellTempC, want)
	}
}

func TestComputeBaseline_TemperatureLossReducesOutput(t *testing.T) {
	cfg := lossFreeConfig()
	cfg.Losses.TempCoefficient = -0.4
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	irr := 1000.0
	hot := 40.0
	cool := 10.0

	hotRun := ComputeBaseline(cfg, noon, &models.WeatherSample{IrradianceWm2: &irr, AmbientTempC: &hot})
	coolRun := ComputeBaseline(cfg, noon, &models.WeatherSample{IrradianceWm2: &irr, AmbientTempC: &cool})

	if hotRun.ExpectedKWh >= coolRun.ExpectedKWh {
		t.Errorf("hot day output %f should be below cool day output %f", hotRun.ExpectedKWh, coolRun.ExpectedKWh)
	}
}

func TestSoilingForMonth(t *testing.T) {
	env := models.EnvironmentContext{
		MonthlySoiling: map[int]float64{6: 0.92},
	}

	if got := soilingForMonth(env, 6); got != 0.92 {
		t.Errorf("soilingForMonth(6) = %f, want 0.92", got)
	}

	if got := soilingForMonth(env, 1); got != fallbackSoiling {
		t.Errorf("soilingForMonth(1) = %f, want fallback %f", got, fallbackSoiling)
	}

	if got := soilingForMonth(models.EnvironmentContext{}, 6); got != fallbackSoiling {
		t.Errorf("soilingForMonth with no table = %f, want fallback", got)
	}
}

func TestShadingLossPercent_TablePreferred(t *testing.T) {
	cfg := lossFreeConfig()
	cfg.Losses.ShadingPercent = 5
	cfg.Environment.ShadingTable = map[int]map[int]float64{
		12: {8: 20},
	}

	morning := time.Date(2025, 12, 10, 8, 0, 0, 0, time.UTC)
	if got := shadingLossPercent(cfg, morning); got != 20 {
		t.Errorf("shadingLossPercent with table hit = %f, want 20", got)
	}

	noon := time.Date(2025, 12, 10, 12, 0, 0, 0, time.UTC)
	if got := shadingLossPercent(cfg, noon); got != 5 {
		t.Errorf("shadingLossPercent table miss = %f, want fixed 5", got)
	}
}

func TestComputeBaseline_LossProduct(t *testing.T) {
	cfg := lossFreeConfig()
	cfg.Losses.SoilingPercent = 10
	cfg.Losses.MismatchPercent = 10
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	irr := 1000.0
	ambient := 25.0 - (noctC-20.0)/800.0*1000.0

	b := ComputeBaseline(cfg, noon, &models.WeatherSample{IrradianceWm2: &irr, AmbientTempC: &ambient})

	// 135 kWp x 0.9 x 0.9
	want := 135.0 * 0.81
	if math.Abs(b.ExpectedKWh-want) > 0.001 {
		t.Errorf("ExpectedKWh = %f, want %f", b.ExpectedKWh, want)
	}
}
