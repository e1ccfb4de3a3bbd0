package twin

import (
	"context"
	"log"
	"math"
	"time"

	"heliowatch/internal/cache"
	"heliowatch/internal/database"
	"heliowatch/internal/metrics"
	"heliowatch/internal/models"
)

// Physical model constants.
const (
	noctC             = 45.0   // nominal operating cell temperature
	refIrradianceWm2  = 1000.0 // STC reference irradiance
	stcCellTempC      = 25.0
	defaultAmbientC   = 20.0
	daylightStartHour = 6.0
	daylightEndHour   = 18.0
	confidenceBand    = 0.10
	fallbackSoiling   = 0.95
)

// Forecaster computes the expected-generation baseline for a plant
// from its digital twin config and live environmental context.
type Forecaster struct {
	db    *database.DB
	cache *cache.Cache
}

// NewForecaster creates a forecaster. The cache may be nil.
func NewForecaster(db *database.DB, c *cache.Cache) *Forecaster {
	return &Forecaster{db: db, cache: c}
}

// Calculate computes and persists the baseline for (plant, timestamp).
// Recomputation with identical inputs yields an identical record; the
// write is an idempotent upsert. A plant without an active config is a
// precondition failure (ErrConfigNotFound), never a transient one.
func (f *Forecaster) Calculate(ctx context.Context, plantID string, ts time.Time, weather *models.WeatherSample) (models.BaselineForecast, error) {
	cfg, err := f.db.GetActiveTwinConfig(plantID)
	if err != nil {
		return models.BaselineForecast{}, err
	}

	baseline := ComputeBaseline(cfg, ts, weather)

	if err := f.db.UpsertBaseline(baseline); err != nil {
		return models.BaselineForecast{}, err
	}

	if f.cache != nil {
		if err := f.cache.SetBaseline(ctx, baseline); err != nil {
			log.Printf("Failed to cache baseline for %s: %v", plantID, err)
		}
	}

	metrics.BaselinesComputed.WithLabelValues(plantID).Inc()
	return baseline, nil
}

// ComputeBaseline runs the parametric physical model. It is pure and
// deterministic: identical config, timestamp and weather always produce
// the same forecast.
func ComputeBaseline(cfg models.DigitalTwinConfig, ts time.Time, weather *models.WeatherSample) models.BaselineForecast {
	// Records are keyed on the UTC instant, so every hour/month-derived
	// factor must read the UTC clock. The same instant in different zone
	// representations has to produce the same forecast.
	ts = ts.UTC()
	irradiance := estimateIrradiance(ts, weather)
	ambient := defaultAmbientC
	if weather != nil && weather.AmbientTempC != nil {
		ambient = *weather.AmbientTempC
	}

	cellTemp := ambient + (noctC-20.0)/800.0*irradiance
	soilingFactor := soilingForMonth(cfg.Environment, int(ts.Month()))
	shadingFactor := 1.0 - shadingLossPercent(cfg, ts)/100.0
	tempLoss := cfg.Losses.TempCoefficient * (cellTemp - stcCellTempC)

	efficiency := (1.0 - cfg.Losses.SoilingPercent/100.0) *
		soilingFactor *
		shadingFactor *
		(1.0 - cfg.Losses.MismatchPercent/100.0) *
		(1.0 - cfg.Losses.WiringPercent/100.0) *
		(1.0 - cfg.Losses.ConnectionsPercent/100.0) *
		(1.0 - cfg.Losses.LIDPercent/100.0) *
		(1.0 + tempLoss/100.0) *
		availabilityFraction(cfg.Losses.GridAvailability) *
		availabilityFraction(cfg.Losses.SystemAvailability)

	expected := cfg.NominalPowerKW() * irradiance * efficiency / refIrradianceWm2
	if expected < 0 {
		expected = 0
	}

	return models.BaselineForecast{
		PlantID:      cfg.PlantID,
		Timestamp:    ts.UTC(),
		ExpectedKWh:  expected,
		LowerKWh:     expected * (1.0 - confidenceBand),
		UpperKWh:     expected * (1.0 + confidenceBand),
		ModelVersion: cfg.Version,
		Factors: models.FactorBreakdown{
			IrradianceWm2:    irradiance,
			AmbientTempC:     ambient,
			CellTempC:        cellTemp,
			SoilingFactor:    soilingFactor,
			ShadingFactor:    shadingFactor,
			SystemEfficiency: efficiency,
		},
		CalibrationDate: cfg.CalibrationDate,
	}
}

// estimateIrradiance uses supplied weather when present, otherwise a
// smooth diurnal curve: zero outside the daylight window, cosine peak
// at solar noon, bounded by the reference irradiance.
func estimateIrradiance(ts time.Time, weather *models.WeatherSample) float64 {
	if weather != nil && weather.IrradianceWm2 != nil {
		irr := *weather.IrradianceWm2
		if irr < 0 {
			return 0
		}
		return math.Min(irr, refIrradianceWm2)
	}

	hour := float64(ts.Hour()) + float64(ts.Minute())/60.0
	if hour < daylightStartHour || hour > daylightEndHour {
		return 0
	}

	return refIrradianceWm2 * math.Cos((hour-12.0)/6.0*math.Pi/2.0)
}

// soilingForMonth reads the monthly soiling retention table, falling
// back to 0.95 when the month is absent.
func soilingForMonth(env models.EnvironmentContext, month int) float64 {
	if factor, ok := env.MonthlySoiling[month]; ok && factor > 0 {
		return factor
	}
	return fallbackSoiling
}

// shadingLossPercent prefers the hour/month shading table when the
// config carries one.
func shadingLossPercent(cfg models.DigitalTwinConfig, ts time.Time) float64 {
	if byHour, ok := cfg.Environment.ShadingTable[int(ts.Month())]; ok {
		if loss, ok := byHour[ts.Hour()]; ok {
			return loss
		}
	}
	return cfg.Losses.ShadingPercent
}

// availabilityFraction converts an availability percent to a fraction.
// Zero means unset and is treated as full availability.
func availabilityFraction(percent float64) float64 {
	if percent <= 0 {
		return 1.0
	}
	return percent / 100.0
}
