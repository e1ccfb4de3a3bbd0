package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	instance *Config
	once     sync.Once
)

// Config - business constants live here, not in code. The 15% alert
// threshold and 2-4% recoverable band are defaults, not law.
type Config struct {
	Gap struct {
		AlertThresholdPercent float64 `yaml:"alert_threshold_percent"`
		AverageTariffKWh      float64 `yaml:"average_tariff_kwh"`
	} `yaml:"gap"`
	Detector struct {
		ZScoreThreshold      float64 `yaml:"z_score_threshold"`
		PeriodHours          int     `yaml:"period_hours"`
		SamplingIntervalMins int     `yaml:"sampling_interval_minutes"`
		GapIntervalMultiple  float64 `yaml:"gap_interval_multiple"`
		DedupWindowHours     int     `yaml:"dedup_window_hours"`
		MLTimeoutSeconds     int     `yaml:"ml_timeout_seconds"`
	} `yaml:"detector"`
	Audit struct {
		ExcellentBelowPercent float64 `yaml:"excellent_below_percent"`
		GoodBelowPercent      float64 `yaml:"good_below_percent"`
		AttentionBelowPercent float64 `yaml:"attention_below_percent"`
	} `yaml:"audit"`
	Redis struct {
		Addr            string `yaml:"addr"`
		Password        string `yaml:"password"`
		DB              int    `yaml:"db"`
		AlertStream     string `yaml:"alert_stream"`
		TelemetryStream string `yaml:"telemetry_stream"`
	} `yaml:"redis"`
	Weather struct {
		MonitoredFields []string `yaml:"monitored_fields"`
	} `yaml:"weather"`
}

func Load(configPath string) (*Config, error) {
	var err error
	once.Do(func() {
		instance = defaults()

		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file %s: %w", configPath, readErr)
			return
		}

		if parseErr := yaml.Unmarshal(data, instance); parseErr != nil {
			err = fmt.Errorf("failed to parse config: %w", parseErr)
			return
		}

		if validateErr := instance.validate(); validateErr != nil {
			err = validateErr
			return
		}
	})

	return instance, err
}

func Get() *Config {
	if instance == nil {
		panic("config not loaded - call config.Load() first")
	}
	return instance
}

func defaults() *Config {
	c := &Config{}
	c.Gap.AlertThresholdPercent = 15.0
	c.Gap.AverageTariffKWh = 0.12
	c.Detector.ZScoreThreshold = 2.0
	c.Detector.PeriodHours = 24
	c.Detector.SamplingIntervalMins = 60
	c.Detector.GapIntervalMultiple = 2.0
	c.Detector.DedupWindowHours = 1
	c.Detector.MLTimeoutSeconds = 30
	c.Audit.ExcellentBelowPercent = 2.0
	c.Audit.GoodBelowPercent = 4.0
	c.Audit.AttentionBelowPercent = 8.0
	c.Redis.Addr = "localhost:6379"
	c.Redis.AlertStream = "alerts"
	c.Redis.TelemetryStream = "telemetry_ingest"
	c.Weather.MonitoredFields = []string{"shortwave_radiation", "temperature_2m"}
	return c
}

func (c *Config) validate() error {
	if c.Gap.AlertThresholdPercent <= 0 {
		return fmt.Errorf("gap.alert_threshold_percent must be positive")
	}
	if c.Gap.AverageTariffKWh < 0 {
		return fmt.Errorf("gap.average_tariff_kwh cannot be negative")
	}
	if c.Detector.ZScoreThreshold <= 0 {
		return fmt.Errorf("detector.z_score_threshold must be positive")
	}
	if c.Detector.SamplingIntervalMins <= 0 {
		return fmt.Errorf("detector.sampling_interval_minutes must be positive")
	}
	if !(c.Audit.ExcellentBelowPercent < c.Audit.GoodBelowPercent &&
		c.Audit.GoodBelowPercent < c.Audit.AttentionBelowPercent) {
		return fmt.Errorf("audit thresholds must be strictly increasing")
	}
	if len(c.Weather.MonitoredFields) == 0 {
		return fmt.Errorf("weather.monitored_fields cannot be empty")
	}
	return nil
}
