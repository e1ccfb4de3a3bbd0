package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"heliowatch/internal/models"
)

const baseURL = "https://api.open-meteo.com/v1/forecast"

const (
	requestTimeout = 10 * time.Second
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Client fetches environmental context from the Open-Meteo API.
// Every fetch is bounded by a timeout and a fixed retry budget with
// exponential backoff; exhausting it surfaces ErrUpstreamUnavailable.
type Client struct {
	client *http.Client
}

// Forecast is the subset of the Open-Meteo response the twin model
// consumes.
type Forecast struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Current   Current `json:"current"`
	Hourly    Hourly  `json:"hourly"`
}

type Current struct {
	Time               string   `json:"time"`
	Temperature2m      *float64 `json:"temperature_2m"`
	ShortwaveRadiation *float64 `json:"shortwave_radiation"`
}

type Hourly struct {
	Time               []string  `json:"time"`
	Temperature2m      []float64 `json:"temperature_2m"`
	ShortwaveRadiation []float64 `json:"shortwave_radiation"`
}

// HourlySample is one resolved hourly weather point.
type HourlySample struct {
	Timestamp     time.Time
	IrradianceWm2 float64
	AmbientTempC  float64
}

type ForecastParams struct {
	Latitude      float64
	Longitude     float64
	CurrentFields []string
	HourlyFields  []string
	Timezone      string
	PastDays      int
	ForecastDays  int
}

// NewClient creates a new Open-Meteo API client
func NewClient() *Client {
	return &Client{
		client: &http.Client{Timeout: requestTimeout},
	}
}

// BuildURL builds the request URL for the given parameters
func (c *Client) BuildURL(p ForecastParams) string {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}

	url := fmt.Sprintf("%s?latitude=%.4f&longitude=%.4f&timezone=%s",
		baseURL, p.Latitude, p.Longitude, p.Timezone)

	if p.PastDays > 0 {
		url += fmt.Sprintf("&past_days=%d", p.PastDays)
	}

	if p.ForecastDays >= 0 {
		url += fmt.Sprintf("&forecast_days=%d", p.ForecastDays)
	}

	if len(p.CurrentFields) > 0 {
		url += "&current=" + strings.Join(p.CurrentFields, ",")
	}

	if len(p.HourlyFields) > 0 {
		url += "&hourly=" + strings.Join(p.HourlyFields, ",")
	}

	return url
}

// GetForecast fetches forecast data with the bounded retry policy
func (c *Client) GetForecast(ctx context.Context, p ForecastParams) (*Forecast, error) {
	url := c.BuildURL(p)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, ctx.Err())
			}
		}

		forecast, err := c.fetch(ctx, url)
		if err == nil {
			return forecast, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, lastErr)
}

func (c *Client) fetch(ctx context.Context, url string) (*Forecast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var forecast Forecast
	if err := json.NewDecoder(resp.Body).Decode(&forecast); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &forecast, nil
}

// GetCurrentSample fetches the live weather sample for a site
func (c *Client) GetCurrentSample(ctx context.Context, lat, lon float64) (*models.WeatherSample, error) {
	forecast, err := c.GetForecast(ctx, ForecastParams{
		Latitude:      lat,
		Longitude:     lon,
		CurrentFields: []string{"shortwave_radiation", "temperature_2m"},
	})
	if err != nil {
		return nil, err
	}

	return &models.WeatherSample{
		IrradianceWm2: forecast.Current.ShortwaveRadiation,
		AmbientTempC:  forecast.Current.Temperature2m,
	}, nil
}

// GetHourlySamples fetches hourly irradiance/temperature for the past
// days, resolved into timestamped samples
func (c *Client) GetHourlySamples(ctx context.Context, lat, lon float64, pastDays int) ([]HourlySample, error) {
	if pastDays <= 0 {
		return nil, fmt.Errorf("GetHourlySamples: pastDays must be positive")
	}

	forecast, err := c.GetForecast(ctx, ForecastParams{
		Latitude:     lat,
		Longitude:    lon,
		HourlyFields: []string{"shortwave_radiation", "temperature_2m"},
		PastDays:     pastDays,
		ForecastDays: 0,
	})
	if err != nil {
		return nil, err
	}

	if len(forecast.Hourly.Time) != len(forecast.Hourly.ShortwaveRadiation) ||
		len(forecast.Hourly.Time) != len(forecast.Hourly.Temperature2m) {
		return nil, fmt.Errorf("hourly series length mismatch: %d timestamps, %d irradiance, %d temperature",
			len(forecast.Hourly.Time), len(forecast.Hourly.ShortwaveRadiation), len(forecast.Hourly.Temperature2m))
	}

	samples := make([]HourlySample, 0, len(forecast.Hourly.Time))
	for i, raw := range forecast.Hourly.Time {
		ts, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			continue
		}
		samples = append(samples, HourlySample{
			Timestamp:     ts.UTC(),
			IrradianceWm2: forecast.Hourly.ShortwaveRadiation[i],
			AmbientTempC:  forecast.Hourly.Temperature2m[i],
		})
	}

	return samples, nil
}
