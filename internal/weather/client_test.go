package weather

import (
	"context"
	"strings"
	"testing"
)

func TestNewClient(t *testing.T) {
	client := NewClient()
	if client == nil {
		t.Fatal("NewClient() returned nil")
	}

	if client.client == nil {
		t.Error("Client.client should not be nil")
	}

	if client.client.Timeout != requestTimeout {
		t.Errorf("Client timeout = %v, want %v", client.client.Timeout, requestTimeout)
	}
}

func TestBuildURL(t *testing.T) {
	client := NewClient()

	tests := []struct {
		name   string
		params ForecastParams
		want   string
	}{
		{
			name: "current sample",
			params: ForecastParams{
				Latitude:      37.7749,
				Longitude:     -122.4194,
				CurrentFields: []string{"shortwave_radiation", "temperature_2m"},
			},
			want: "https://api.open-meteo.com/v1/forecast?latitude=37.7749&longitude=-122.4194&timezone=UTC&forecast_days=0&current=shortwave_radiation,temperature_2m",
		},
		{
			name: "hourly with past days",
			params: ForecastParams{
				Latitude:     37.7749,
				Longitude:    -122.4194,
				HourlyFields: []string{"shortwave_radiation"},
				PastDays:     7,
				ForecastDays: 0,
			},
			want: "https://api.open-meteo.com/v1/forecast?latitude=37.7749&longitude=-122.4194&timezone=UTC&past_days=7&forecast_days=0&hourly=shortwave_radiation",
		},
		{
			name: "custom timezone",
			params: ForecastParams{
				Latitude:      51.5074,
				Longitude:     -0.1278,
				CurrentFields: []string{"temperature_2m"},
				Timezone:      "Europe/London",
			},
			want: "https://api.open-meteo.com/v1/forecast?latitude=51.5074&longitude=-0.1278&timezone=Europe/London&forecast_days=0&current=temperature_2m",
		},
		{
			name: "negative coordinates",
			params: ForecastParams{
				Latitude:      -33.8688,
				Longitude:     151.2093,
				CurrentFields: []string{"shortwave_radiation"},
			},
			want: "https://api.open-meteo.com/v1/forecast?latitude=-33.8688&longitude=151.2093&timezone=UTC&forecast_days=0&current=shortwave_radiation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := client.BuildURL(tt.params)
			if got != tt.want {
				t.Errorf("BuildURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildURL_DefaultTimezone(t *testing.T) {
	client := NewClient()

	url := client.BuildURL(ForecastParams{
		Latitude:      37.7749,
		Longitude:     -122.4194,
		CurrentFields: []string{"temperature_2m"},
	})

	if !strings.Contains(url, "timezone=UTC") {
		t.Error("BuildURL() should include default timezone=UTC")
	}
}

func TestGetHourlySamples_InvalidPastDays(t *testing.T) {
	client := NewClient()

	_, err := client.GetHourlySamples(context.Background(), 37.7749, -122.4194, 0)
	if err == nil {
		t.Error("GetHourlySamples() expected error for zero pastDays, got nil")
	}
}
