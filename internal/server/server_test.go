package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"heliowatch/internal/models"
)

func TestHandleHealth(t *testing.T) {
	s := &Server{
		mux: http.NewServeMux(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("handleHealth() status = %v, want %v", resp.StatusCode, http.StatusOK)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("handleHealth() content-type = %v, want application/json", contentType)
	}

	var response map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("handleHealth() status in body = %v, want healthy", response["status"])
	}

	if response["time"] == "" {
		t.Error("handleHealth() time should not be empty")
	}
}

func TestPostHandlers_InvalidMethod(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}

	tests := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"baseline", "/baseline", s.handleBaseline},
		{"performance gap", "/performance-gap", s.handlePerformanceGap},
		{"detect anomalies", "/detect-anomalies", s.handleDetectAnomalies},
		{"root cause", "/root-cause", s.handleRootCause},
		{"root cause complete", "/root-cause/complete", s.handleRootCauseComplete},
		{"audit", "/audit", s.handleAudit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			tt.handler(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("GET %s status = %v, want %v", tt.path, resp.StatusCode, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestPostHandlers_InvalidJSON(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}

	tests := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"baseline", "/baseline", s.handleBaseline},
		{"performance gap", "/performance-gap", s.handlePerformanceGap},
		{"detect anomalies", "/detect-anomalies", s.handleDetectAnomalies},
		{"root cause", "/root-cause", s.handleRootCause},
		{"audit", "/audit", s.handleAudit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewBufferString("invalid json"))
			w := httptest.NewRecorder()

			tt.handler(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("POST %s status = %v, want %v", tt.path, resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleBaseline_MissingFields(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}

	tests := []struct {
		name string
		body string
	}{
		{"empty body", "{}"},
		{"missing timestamp", `{"plant_id":"plant-1"}`},
		{"missing plant", `{"timestamp":"2025-06-15T12:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/baseline", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			s.handleBaseline(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleRootCause_MissingID(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}

	req := httptest.NewRequest(http.MethodPost, "/root-cause", bytes.NewBufferString("{}"))
	w := httptest.NewRecorder()

	s.handleRootCause(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleAudit_MissingPlant(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}

	req := httptest.NewRequest(http.MethodPost, "/audit", bytes.NewBufferString(`{"period_days":30}`))
	w := httptest.NewRecorder()

	s.handleAudit(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"plant not found", models.ErrPlantNotFound, http.StatusNotFound, "not_found"},
		{"anomaly not found", models.ErrAnomalyNotFound, http.StatusNotFound, "not_found"},
		{"config not found", models.ErrConfigNotFound, http.StatusNotFound, "not_found"},
		{"baseline missing", models.ErrBaselineMissing, http.StatusPreconditionFailed, "baseline_missing"},
		{"invalid transition", models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{"invalid config", models.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
		{"upstream unavailable", models.ErrUpstreamUnavailable, http.StatusBadGateway, "upstream_unavailable"},
		{"wrapped", fmt.Errorf("loading baseline: %w", models.ErrBaselineMissing), http.StatusPreconditionFailed, "baseline_missing"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %v, want %v", resp.StatusCode, tt.wantStatus)
			}

			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode error body: %v", err)
			}
			if body["error_kind"] != tt.wantKind {
				t.Errorf("error_kind = %q, want %q", body["error_kind"], tt.wantKind)
			}
			if body["error"] == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestBaselineRequest_JSON(t *testing.T) {
	irr := 850.0
	req := baselineRequest{
		PlantID: "plant-1",
		Weather: &models.WeatherSample{IrradianceWm2: &irr},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal baselineRequest: %v", err)
	}

	var decoded baselineRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal baselineRequest: %v", err)
	}

	if decoded.Weather == nil || decoded.Weather.IrradianceWm2 == nil || *decoded.Weather.IrradianceWm2 != 850.0 {
		t.Errorf("Decoded weather = %+v, want irradiance 850", decoded.Weather)
	}
	if decoded.Weather.AmbientTempC != nil {
		t.Error("absent ambient temperature should decode as nil")
	}
}

func TestDetectRequest_ConfigBlock(t *testing.T) {
	body := `{"plant_id":"plant-1","period_hours":12,"config":{"z_score_threshold":3.0,"dedup_window_hours":6,"strategies":["statistical","twin_check"]}}`

	var req detectRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Failed to unmarshal detectRequest: %v", err)
	}

	if req.Config == nil {
		t.Fatal("config block dropped on decode")
	}
	if req.Config.ZScoreThreshold != 3.0 || req.Config.DedupWindowHours != 6 {
		t.Errorf("config overrides = %+v, want threshold 3 and dedup window 6", req.Config)
	}
	if len(req.Config.Strategies) != 2 || req.Config.Strategies[0] != "statistical" {
		t.Errorf("strategies = %v, want [statistical twin_check]", req.Config.Strategies)
	}

	var bare detectRequest
	if err := json.Unmarshal([]byte(`{"plant_id":"plant-1"}`), &bare); err != nil {
		t.Fatalf("Failed to unmarshal bare detectRequest: %v", err)
	}
	if bare.Config != nil {
		t.Error("absent config should decode as nil")
	}
}
