// Package server exposes the analysis operations over HTTP. Every
// operation is synchronous request/response with a JSON payload.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heliowatch/internal/audit"
	"heliowatch/internal/database"
	"heliowatch/internal/detector"
	"heliowatch/internal/gap"
	"heliowatch/internal/models"
	"heliowatch/internal/rca"
	"heliowatch/internal/twin"
	"heliowatch/internal/weather"
)

// Server wires the analysis engines behind an HTTP mux.
type Server struct {
	db         *database.DB
	forecaster *twin.Forecaster
	gaps       *gap.Analyzer
	det        *detector.Detector
	rootCause  *rca.Analyzer
	auditor    *audit.Engine
	weather    *weather.Client
	mux        *http.ServeMux
}

func NewServer(db *database.DB, forecaster *twin.Forecaster, gaps *gap.Analyzer, det *detector.Detector, rootCause *rca.Analyzer, auditor *audit.Engine, weatherClient *weather.Client) *Server {
	s := &Server{
		db:         db,
		forecaster: forecaster,
		gaps:       gaps,
		det:        det,
		rootCause:  rootCause,
		auditor:    auditor,
		weather:    weatherClient,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/baseline", s.handleBaseline)
	s.mux.HandleFunc("/performance-gap", s.handlePerformanceGap)
	s.mux.HandleFunc("/detect-anomalies", s.handleDetectAnomalies)
	s.mux.HandleFunc("/root-cause", s.handleRootCause)
	s.mux.HandleFunc("/root-cause/complete", s.handleRootCauseComplete)
	s.mux.HandleFunc("/audit", s.handleAudit)
	s.mux.HandleFunc("/anomalies", s.handleAnomalies)

	return s
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// writeError maps domain failures onto HTTP statuses with a stable
// error_kind the caller can branch on.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, models.ErrPlantNotFound),
		errors.Is(err, models.ErrAnomalyNotFound),
		errors.Is(err, models.ErrConfigNotFound):
		status = http.StatusNotFound
		kind = "not_found"
	case errors.Is(err, models.ErrBaselineMissing):
		status = http.StatusPreconditionFailed
		kind = "baseline_missing"
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
		kind = "invalid_transition"
	case errors.Is(err, models.ErrInvalidConfig):
		status = http.StatusBadRequest
		kind = "invalid_config"
	case errors.Is(err, models.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
		kind = "upstream_unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      err.Error(),
		"error_kind": kind,
	})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().String(),
	})
}

type baselineRequest struct {
	PlantID     string                `json:"plant_id"`
	Timestamp   time.Time             `json:"timestamp"`
	Weather     *models.WeatherSample `json:"weather,omitempty"`
	LiveWeather bool                  `json:"live_weather,omitempty"`
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req baselineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PlantID == "" || req.Timestamp.IsZero() {
		http.Error(w, "plant_id and timestamp are required", http.StatusBadRequest)
		return
	}

	sample := req.Weather
	if sample == nil && req.LiveWeather && s.weather != nil {
		plant, err := s.db.GetPlant(req.PlantID)
		if err != nil {
			writeError(w, err)
			return
		}
		sample, err = s.weather.GetCurrentSample(r.Context(), plant.Latitude, plant.Longitude)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	baseline, err := s.forecaster.Calculate(r.Context(), req.PlantID, req.Timestamp, sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, baseline)
}

type gapRequest struct {
	PlantID   string    `json:"plant_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handlePerformanceGap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PlantID == "" || req.Timestamp.IsZero() {
		http.Error(w, "plant_id and timestamp are required", http.StatusBadRequest)
		return
	}

	g, err := s.gaps.Calculate(r.Context(), req.PlantID, req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, g)
}

type detectRequest struct {
	PlantID     string            `json:"plant_id,omitempty"`
	PeriodHours int               `json:"period_hours,omitempty"`
	Config      *detector.Options `json:"config,omitempty"`
}

func (s *Server) handleDetectAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var result models.DetectionResult
	var err error
	if req.PlantID == "" {
		result, err = s.det.RunAll(r.Context(), req.PeriodHours, req.Config)
	} else {
		result, err = s.det.Run(r.Context(), req.PlantID, req.PeriodHours, req.Config)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type rootCauseRequest struct {
	AnomalyID int64 `json:"anomaly_id"`
}

func (s *Server) handleRootCause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rootCauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AnomalyID <= 0 {
		http.Error(w, "anomaly_id is required", http.StatusBadRequest)
		return
	}

	analysis, err := s.rootCause.Analyze(r.Context(), req.AnomalyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, analysis)
}

type completeRequest struct {
	AnomalyID int64 `json:"anomaly_id"`
	models.Resolution
}

func (s *Server) handleRootCauseComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AnomalyID <= 0 {
		http.Error(w, "anomaly_id is required", http.StatusBadRequest)
		return
	}

	analysis, err := s.rootCause.Complete(r.Context(), req.AnomalyID, req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, analysis)
}

type auditRequest struct {
	PlantID    string `json:"plant_id"`
	PeriodDays int    `json:"period_days,omitempty"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PlantID == "" {
		http.Error(w, "plant_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.auditor.Run(r.Context(), req.PlantID, req.PeriodDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleAnomalies lists stored anomalies, newest first.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	plantID := r.URL.Query().Get("plant_id")
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	anomalies, err := s.db.GetAnomalies(plantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"count":     len(anomalies),
		"anomalies": anomalies,
	})
}
