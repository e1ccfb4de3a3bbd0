package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"heliowatch/internal/models"
)

const (
	mlInputStream  = "ml_input"
	mlOutputStream = "ml_output"
	mlStreamMaxLen = 500
	mlPollInterval = 500 * time.Millisecond

	// minMLSamples is the floor for handing a window to the model; an
	// isolation forest on fewer points overfits to nothing.
	minMLSamples = 10
)

// MLStrategy bridges a window of telemetry to an external model worker
// over Redis streams. The job round-trip is synchronous: publish to
// ml_input, poll ml_output for our job id, give up after Timeout.
type MLStrategy struct {
	Client  *redis.Client
	Timeout time.Duration
}

// mlReading is the wire form of one sample handed to the model worker.
type mlReading struct {
	Timestamp string  `json:"timestamp"`
	PowerKW   float64 `json:"power_kw"`
	EnergyKWh float64 `json:"energy_kwh"`
}

// mlFinding is one anomaly reported back by the model worker.
type mlFinding struct {
	Timestamp    string  `json:"timestamp"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Expected     float64 `json:"expected"`
	AnomalyScore float64 `json:"anomaly_score"`
	AnomalyType  string  `json:"anomaly_type"`
	Severity     string  `json:"severity"`
}

func (s *MLStrategy) Name() string { return "ml" }

func (s *MLStrategy) Detect(ctx context.Context, in Input) ([]models.Anomaly, error) {
	if len(in.Readings) < minMLSamples {
		log.Printf("Not enough data for ML scoring on %s (need %d, got %d)", in.PlantID, minMLSamples, len(in.Readings))
		return nil, nil
	}

	samples := make([]mlReading, 0, len(in.Readings))
	for _, r := range in.Readings {
		samples = append(samples, mlReading{
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			PowerKW:   r.PowerKW,
			EnergyKWh: r.EnergyKWh,
		})
	}

	jobID := fmt.Sprintf("%s_%d", in.PlantID, time.Now().UnixNano())

	// Remember where the output stream ends before publishing so the
	// poll only considers messages produced after our job.
	lastID := "0-0"
	if tail, err := s.Client.XRevRangeN(ctx, mlOutputStream, "+", "-", 1).Result(); err == nil && len(tail) > 0 {
		lastID = tail[0].ID
	}

	payload, err := json.Marshal(map[string]interface{}{
		"plant_id": in.PlantID,
		"job_id":   jobID,
		"readings": samples,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML job: %w", err)
	}

	if err := s.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: mlInputStream,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish ML job: %w", err)
	}

	log.Printf("Published %d readings to %s for plant %s (job_id: %s)", len(samples), mlInputStream, in.PlantID, jobID)
	return s.awaitResult(ctx, jobID, lastID)
}

func (s *MLStrategy) awaitResult(ctx context.Context, jobID, lastID string) ([]models.Anomaly, error) {
	deadline := time.After(s.Timeout)
	ticker := time.NewTicker(mlPollInterval)
	defer ticker.Stop()

	type readOutcome struct {
		streams []redis.XStream
		err     error
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for ML results for job %s", jobID)
		case <-ticker.C:
		}

		// The read runs on the side so a silent or stuck worker cannot
		// hold the loop past the deadline. Block must stay short and
		// positive: zero means block forever.
		readFrom := lastID
		outcome := make(chan readOutcome, 1)
		go func() {
			streams, err := s.Client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{mlOutputStream, readFrom},
				Count:   10,
				Block:   mlPollInterval,
			}).Result()
			outcome <- readOutcome{streams: streams, err: err}
		}()

		var messages []redis.XStream
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for ML results for job %s", jobID)
		case o := <-outcome:
			if o.err != nil {
				if o.err != redis.Nil {
					log.Printf("Error reading from %s: %v", mlOutputStream, o.err)
				}
				continue
			}
			messages = o.streams
		}

		for _, stream := range messages {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				dataStr, ok := msg.Values["data"].(string)
				if !ok {
					log.Printf("Warning: ML output message has no 'data' field")
					continue
				}

				var result struct {
					JobID     string      `json:"job_id"`
					PlantID   string      `json:"plant_id"`
					Anomalies []mlFinding `json:"anomalies"`
				}
				if err := json.Unmarshal([]byte(dataStr), &result); err != nil {
					log.Printf("Failed to parse ML result: %v", err)
					continue
				}
				if result.JobID != jobID {
					continue
				}

				anomalies := s.convertFindings(result.Anomalies)
				s.Client.XTrimMaxLen(ctx, mlInputStream, mlStreamMaxLen)
				s.Client.XTrimMaxLen(ctx, mlOutputStream, mlStreamMaxLen)
				return anomalies, nil
			}
		}
	}
}

func (s *MLStrategy) convertFindings(findings []mlFinding) []models.Anomaly {
	var anomalies []models.Anomaly
	for _, f := range findings {
		ts, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			log.Printf("Failed to parse ML timestamp %s: %v", f.Timestamp, err)
			continue
		}

		anomalyType := f.AnomalyType
		if !validAnomalyType(anomalyType) {
			anomalyType = models.AnomalyUnderperformance
		}
		severity := f.Severity
		if !validSeverity(severity) {
			severity = models.SeverityMedium
		}

		confidence := f.AnomalyScore
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}

		anomalies = append(anomalies, models.Anomaly{
			Timestamp:      ts,
			Type:           anomalyType,
			Severity:       severity,
			Confidence:     confidence,
			AffectedMetric: f.Metric,
			ExpectedValue:  f.Expected,
			ActualValue:    f.Value,
		})
	}
	return anomalies
}

func validAnomalyType(t string) bool {
	switch t {
	case models.AnomalyGenerationDrop, models.AnomalyEfficiencyDrop, models.AnomalyOffline,
		models.AnomalyUnderperformance, models.AnomalyDataGap, models.AnomalyUnexpectedSpike,
		models.AnomalyOverperformance:
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return true
	}
	return false
}
