// Package rca builds root cause analyses for anomalies: weighted cause
// hypotheses, a subsystem dependency graph and prioritized actions,
// plus the investigation state machine to resolution.
package rca

import (
	"context"
	"fmt"
	"log"
	"math"

	"heliowatch/internal/database"
	"heliowatch/internal/models"
)

// Analyzer drives root cause investigations. All state lives in the
// database; concurrent calls for the same anomaly coalesce onto one
// analysis row.
type Analyzer struct {
	db *database.DB
}

func NewAnalyzer(db *database.DB) *Analyzer {
	return &Analyzer{db: db}
}

// Analyze builds (or returns) the analysis for one anomaly. The first
// caller creates the row and computes hypotheses; later callers for an
// anomaly already under investigation get the existing analysis back
// instead of racing a second one.
func (a *Analyzer) Analyze(ctx context.Context, anomalyID int64) (*models.RootCauseAnalysis, error) {
	anomaly, err := a.db.GetAnomaly(anomalyID)
	if err != nil {
		return nil, err
	}

	_, created, err := a.db.CreateAnalysis(anomalyID)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := a.db.GetAnalysisByAnomaly(anomalyID)
		if err != nil {
			return nil, err
		}
		if existing.InvestigationStatus != models.InvestigationPending {
			return existing, nil
		}
		// A pending row with no hypotheses is a crashed earlier run;
		// fall through and redo the analysis.
	}

	causes := a.buildCauses(anomaly)
	graph := buildDependencyGraph(anomaly)
	actions := buildActions(anomaly)

	if err := a.db.StartAnalysis(anomalyID, causes, graph, actions); err != nil {
		return nil, fmt.Errorf("failed to record analysis for anomaly %d: %w", anomalyID, err)
	}

	if anomaly.Status == models.AnomalyActive {
		if err := a.db.UpdateAnomalyStatus(anomalyID, models.AnomalyInvestigating); err != nil {
			return nil, err
		}
	}

	analysis, err := a.db.GetAnalysisByAnomaly(anomalyID)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, fmt.Errorf("analysis vanished for anomaly %d", anomalyID)
	}

	if err := a.db.SetAnomalyAnalysis(anomalyID, analysis.ID); err != nil {
		return nil, err
	}
	return analysis, nil
}

// Complete transitions the investigation to completed with the
// operator's resolution and resolves the anomaly. All three resolution
// fields are required.
func (a *Analyzer) Complete(ctx context.Context, anomalyID int64, res models.Resolution) (*models.RootCauseAnalysis, error) {
	if res.Summary == "" || res.ActualCause == "" || res.LessonsLearned == "" {
		return nil, fmt.Errorf("%w: resolution_summary, actual_cause and lessons_learned are all required", models.ErrInvalidTransition)
	}

	if err := a.db.CompleteAnalysis(anomalyID, res); err != nil {
		return nil, err
	}

	if err := a.db.UpdateAnomalyStatus(anomalyID, models.AnomalyResolved); err != nil {
		return nil, err
	}

	return a.db.GetAnalysisByAnomaly(anomalyID)
}

// buildCauses combines the anomaly's own metadata with any correlated
// performance gap at the same timestamp.
func (a *Analyzer) buildCauses(anomaly models.Anomaly) []models.ProbableCause {
	causes := CausesFromAnomaly(anomaly)

	gap, err := a.db.GetGap(anomaly.PlantID, anomaly.Timestamp)
	if err != nil {
		log.Printf("Warning: failed to load correlated gap for anomaly %d: %v", anomaly.ID, err)
	} else if gap != nil {
		causes = append(causes, causesFromGap(*gap)...)
	}

	return causes
}

// CausesFromAnomaly derives hypotheses from the anomaly's type and how
// far the actual value sits from the expected one.
func CausesFromAnomaly(a models.Anomaly) []models.ProbableCause {
	deviation := a.ExpectedValue - a.ActualValue
	impact := math.Max(deviation, 0)
	evidence := []string{fmt.Sprintf("%s: expected %.2f, measured %.2f (strategy %s, confidence %.2f)",
		a.AffectedMetric, a.ExpectedValue, a.ActualValue, a.Strategy, a.Confidence)}

	switch a.Type {
	case models.AnomalyOffline:
		return []models.ProbableCause{
			{Cause: "inverter_fault_or_trip", Confidence: 0.5, Evidence: evidence, ImpactKWh: impact},
			{Cause: "grid_outage", Confidence: 0.3, Evidence: evidence, ImpactKWh: impact},
			{Cause: "communication_loss", Confidence: 0.2, Evidence: evidence},
		}
	case models.AnomalyGenerationDrop:
		return []models.ProbableCause{
			{Cause: "string_failure", Confidence: 0.5, Evidence: evidence, ImpactKWh: impact},
			{Cause: "new_shading_obstruction", Confidence: 0.25, Evidence: evidence, ImpactKWh: impact},
			{Cause: "severe_soiling_event", Confidence: 0.25, Evidence: evidence, ImpactKWh: impact},
		}
	case models.AnomalyUnderperformance, models.AnomalyEfficiencyDrop:
		return []models.ProbableCause{
			{Cause: "soiling_accumulation", Confidence: 0.45, Evidence: evidence, ImpactKWh: impact},
			{Cause: "module_degradation", Confidence: 0.3, Evidence: evidence, ImpactKWh: impact},
			{Cause: "mppt_mistracking", Confidence: 0.2, Evidence: evidence, ImpactKWh: impact},
		}
	case models.AnomalyDataGap:
		return []models.ProbableCause{
			{Cause: "monitoring_system_outage", Confidence: 0.7, Evidence: evidence},
			{Cause: "network_connectivity_loss", Confidence: 0.3, Evidence: evidence},
		}
	case models.AnomalyUnexpectedSpike, models.AnomalyOverperformance:
		return []models.ProbableCause{
			{Cause: "irradiance_above_forecast", Confidence: 0.6, Evidence: evidence},
			{Cause: "sensor_miscalibration", Confidence: 0.3, Evidence: evidence},
		}
	}
	return []models.ProbableCause{
		{Cause: "unclassified_deviation", Confidence: 0.3, Evidence: evidence, ImpactKWh: impact},
	}
}

func causesFromGap(g models.PerformanceGap) []models.ProbableCause {
	if g.GapPercent >= -10 {
		return nil
	}
	return []models.ProbableCause{
		{
			Cause:      "sustained_performance_gap",
			Confidence: 0.6,
			Evidence:   []string{fmt.Sprintf("performance gap of %.1f%% recorded at the same timestamp", g.GapPercent)},
			ImpactKWh:  -g.GapKWh,
		},
	}
}

// buildDependencyGraph maps the subsystems that can cascade to the
// affected metric for the given anomaly type.
func buildDependencyGraph(a models.Anomaly) *models.DependencyGraph {
	metricNode := models.GraphNode{ID: a.AffectedMetric, Kind: "metric", Health: "degraded"}

	switch a.Type {
	case models.AnomalyOffline, models.AnomalyGenerationDrop:
		return &models.DependencyGraph{
			Nodes: []models.GraphNode{
				{ID: "grid_connection", Kind: "external", Health: "unknown"},
				{ID: "inverter", Kind: "component", Health: "suspect"},
				{ID: "dc_strings", Kind: "subsystem", Health: "suspect"},
				metricNode,
			},
			Edges: []models.GraphEdge{
				{From: "grid_connection", To: "inverter", Relation: models.RelationAffects},
				{From: "dc_strings", To: "inverter", Relation: models.RelationCascadesTo},
				{From: "inverter", To: a.AffectedMetric, Relation: models.RelationAffects},
			},
		}
	case models.AnomalyDataGap:
		return &models.DependencyGraph{
			Nodes: []models.GraphNode{
				{ID: "monitoring_gateway", Kind: "component", Health: "suspect"},
				{ID: "network_uplink", Kind: "external", Health: "unknown"},
				metricNode,
			},
			Edges: []models.GraphEdge{
				{From: "network_uplink", To: "monitoring_gateway", Relation: models.RelationAffects},
				{From: "monitoring_gateway", To: a.AffectedMetric, Relation: models.RelationAffects},
			},
		}
	case models.AnomalyUnderperformance, models.AnomalyEfficiencyDrop:
		return &models.DependencyGraph{
			Nodes: []models.GraphNode{
				{ID: "module_surface", Kind: "subsystem", Health: "suspect"},
				{ID: "mppt_inputs", Kind: "subsystem", Health: "suspect"},
				metricNode,
			},
			Edges: []models.GraphEdge{
				{From: "module_surface", To: "mppt_inputs", Relation: models.RelationCascadesTo},
				{From: "mppt_inputs", To: a.AffectedMetric, Relation: models.RelationAffects},
			},
		}
	}
	return nil
}

// buildActions orders remediation by urgency: severity first, then the
// cheapest diagnostic steps.
func buildActions(a models.Anomaly) []models.RecommendedAction {
	var actions []models.RecommendedAction

	switch a.Type {
	case models.AnomalyOffline:
		actions = append(actions,
			models.RecommendedAction{Action: "check inverter fault codes and AC breaker state", Priority: 1, EstimatedHours: 1, EstimatedCost: 80},
			models.RecommendedAction{Action: "verify grid availability with the network operator", Priority: 2, EstimatedHours: 0.5, EstimatedCost: 0},
		)
	case models.AnomalyGenerationDrop:
		actions = append(actions,
			models.RecommendedAction{Action: "inspect string-level currents for a failed string", Priority: 1, EstimatedHours: 2, EstimatedCost: 160},
			models.RecommendedAction{Action: "walk the array for new shading or visible damage", Priority: 2, EstimatedHours: 3, EstimatedCost: 240},
		)
	case models.AnomalyUnderperformance, models.AnomalyEfficiencyDrop:
		actions = append(actions,
			models.RecommendedAction{Action: "measure soiling loss against a cleaned reference module", Priority: 1, EstimatedHours: 2, EstimatedCost: 160},
			models.RecommendedAction{Action: "schedule array cleaning if soiling confirmed", Priority: 2, EstimatedHours: 8, EstimatedCost: 900},
		)
	case models.AnomalyDataGap:
		actions = append(actions,
			models.RecommendedAction{Action: "power-cycle the monitoring gateway and check uplink", Priority: 1, EstimatedHours: 0.5, EstimatedCost: 40},
		)
	case models.AnomalyUnexpectedSpike, models.AnomalyOverperformance:
		actions = append(actions,
			models.RecommendedAction{Action: "cross-check irradiance sensor against satellite data", Priority: 1, EstimatedHours: 1, EstimatedCost: 80},
		)
	default:
		actions = append(actions,
			models.RecommendedAction{Action: "review raw telemetry around the event window", Priority: 1, EstimatedHours: 1, EstimatedCost: 80},
		)
	}

	if a.Severity == models.SeverityCritical {
		actions = append(actions, models.RecommendedAction{
			Action: "dispatch field technician for on-site inspection", Priority: len(actions) + 1, EstimatedHours: 6, EstimatedCost: 700,
		})
	}
	return actions
}
