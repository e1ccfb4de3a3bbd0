package rca

import (
	"context"
	"errors"
	"testing"
	"time"

	"heliowatch/internal/models"
)

func anomaly(anomalyType, severity string) models.Anomaly {
	return models.Anomaly{
		ID:             1,
		PlantID:        "plant-1",
		Timestamp:      time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Type:           anomalyType,
		Severity:       severity,
		Confidence:     0.8,
		Strategy:       "twin_check",
		AffectedMetric: "energy_kwh",
		ExpectedValue:  100,
		ActualValue:    20,
		Status:         models.AnomalyActive,
	}
}

func TestCausesFromAnomaly(t *testing.T) {
	tests := []struct {
		anomalyType string
		wantLeading string
		wantCount   int
	}{
		{models.AnomalyOffline, "inverter_fault_or_trip", 3},
		{models.AnomalyGenerationDrop, "string_failure", 3},
		{models.AnomalyUnderperformance, "soiling_accumulation", 3},
		{models.AnomalyEfficiencyDrop, "soiling_accumulation", 3},
		{models.AnomalyDataGap, "monitoring_system_outage", 2},
		{models.AnomalyUnexpectedSpike, "irradiance_above_forecast", 2},
		{"something_new", "unclassified_deviation", 1},
	}

	for _, tt := range tests {
		t.Run(tt.anomalyType, func(t *testing.T) {
			causes := CausesFromAnomaly(anomaly(tt.anomalyType, models.SeverityHigh))
			if len(causes) != tt.wantCount {
				t.Fatalf("got %d causes, want %d", len(causes), tt.wantCount)
			}
			if causes[0].Cause != tt.wantLeading {
				t.Errorf("leading cause = %q, want %q", causes[0].Cause, tt.wantLeading)
			}
			for _, c := range causes {
				if c.Confidence <= 0 || c.Confidence > 1 {
					t.Errorf("cause %q confidence %f outside (0,1]", c.Cause, c.Confidence)
				}
				if len(c.Evidence) == 0 {
					t.Errorf("cause %q carries no evidence", c.Cause)
				}
			}
		})
	}
}

func TestCausesFromAnomaly_ImpactNeverNegative(t *testing.T) {
	a := anomaly(models.AnomalyUnexpectedSpike, models.SeverityLow)
	a.ExpectedValue = 50
	a.ActualValue = 90

	for _, c := range CausesFromAnomaly(a) {
		if c.ImpactKWh < 0 {
			t.Errorf("cause %q ImpactKWh = %f, want non-negative", c.Cause, c.ImpactKWh)
		}
	}
}

func TestCausesFromGap(t *testing.T) {
	deep := models.PerformanceGap{GapPercent: -25, GapKWh: -40}
	causes := causesFromGap(deep)
	if len(causes) != 1 {
		t.Fatalf("got %d causes for a -25%% gap, want 1", len(causes))
	}
	if causes[0].ImpactKWh != 40 {
		t.Errorf("ImpactKWh = %f, want 40", causes[0].ImpactKWh)
	}

	if got := causesFromGap(models.PerformanceGap{GapPercent: -5}); got != nil {
		t.Errorf("shallow gap should add no causes, got %+v", got)
	}
	if got := causesFromGap(models.PerformanceGap{GapPercent: 12}); got != nil {
		t.Errorf("positive gap should add no causes, got %+v", got)
	}
}

func TestBuildDependencyGraph(t *testing.T) {
	g := buildDependencyGraph(anomaly(models.AnomalyOffline, models.SeverityCritical))
	if g == nil {
		t.Fatal("offline anomaly should produce a dependency graph")
	}

	nodeIDs := make(map[string]bool)
	for _, n := range g.Nodes {
		nodeIDs[n.ID] = true
	}
	for _, e := range g.Edges {
		if !nodeIDs[e.From] || !nodeIDs[e.To] {
			t.Errorf("edge %s -> %s references a missing node", e.From, e.To)
		}
		switch e.Relation {
		case models.RelationDependsOn, models.RelationAffects, models.RelationCascadesTo:
		default:
			t.Errorf("edge %s -> %s has unknown relation %q", e.From, e.To, e.Relation)
		}
	}
	if !nodeIDs["energy_kwh"] {
		t.Error("graph should include the affected metric node")
	}
}

func TestBuildDependencyGraph_UnknownType(t *testing.T) {
	if g := buildDependencyGraph(anomaly("something_new", models.SeverityLow)); g != nil {
		t.Errorf("unknown anomaly type should have no graph, got %+v", g)
	}
}

func TestBuildActions(t *testing.T) {
	actions := buildActions(anomaly(models.AnomalyGenerationDrop, models.SeverityMedium))
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	for i, a := range actions {
		if a.Priority != i+1 {
			t.Errorf("action %d priority = %d, want %d", i, a.Priority, i+1)
		}
		if a.Action == "" {
			t.Errorf("action %d has an empty description", i)
		}
	}
}

func TestBuildActions_CriticalAddsDispatch(t *testing.T) {
	normal := buildActions(anomaly(models.AnomalyOffline, models.SeverityHigh))
	critical := buildActions(anomaly(models.AnomalyOffline, models.SeverityCritical))

	if len(critical) != len(normal)+1 {
		t.Fatalf("critical should add one dispatch action: %d vs %d", len(critical), len(normal))
	}
	last := critical[len(critical)-1]
	if last.Action != "dispatch field technician for on-site inspection" {
		t.Errorf("last critical action = %q", last.Action)
	}
	if last.Priority != len(critical) {
		t.Errorf("dispatch priority = %d, want %d", last.Priority, len(critical))
	}
}

func TestComplete_RequiresResolutionFields(t *testing.T) {
	a := NewAnalyzer(nil)
	tests := []struct {
		name string
		res  models.Resolution
	}{
		{"all empty", models.Resolution{}},
		{"missing summary", models.Resolution{ActualCause: "soiling", LessonsLearned: "clean more often"}},
		{"missing cause", models.Resolution{Summary: "cleaned array", LessonsLearned: "clean more often"}},
		{"missing lessons", models.Resolution{Summary: "cleaned array", ActualCause: "soiling"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Complete(context.Background(), 1, tt.res)
			if !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}
