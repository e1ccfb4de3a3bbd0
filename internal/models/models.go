package models

import "time"

// TelemetryReading is a single timestamped sample reported by a plant's
// monitoring system. StringID and InverterID are empty for plant-level
// readings.
type TelemetryReading struct {
	ID         int64     `json:"id"`
	PlantID    string    `json:"plant_id"`
	Timestamp  time.Time `json:"timestamp"`
	PowerKW    float64   `json:"power_kw"`
	EnergyKWh  float64   `json:"energy_kwh"`
	StringID   string    `json:"string_id,omitempty"`
	InverterID string    `json:"inverter_id,omitempty"`
}

// Valid reports whether the reading can enter an aggregation. Negative
// energy or power is a sensor/domain error and must be flagged, never
// coerced.
func (r TelemetryReading) Valid() bool {
	return r.EnergyKWh >= 0 && r.PowerKW >= 0
}

// Plant represents a monitored solar generation asset.
type Plant struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	TariffKWh *float64 `json:"tariff_kwh,omitempty"` // overrides the configured average tariff
}

// WeatherSample carries live environmental context for a baseline
// calculation. Nil fields fall back to the model's defaults.
type WeatherSample struct {
	IrradianceWm2 *float64 `json:"irradiance_wm2,omitempty"`
	AmbientTempC  *float64 `json:"ambient_temp_c,omitempty"`
}

// PlantLayout describes the module field of a plant.
type PlantLayout struct {
	ModuleCount   int     `json:"module_count"`
	ModuleWattP   float64 `json:"module_watt_peak"`
	TiltDeg       float64 `json:"tilt_deg"`
	AzimuthDeg    float64 `json:"azimuth_deg"`
	CoverageRatio float64 `json:"coverage_ratio"`
	TrackerType   string  `json:"tracker_type,omitempty"`
}

// StringConfig binds an electrical string to an inverter MPPT input.
type StringConfig struct {
	ID          string  `json:"id"`
	InverterID  string  `json:"inverter_id"`
	MPPTInput   int     `json:"mppt_input"`
	ModuleCount int     `json:"module_count"`
	ModuleWattP float64 `json:"module_watt_peak"`
}

// EfficiencyPoint is one point of an inverter efficiency curve
// (power ratio in [0,1] against efficiency in [0,1]).
type EfficiencyPoint struct {
	PowerRatio float64 `json:"power_ratio"`
	Efficiency float64 `json:"efficiency"`
}

// InverterConfig describes one inverter of the plant.
type InverterConfig struct {
	ID              string            `json:"id"`
	RatedPowerKW    float64           `json:"rated_power_kw"`
	EfficiencyCurve []EfficiencyPoint `json:"efficiency_curve,omitempty"`
}

// LossFactors are the fixed percentage losses of the twin model.
// All percentages lie in [0,100].
type LossFactors struct {
	SoilingPercent     float64 `json:"soiling_percent"`
	ShadingPercent     float64 `json:"shading_percent"`
	MismatchPercent    float64 `json:"mismatch_percent"`
	WiringPercent      float64 `json:"wiring_percent"`
	ConnectionsPercent float64 `json:"connections_percent"`
	LIDPercent         float64 `json:"lid_percent"`
	TempCoefficient    float64 `json:"temp_coefficient"` // %/°C, typically negative
	AnnualDegradation  float64 `json:"annual_degradation_percent"`
	GridAvailability   float64 `json:"grid_availability_percent"`
	SystemAvailability float64 `json:"system_availability_percent"`
}

// EnvironmentContext holds site conditions that modulate the baseline.
// MonthlySoiling maps month (1-12) to a retention factor in (0,1].
// ShadingTable optionally maps month to hour-of-day to a loss percent.
type EnvironmentContext struct {
	AltitudeM      float64                 `json:"altitude_m"`
	Albedo         float64                 `json:"albedo"`
	MonthlySoiling map[int]float64         `json:"monthly_soiling,omitempty"`
	ShadingTable   map[int]map[int]float64 `json:"shading_table,omitempty"`
}

// Monitoring system types supported by the vendor boundary.
const (
	MonitoringModbus    = "modbus"
	MonitoringSunSpec   = "sunspec"
	MonitoringVendorAPI = "vendor_api"
)

// MonitoringSystem is the tagged union for vendor-specific monitoring
// settings, validated before a config enters the core.
type MonitoringSystem struct {
	Type      string             `json:"type"`
	Modbus    *ModbusSettings    `json:"modbus,omitempty"`
	SunSpec   *SunSpecSettings   `json:"sunspec,omitempty"`
	VendorAPI *VendorAPISettings `json:"vendor_api,omitempty"`
}

type ModbusSettings struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UnitID      int    `json:"unit_id"`
	RegisterMap string `json:"register_map"`
}

type SunSpecSettings struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	ModelID int    `json:"model_id"`
}

type VendorAPISettings struct {
	BaseURL string `json:"base_url"`
	SiteKey string `json:"site_key"`
}

// DigitalTwinConfig is the static physical description of a plant.
// Exactly one version is active per plant; new versions append, never
// mutate in place.
type DigitalTwinConfig struct {
	ID              int64              `json:"id"`
	PlantID         string             `json:"plant_id"`
	Version         int                `json:"version"`
	Active          bool               `json:"active"`
	Layout          PlantLayout        `json:"layout"`
	Strings         []StringConfig     `json:"strings"`
	Inverters       []InverterConfig   `json:"inverters"`
	Losses          LossFactors        `json:"losses"`
	TargetPR        float64            `json:"target_performance_ratio"`
	Environment     EnvironmentContext `json:"environment"`
	Monitoring      MonitoringSystem   `json:"monitoring"`
	CalibrationDate time.Time          `json:"calibration_date"`
	CreatedAt       time.Time          `json:"created_at"`
}

// NominalPowerKW is the installed DC capacity of the plant.
func (c DigitalTwinConfig) NominalPowerKW() float64 {
	return float64(c.Layout.ModuleCount) * c.Layout.ModuleWattP / 1000.0
}

// RatedACPowerKW is the summed inverter AC rating.
func (c DigitalTwinConfig) RatedACPowerKW() float64 {
	total := 0.0
	for _, inv := range c.Inverters {
		total += inv.RatedPowerKW
	}
	return total
}

// FactorBreakdown records the inputs that produced a baseline figure.
type FactorBreakdown struct {
	IrradianceWm2    float64 `json:"irradiance_wm2"`
	AmbientTempC     float64 `json:"ambient_temp_c"`
	CellTempC        float64 `json:"cell_temp_c"`
	SoilingFactor    float64 `json:"soiling_factor"`
	ShadingFactor    float64 `json:"shading_factor"`
	SystemEfficiency float64 `json:"system_efficiency"`
}

// BaselineForecast is the physically modelled expected generation for
// one (plant, timestamp). Recomputation upserts the same key.
type BaselineForecast struct {
	PlantID         string          `json:"plant_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ExpectedKWh     float64         `json:"expected_kwh"`
	LowerKWh        float64         `json:"lower_kwh"`
	UpperKWh        float64         `json:"upper_kwh"`
	Factors         FactorBreakdown `json:"factors"`
	ModelVersion    int             `json:"model_version"`
	CalibrationDate time.Time       `json:"calibration_date"`
}

// ProbableCause is one weighted hypothesis for a gap or anomaly.
// Confidences are independent and need not sum to 1.
type ProbableCause struct {
	Cause      string   `json:"cause"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
	ImpactKWh  float64  `json:"estimated_impact_kwh"`
}

// PerformanceGap quantifies actual vs expected generation for one
// (plant, timestamp).
type PerformanceGap struct {
	PlantID         string          `json:"plant_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ActualKWh       float64         `json:"actual_kwh"`
	ExpectedKWh     float64         `json:"expected_kwh"`
	GapKWh          float64         `json:"gap_kwh"`
	GapPercent      float64         `json:"gap_percent"`
	ProbableCauses  []ProbableCause `json:"probable_causes"`
	FinancialLoss   float64         `json:"estimated_financial_loss"`
	AlertTriggered  bool            `json:"alert_triggered"`
	FlaggedReadings int             `json:"flagged_readings,omitempty"`
}

// Anomaly types.
const (
	AnomalyGenerationDrop   = "generation_drop"
	AnomalyEfficiencyDrop   = "efficiency_drop"
	AnomalyOffline          = "offline"
	AnomalyUnderperformance = "underperformance"
	AnomalyDataGap          = "data_gap"
	AnomalyUnexpectedSpike  = "unexpected_spike"
	AnomalyOverperformance  = "overperformance"
)

// Anomaly severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly lifecycle statuses.
const (
	AnomalyActive        = "active"
	AnomalyInvestigating = "investigating"
	AnomalyResolved      = "resolved"
	AnomalyFalsePositive = "false_positive"
)

// Anomaly is one detected deviation event. DedupKey is the idempotency
// key (plant, type, timestamp rounded to the dedup window) that keeps
// re-detection over overlapping windows from duplicating open rows.
type Anomaly struct {
	ID             int64      `json:"id"`
	PlantID        string     `json:"plant_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Type           string     `json:"anomaly_type"`
	Severity       string     `json:"severity"`
	Confidence     float64    `json:"confidence"`
	Strategy       string     `json:"strategy"`
	AffectedMetric string     `json:"affected_metric"`
	ExpectedValue  float64    `json:"expected_value"`
	ActualValue    float64    `json:"actual_value"`
	Status         string     `json:"status"`
	DedupKey       string     `json:"-"`
	AnalysisID     *int64     `json:"analysis_id,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// DetectionResult is the output of one detector run. A failed strategy
// appears in StrategyErrors without suppressing the others' findings.
type DetectionResult struct {
	AnomaliesDetected int               `json:"anomalies_detected"`
	Anomalies         []Anomaly         `json:"anomalies"`
	StrategyErrors    map[string]string `json:"strategy_errors,omitempty"`
	FlaggedReadings   int               `json:"flagged_readings,omitempty"`
}

// Dependency graph vocabulary for root cause analysis.
const (
	RelationDependsOn  = "depends_on"
	RelationAffects    = "affects"
	RelationCascadesTo = "cascades_to"
)

type GraphNode struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // component, subsystem, external
	Health string `json:"health"`
}

type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// DependencyGraph describes which subsystems can cascade to the
// affected metric.
type DependencyGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// RecommendedAction is one prioritized remediation step.
type RecommendedAction struct {
	Action         string  `json:"action"`
	Priority       int     `json:"priority"`
	EstimatedHours float64 `json:"estimated_hours"`
	EstimatedCost  float64 `json:"estimated_cost"`
}

// Investigation statuses.
const (
	InvestigationPending    = "pending"
	InvestigationInProgress = "in_progress"
	InvestigationCompleted  = "completed"
)

// RootCauseAnalysis is the one-to-one investigation record for an
// anomaly. Completion requires ResolutionSummary, ActualCause and
// LessonsLearned to be populated.
type RootCauseAnalysis struct {
	ID                  int64               `json:"id"`
	AnomalyID           int64               `json:"anomaly_id"`
	ProbableCauses      []ProbableCause     `json:"probable_causes"`
	Graph               *DependencyGraph    `json:"dependency_graph,omitempty"`
	RecommendedActions  []RecommendedAction `json:"recommended_actions"`
	InvestigationStatus string              `json:"investigation_status"`
	ResolutionSummary   string              `json:"resolution_summary,omitempty"`
	ActualCause         string              `json:"actual_cause,omitempty"`
	LessonsLearned      string              `json:"lessons_learned,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
}

// Resolution carries the operator-supplied completion fields.
type Resolution struct {
	Summary        string `json:"resolution_summary"`
	ActualCause    string `json:"actual_cause"`
	LessonsLearned string `json:"lessons_learned"`
}

// Audit categories.
const (
	CategorySoiling     = "soiling"
	CategoryMismatch    = "mismatch"
	CategoryMPPT        = "mppt_tracking"
	CategoryClipping    = "clipping"
	CategoryDegradation = "degradation"
)

// Overall audit statuses.
const (
	AuditExcellent      = "excellent"
	AuditGood           = "good"
	AuditNeedsAttention = "needs_attention"
	AuditCritical       = "critical"
)

// AuditFinding is one categorized loss identified by an audit.
type AuditFinding struct {
	ID                 string   `json:"id"`
	Category           string   `json:"category"`
	Severity           string   `json:"severity"`
	AnnualLossKWh      float64  `json:"estimated_annual_loss_kwh"`
	AnnualLossValue    float64  `json:"estimated_annual_loss_value"`
	ProbableRootCauses []string `json:"probable_root_causes"`
	Confidence         float64  `json:"confidence"`
	Evidence           []string `json:"evidence,omitempty"`
}

// AuditRecommendation is a remediation with an explicit payback
// computation. FindingID always references a finding in the same audit.
type AuditRecommendation struct {
	FindingID     string  `json:"finding_id"`
	Priority      int     `json:"priority"`
	Description   string  `json:"description"`
	EstimatedCost float64 `json:"estimated_cost"`
	AnnualBenefit float64 `json:"estimated_annual_benefit"`
	PaybackMonths float64 `json:"payback_months"` // 0 when annual benefit is 0
	Status        string  `json:"status"`
}

// CategoryResult records whether a sub-analysis ran; a missing input
// degrades the category, never the whole audit.
type CategoryResult struct {
	Category  string `json:"category"`
	Evaluated bool   `json:"evaluated"`
	Reason    string `json:"reason,omitempty"`
}

// PlantAudit is the periodic loss audit for a plant. Immutable once
// generated; a new run is a new record.
type PlantAudit struct {
	ID                 int64                 `json:"id"`
	PlantID            string                `json:"plant_id"`
	PeriodStart        time.Time             `json:"period_start"`
	PeriodEnd          time.Time             `json:"period_end"`
	OverallStatus      string                `json:"overall_status"`
	ActualKWh          float64               `json:"actual_kwh"`
	ExpectedKWh        float64               `json:"expected_kwh"`
	RecoverableKWh     float64               `json:"recoverable_kwh"`
	RecoverableValue   float64               `json:"recoverable_value"`
	RecoverablePercent float64               `json:"recoverable_percent"`
	Findings           []AuditFinding        `json:"findings"`
	Recommendations    []AuditRecommendation `json:"recommendations"`
	Categories         []CategoryResult      `json:"categories"`
	CreatedAt          time.Time             `json:"created_at"`
}
