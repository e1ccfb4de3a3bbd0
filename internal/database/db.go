package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"heliowatch/internal/metrics"
	"heliowatch/internal/models"

	_ "github.com/go-sql-driver/mysql"
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
// dsn format: "username:password@tcp(host:port)/dbname?parseTime=true"
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	// Initialize schema
	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	// MySQL doesn't support multiple statements in one Exec, so we need to split them
	statements := []string{
		`CREATE TABLE IF NOT EXISTS plants (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			tariff_kwh DOUBLE NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS twin_configs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			plant_id VARCHAR(64) NOT NULL,
			version INT NOT NULL,
			active TINYINT(1) NOT NULL DEFAULT 0,
			config TEXT NOT NULL,
			calibration_date DATETIME(6) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_twin_plant_version (plant_id, version),
			INDEX idx_twin_plant_active (plant_id, active)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS telemetry (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			plant_id VARCHAR(64) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			power_kw DOUBLE NOT NULL,
			energy_kwh DOUBLE NOT NULL,
			string_id VARCHAR(64) NOT NULL DEFAULT '',
			inverter_id VARCHAR(64) NOT NULL DEFAULT '',
			INDEX idx_telemetry_plant_ts (plant_id, timestamp),
			INDEX idx_telemetry_string (plant_id, string_id),
			INDEX idx_telemetry_inverter (plant_id, inverter_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS baseline_forecasts (
			plant_id VARCHAR(64) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			expected_kwh DOUBLE NOT NULL,
			lower_kwh DOUBLE NOT NULL,
			upper_kwh DOUBLE NOT NULL,
			factors TEXT NOT NULL,
			model_version INT NOT NULL,
			calibration_date DATETIME(6) NOT NULL,
			PRIMARY KEY (plant_id, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS performance_gaps (
			plant_id VARCHAR(64) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			actual_kwh DOUBLE NOT NULL,
			expected_kwh DOUBLE NOT NULL,
			gap_kwh DOUBLE NOT NULL,
			gap_percent DOUBLE NOT NULL,
			probable_causes TEXT NOT NULL,
			financial_loss DOUBLE NOT NULL,
			alert_triggered TINYINT(1) NOT NULL,
			flagged_readings INT NOT NULL DEFAULT 0,
			PRIMARY KEY (plant_id, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS anomalies (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			plant_id VARCHAR(64) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			anomaly_type VARCHAR(50) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			confidence DOUBLE NOT NULL,
			strategy VARCHAR(50) NOT NULL,
			affected_metric VARCHAR(100) NOT NULL,
			expected_value DOUBLE NOT NULL,
			actual_value DOUBLE NOT NULL,
			status VARCHAR(20) NOT NULL,
			dedup_key VARCHAR(191) NOT NULL,
			analysis_id BIGINT NULL,
			resolved_at DATETIME(6) NULL,
			UNIQUE KEY uq_anomaly_dedup (dedup_key),
			INDEX idx_anomalies_plant_ts (plant_id, timestamp),
			INDEX idx_anomalies_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS root_cause_analyses (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			anomaly_id BIGINT NOT NULL,
			probable_causes TEXT NOT NULL,
			dependency_graph TEXT NULL,
			recommended_actions TEXT NOT NULL,
			investigation_status VARCHAR(20) NOT NULL,
			resolution_summary TEXT NULL,
			actual_cause TEXT NULL,
			lessons_learned TEXT NULL,
			created_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			UNIQUE KEY uq_rca_anomaly (anomaly_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS plant_audits (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			plant_id VARCHAR(64) NOT NULL,
			period_start DATETIME(6) NOT NULL,
			period_end DATETIME(6) NOT NULL,
			overall_status VARCHAR(20) NOT NULL,
			actual_kwh DOUBLE NOT NULL,
			expected_kwh DOUBLE NOT NULL,
			recoverable_kwh DOUBLE NOT NULL,
			recoverable_value DOUBLE NOT NULL,
			recoverable_percent DOUBLE NOT NULL,
			findings TEXT NOT NULL,
			recommendations TEXT NOT NULL,
			categories TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_audits_plant (plant_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) recordPoolStats() {
	stats := db.conn.Stats()
	metrics.UpdateDBConnectionStats(stats.OpenConnections, stats.InUse, stats.Idle)
}

// ---- plants ----

// InsertPlant registers a plant; duplicates are rejected by the
// primary key.
func (db *DB) InsertPlant(p models.Plant) error {
	query := `INSERT INTO plants (id, name, latitude, longitude, tariff_kwh) VALUES (?, ?, ?, ?, ?)`
	queryStart := time.Now()
	_, err := db.conn.Exec(query, p.ID, p.Name, p.Latitude, p.Longitude, p.TariffKWh)
	metrics.RecordDBQuery("INSERT", "plants", time.Since(queryStart), err)
	if err != nil {
		return fmt.Errorf("failed to insert plant %s: %w", p.ID, err)
	}
	return nil
}

// GetPlant retrieves a plant by id
func (db *DB) GetPlant(id string) (models.Plant, error) {
	var p models.Plant
	query := `SELECT id, name, latitude, longitude, tariff_kwh FROM plants WHERE id = ?`
	row := db.conn.QueryRow(query, id)
	if err := row.Scan(&p.ID, &p.Name, &p.Latitude, &p.Longitude, &p.TariffKWh); err != nil {
		if err == sql.ErrNoRows {
			return p, models.ErrPlantNotFound
		}
		return p, fmt.Errorf("failed to scan plant: %w", err)
	}
	return p, nil
}

// GetAllPlants retrieves all registered plants ordered by name
func (db *DB) GetAllPlants() ([]models.Plant, error) {
	query := `SELECT id, name, latitude, longitude, tariff_kwh FROM plants ORDER BY name`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plants: %w", err)
	}
	defer rows.Close()

	var plants []models.Plant
	for rows.Next() {
		var p models.Plant
		if err := rows.Scan(&p.ID, &p.Name, &p.Latitude, &p.Longitude, &p.TariffKWh); err != nil {
			return nil, fmt.Errorf("failed to scan plant: %w", err)
		}
		plants = append(plants, p)
	}

	return plants, rows.Err()
}

// ---- twin configs ----

// InsertTwinConfig appends a new config version for the plant and makes
// it the single active one. Versions are never mutated in place.
func (db *DB) InsertTwinConfig(cfg models.DigitalTwinConfig) (int64, error) {
	if err := ValidateTwinConfig(cfg); err != nil {
		return 0, err
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal twin config: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if committed

	var maxVersion sql.NullInt64
	row := tx.QueryRow(`SELECT MAX(version) FROM twin_configs WHERE plant_id = ?`, cfg.PlantID)
	if err := row.Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("failed to read config versions: %w", err)
	}

	if _, err := tx.Exec(`UPDATE twin_configs SET active = 0 WHERE plant_id = ? AND active = 1`, cfg.PlantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate previous config: %w", err)
	}

	version := int(maxVersion.Int64) + 1
	res, err := tx.Exec(
		`INSERT INTO twin_configs (plant_id, version, active, config, calibration_date, created_at) VALUES (?, ?, 1, ?, ?, ?)`,
		cfg.PlantID, version, string(blob), cfg.CalibrationDate.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert twin config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	id, _ := res.LastInsertId()
	return id, nil
}

// GetActiveTwinConfig returns the single active config for the plant.
// A missing config is a precondition failure, reported distinctly.
func (db *DB) GetActiveTwinConfig(plantID string) (models.DigitalTwinConfig, error) {
	var cfg models.DigitalTwinConfig

	query := `SELECT id, version, config, calibration_date, created_at FROM twin_configs WHERE plant_id = ? AND active = 1 LIMIT 1`
	queryStart := time.Now()
	row := db.conn.QueryRow(query, plantID)

	var blob string
	err := row.Scan(&cfg.ID, &cfg.Version, &blob, &cfg.CalibrationDate, &cfg.CreatedAt)
	metrics.RecordDBQuery("SELECT", "twin_configs", time.Since(queryStart), err)
	if err != nil {
		if err == sql.ErrNoRows {
			return cfg, models.ErrConfigNotFound
		}
		return cfg, fmt.Errorf("failed to scan twin config: %w", err)
	}

	id, version, calib, created := cfg.ID, cfg.Version, cfg.CalibrationDate, cfg.CreatedAt
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal twin config: %w", err)
	}
	cfg.ID, cfg.Version, cfg.CalibrationDate, cfg.CreatedAt = id, version, calib, created
	cfg.PlantID = plantID
	cfg.Active = true

	return cfg, nil
}

// ValidateTwinConfig enforces the boundary invariants: all percentage
// losses in [0,100] and a recognized monitoring system type.
func ValidateTwinConfig(cfg models.DigitalTwinConfig) error {
	if cfg.PlantID == "" {
		return fmt.Errorf("%w: plant_id is empty", models.ErrInvalidConfig)
	}
	if cfg.Layout.ModuleCount <= 0 || cfg.Layout.ModuleWattP <= 0 {
		return fmt.Errorf("%w: layout needs positive module count and watt-peak", models.ErrInvalidConfig)
	}

	pcts := map[string]float64{
		"soiling":             cfg.Losses.SoilingPercent,
		"shading":             cfg.Losses.ShadingPercent,
		"mismatch":            cfg.Losses.MismatchPercent,
		"wiring":              cfg.Losses.WiringPercent,
		"connections":         cfg.Losses.ConnectionsPercent,
		"lid":                 cfg.Losses.LIDPercent,
		"annual_degradation":  cfg.Losses.AnnualDegradation,
		"grid_availability":   cfg.Losses.GridAvailability,
		"system_availability": cfg.Losses.SystemAvailability,
	}
	for name, v := range pcts {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: %s percent %.2f outside [0,100]", models.ErrInvalidConfig, name, v)
		}
	}

	switch cfg.Monitoring.Type {
	case models.MonitoringModbus:
		if cfg.Monitoring.Modbus == nil {
			return fmt.Errorf("%w: modbus settings missing", models.ErrInvalidConfig)
		}
	case models.MonitoringSunSpec:
		if cfg.Monitoring.SunSpec == nil {
			return fmt.Errorf("%w: sunspec settings missing", models.ErrInvalidConfig)
		}
	case models.MonitoringVendorAPI:
		if cfg.Monitoring.VendorAPI == nil {
			return fmt.Errorf("%w: vendor_api settings missing", models.ErrInvalidConfig)
		}
	case "":
		// plants without remote monitoring are allowed
	default:
		return fmt.Errorf("%w: unknown monitoring type %q", models.ErrInvalidConfig, cfg.Monitoring.Type)
	}

	return nil
}

// ---- telemetry ----

// InsertTelemetry stores a single telemetry reading
func (db *DB) InsertTelemetry(r models.TelemetryReading) error {
	query := `INSERT INTO telemetry (plant_id, timestamp, power_kw, energy_kwh, string_id, inverter_id) VALUES (?, ?, ?, ?, ?, ?)`
	queryStart := time.Now()
	_, err := db.conn.Exec(query, r.PlantID, r.Timestamp.UTC(), r.PowerKW, r.EnergyKWh, r.StringID, r.InverterID)
	metrics.RecordDBQuery("INSERT", "telemetry", time.Since(queryStart), err)
	return err
}

// InsertTelemetryBatch stores readings in one transaction
func (db *DB) InsertTelemetryBatch(readings []models.TelemetryReading) error {
	if len(readings) == 0 {
		return nil // Nothing to store
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO telemetry (plant_id, timestamp, power_kw, energy_kwh, string_id, inverter_id) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.Exec(r.PlantID, r.Timestamp.UTC(), r.PowerKW, r.EnergyKWh, r.StringID, r.InverterID); err != nil {
			return fmt.Errorf("failed to insert telemetry for %s at %s: %w", r.PlantID, r.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTelemetryAt returns all readings at the exact timestamp. Multiple
// readings at one timestamp are individual rows; callers sum them.
func (db *DB) GetTelemetryAt(plantID string, ts time.Time) ([]models.TelemetryReading, error) {
	query := `SELECT id, plant_id, timestamp, power_kw, energy_kwh, string_id, inverter_id FROM telemetry WHERE plant_id = ? AND timestamp = ?`
	queryStart := time.Now()
	rows, err := db.conn.Query(query, plantID, ts.UTC())
	metrics.RecordDBQuery("SELECT", "telemetry", time.Since(queryStart), err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

// GetTelemetryRange returns readings in [since, until) ordered by time
func (db *DB) GetTelemetryRange(plantID string, since, until time.Time) ([]models.TelemetryReading, error) {
	query := `SELECT id, plant_id, timestamp, power_kw, energy_kwh, string_id, inverter_id FROM telemetry WHERE plant_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	queryStart := time.Now()
	rows, err := db.conn.Query(query, plantID, since.UTC(), until.UTC())
	metrics.RecordDBQuery("SELECT", "telemetry", time.Since(queryStart), err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]models.TelemetryReading, error) {
	var readings []models.TelemetryReading
	for rows.Next() {
		var r models.TelemetryReading
		if err := rows.Scan(&r.ID, &r.PlantID, &r.Timestamp, &r.PowerKW, &r.EnergyKWh, &r.StringID, &r.InverterID); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetTelemetryStats returns mean and population standard deviation of
// plant-level power over the range
func (db *DB) GetTelemetryStats(plantID string, since, until time.Time) (mean, stdDev float64, count int, err error) {
	query := `
	SELECT
		COUNT(*) as count,
		COALESCE(AVG(power_kw), 0) as mean,
		COALESCE(STDDEV_POP(power_kw), 0) as stddev
	FROM telemetry
	WHERE plant_id = ? AND string_id = '' AND inverter_id = '' AND timestamp >= ? AND timestamp < ? AND power_kw >= 0 AND energy_kwh >= 0
	`
	row := db.conn.QueryRow(query, plantID, since.UTC(), until.UTC())
	err = row.Scan(&count, &mean, &stdDev)
	return
}

// DailyEnergy is a per-day generation aggregate used by the audit's
// degradation analysis.
type DailyEnergy struct {
	Day time.Time
	KWh float64
}

// GetDailyEnergy returns summed valid plant-level energy per day
func (db *DB) GetDailyEnergy(plantID string, since, until time.Time) ([]DailyEnergy, error) {
	query := `
	SELECT DATE(timestamp) as day, SUM(energy_kwh) as kwh
	FROM telemetry
	WHERE plant_id = ? AND string_id = '' AND inverter_id = '' AND timestamp >= ? AND timestamp < ? AND energy_kwh >= 0
	GROUP BY DATE(timestamp)
	ORDER BY day ASC
	`
	rows, err := db.conn.Query(query, plantID, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []DailyEnergy
	for rows.Next() {
		var d DailyEnergy
		var dayStr string
		if err := rows.Scan(&dayStr, &d.KWh); err != nil {
			return nil, err
		}
		if t, perr := time.Parse("2006-01-02", dayStr); perr == nil {
			d.Day = t
		}
		days = append(days, d)
	}

	return days, rows.Err()
}

// GetAveragePowerByString returns average power per electrical string
func (db *DB) GetAveragePowerByString(plantID string, since, until time.Time) (map[string]float64, error) {
	return db.averagePowerGrouped(plantID, "string_id", since, until)
}

// GetAveragePowerByInverter returns average power per inverter input
func (db *DB) GetAveragePowerByInverter(plantID string, since, until time.Time) (map[string]float64, error) {
	return db.averagePowerGrouped(plantID, "inverter_id", since, until)
}

func (db *DB) averagePowerGrouped(plantID, column string, since, until time.Time) (map[string]float64, error) {
	// column is one of the two fixed identifiers above, never user input
	query := fmt.Sprintf(`
	SELECT %s, AVG(power_kw)
	FROM telemetry
	WHERE plant_id = ? AND %s != '' AND timestamp >= ? AND timestamp < ? AND power_kw >= 0
	GROUP BY %s
	`, column, column, column)

	rows, err := db.conn.Query(query, plantID, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	averages := make(map[string]float64)
	for rows.Next() {
		var id string
		var avg float64
		if err := rows.Scan(&id, &avg); err != nil {
			return nil, err
		}
		averages[id] = avg
	}

	return averages, rows.Err()
}

// ---- baseline forecasts ----

// UpsertBaseline writes the forecast for (plant, timestamp).
// Last writer wins; a concurrent race never produces a merged row.
func (db *DB) UpsertBaseline(b models.BaselineForecast) error {
	factors, err := json.Marshal(b.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factor breakdown: %w", err)
	}

	query := `INSERT INTO baseline_forecasts (plant_id, timestamp, expected_kwh, lower_kwh, upper_kwh, factors, model_version, calibration_date)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON DUPLICATE KEY UPDATE expected_kwh = VALUES(expected_kwh), lower_kwh = VALUES(lower_kwh),
	          upper_kwh = VALUES(upper_kwh), factors = VALUES(factors), model_version = VALUES(model_version),
	          calibration_date = VALUES(calibration_date)`
	queryStart := time.Now()
	_, err = db.conn.Exec(query, b.PlantID, b.Timestamp.UTC(), b.ExpectedKWh, b.LowerKWh, b.UpperKWh, string(factors), b.ModelVersion, b.CalibrationDate.UTC())
	metrics.RecordDBQuery("UPSERT", "baseline_forecasts", time.Since(queryStart), err)
	db.recordPoolStats()
	return err
}

// GetBaseline retrieves the forecast for the exact (plant, timestamp)
func (db *DB) GetBaseline(plantID string, ts time.Time) (models.BaselineForecast, error) {
	var b models.BaselineForecast
	var factors string

	query := `SELECT plant_id, timestamp, expected_kwh, lower_kwh, upper_kwh, factors, model_version, calibration_date FROM baseline_forecasts WHERE plant_id = ? AND timestamp = ?`
	queryStart := time.Now()
	row := db.conn.QueryRow(query, plantID, ts.UTC())
	err := row.Scan(&b.PlantID, &b.Timestamp, &b.ExpectedKWh, &b.LowerKWh, &b.UpperKWh, &factors, &b.ModelVersion, &b.CalibrationDate)
	metrics.RecordDBQuery("SELECT", "baseline_forecasts", time.Since(queryStart), err)
	if err != nil {
		if err == sql.ErrNoRows {
			return b, models.ErrBaselineMissing
		}
		return b, fmt.Errorf("failed to scan baseline: %w", err)
	}

	if err := json.Unmarshal([]byte(factors), &b.Factors); err != nil {
		return b, fmt.Errorf("failed to unmarshal factor breakdown: %w", err)
	}

	return b, nil
}

// GetBaselineRange returns baselines for the plant in [since, until)
func (db *DB) GetBaselineRange(plantID string, since, until time.Time) ([]models.BaselineForecast, error) {
	query := `SELECT plant_id, timestamp, expected_kwh, lower_kwh, upper_kwh, factors, model_version, calibration_date FROM baseline_forecasts WHERE plant_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	rows, err := db.conn.Query(query, plantID, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var baselines []models.BaselineForecast
	for rows.Next() {
		var b models.BaselineForecast
		var factors string
		if err := rows.Scan(&b.PlantID, &b.Timestamp, &b.ExpectedKWh, &b.LowerKWh, &b.UpperKWh, &factors, &b.ModelVersion, &b.CalibrationDate); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(factors), &b.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factor breakdown: %w", err)
		}
		baselines = append(baselines, b)
	}

	return baselines, rows.Err()
}

// ---- performance gaps ----

// UpsertGap writes the gap for (plant, timestamp), last writer wins
func (db *DB) UpsertGap(g models.PerformanceGap) error {
	causes, err := json.Marshal(g.ProbableCauses)
	if err != nil {
		return fmt.Errorf("failed to marshal probable causes: %w", err)
	}

	query := `INSERT INTO performance_gaps (plant_id, timestamp, actual_kwh, expected_kwh, gap_kwh, gap_percent, probable_causes, financial_loss, alert_triggered, flagged_readings)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON DUPLICATE KEY UPDATE actual_kwh = VALUES(actual_kwh), expected_kwh = VALUES(expected_kwh),
	          gap_kwh = VALUES(gap_kwh), gap_percent = VALUES(gap_percent), probable_causes = VALUES(probable_causes),
	          financial_loss = VALUES(financial_loss), alert_triggered = VALUES(alert_triggered), flagged_readings = VALUES(flagged_readings)`
	queryStart := time.Now()
	_, err = db.conn.Exec(query, g.PlantID, g.Timestamp.UTC(), g.ActualKWh, g.ExpectedKWh, g.GapKWh, g.GapPercent, string(causes), g.FinancialLoss, g.AlertTriggered, g.FlaggedReadings)
	metrics.RecordDBQuery("UPSERT", "performance_gaps", time.Since(queryStart), err)
	db.recordPoolStats()
	return err
}

// GetGap retrieves the gap for (plant, timestamp); nil when absent
func (db *DB) GetGap(plantID string, ts time.Time) (*models.PerformanceGap, error) {
	var g models.PerformanceGap
	var causes string

	query := `SELECT plant_id, timestamp, actual_kwh, expected_kwh, gap_kwh, gap_percent, probable_causes, financial_loss, alert_triggered, flagged_readings FROM performance_gaps WHERE plant_id = ? AND timestamp = ?`
	row := db.conn.QueryRow(query, plantID, ts.UTC())
	err := row.Scan(&g.PlantID, &g.Timestamp, &g.ActualKWh, &g.ExpectedKWh, &g.GapKWh, &g.GapPercent, &causes, &g.FinancialLoss, &g.AlertTriggered, &g.FlaggedReadings)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan performance gap: %w", err)
	}

	if err := json.Unmarshal([]byte(causes), &g.ProbableCauses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal probable causes: %w", err)
	}

	return &g, nil
}

// GetGapRange returns gaps for the plant in [since, until)
func (db *DB) GetGapRange(plantID string, since, until time.Time) ([]models.PerformanceGap, error) {
	query := `SELECT plant_id, timestamp, actual_kwh, expected_kwh, gap_kwh, gap_percent, probable_causes, financial_loss, alert_triggered, flagged_readings FROM performance_gaps WHERE plant_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	rows, err := db.conn.Query(query, plantID, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []models.PerformanceGap
	for rows.Next() {
		var g models.PerformanceGap
		var causes string
		if err := rows.Scan(&g.PlantID, &g.Timestamp, &g.ActualKWh, &g.ExpectedKWh, &g.GapKWh, &g.GapPercent, &causes, &g.FinancialLoss, &g.AlertTriggered, &g.FlaggedReadings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(causes), &g.ProbableCauses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal probable causes: %w", err)
		}
		gaps = append(gaps, g)
	}

	return gaps, rows.Err()
}

// ---- anomalies ----

// UpsertAnomaly inserts the anomaly or, when its dedup key already
// exists, refreshes the measured fields of the existing row, including
// the strategy that produced the latest measurement.
// Status and resolution are never touched on re-detection, so
// overlapping windows cannot reopen or duplicate an event.
func (db *DB) UpsertAnomaly(a *models.Anomaly) error {
	query := `INSERT INTO anomalies (plant_id, timestamp, anomaly_type, severity, confidence, strategy, affected_metric, expected_value, actual_value, status, dedup_key)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), severity = VALUES(severity),
	          confidence = VALUES(confidence), strategy = VALUES(strategy),
	          expected_value = VALUES(expected_value),
	          actual_value = VALUES(actual_value), timestamp = VALUES(timestamp)`
	queryStart := time.Now()
	res, err := db.conn.Exec(query, a.PlantID, a.Timestamp.UTC(), a.Type, a.Severity, a.Confidence, a.Strategy, a.AffectedMetric, a.ExpectedValue, a.ActualValue, a.Status, a.DedupKey)
	metrics.RecordDBQuery("UPSERT", "anomalies", time.Since(queryStart), err)
	db.recordPoolStats()
	if err != nil {
		return fmt.Errorf("failed to upsert anomaly %s/%s: %w", a.PlantID, a.Type, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read anomaly id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAnomaly retrieves an anomaly by id
func (db *DB) GetAnomaly(id int64) (models.Anomaly, error) {
	var a models.Anomaly
	query := `SELECT id, plant_id, timestamp, anomaly_type, severity, confidence, strategy, affected_metric, expected_value, actual_value, status, dedup_key, analysis_id, resolved_at FROM anomalies WHERE id = ?`
	row := db.conn.QueryRow(query, id)
	err := row.Scan(&a.ID, &a.PlantID, &a.Timestamp, &a.Type, &a.Severity, &a.Confidence, &a.Strategy, &a.AffectedMetric, &a.ExpectedValue, &a.ActualValue, &a.Status, &a.DedupKey, &a.AnalysisID, &a.ResolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return a, models.ErrAnomalyNotFound
		}
		return a, fmt.Errorf("failed to scan anomaly: %w", err)
	}
	return a, nil
}

// GetAnomalies retrieves recent anomalies for a plant
func (db *DB) GetAnomalies(plantID string, limit int) ([]models.Anomaly, error) {
	query := `SELECT id, plant_id, timestamp, anomaly_type, severity, confidence, strategy, affected_metric, expected_value, actual_value, status, dedup_key, analysis_id, resolved_at FROM anomalies WHERE plant_id = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := db.conn.Query(query, plantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.ID, &a.PlantID, &a.Timestamp, &a.Type, &a.Severity, &a.Confidence, &a.Strategy, &a.AffectedMetric, &a.ExpectedValue, &a.ActualValue, &a.Status, &a.DedupKey, &a.AnalysisID, &a.ResolvedAt); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}

	return anomalies, rows.Err()
}

// UpdateAnomalyStatus transitions an anomaly; resolved_at is stamped
// exactly when the status becomes terminal.
func (db *DB) UpdateAnomalyStatus(id int64, status string) error {
	query := `UPDATE anomalies SET status = ?,
	          resolved_at = CASE WHEN ? IN ('resolved', 'false_positive') THEN NOW(6) ELSE resolved_at END
	          WHERE id = ?`
	res, err := db.conn.Exec(query, status, status, id)
	if err != nil {
		return fmt.Errorf("failed to update anomaly status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// the row may exist with the same status already; verify it exists
		if _, err := db.GetAnomaly(id); err != nil {
			return err
		}
	}
	return nil
}

// SetAnomalyAnalysis links the anomaly to its root cause analysis
func (db *DB) SetAnomalyAnalysis(anomalyID, analysisID int64) error {
	_, err := db.conn.Exec(`UPDATE anomalies SET analysis_id = ? WHERE id = ?`, analysisID, anomalyID)
	return err
}

// ---- root cause analyses ----

// CreateAnalysis inserts a pending analysis for the anomaly if none
// exists. Returns the analysis id and whether this call created it;
// the unique key makes concurrent creation race-free.
func (db *DB) CreateAnalysis(anomalyID int64) (int64, bool, error) {
	query := `INSERT IGNORE INTO root_cause_analyses (anomaly_id, probable_causes, recommended_actions, investigation_status, created_at) VALUES (?, '[]', '[]', 'pending', ?)`
	res, err := db.conn.Exec(query, anomalyID, time.Now().UTC())
	if err != nil {
		return 0, false, fmt.Errorf("failed to create analysis: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		existing, err := db.GetAnalysisByAnomaly(anomalyID)
		if err != nil {
			return 0, false, err
		}
		if existing == nil {
			return 0, false, fmt.Errorf("analysis vanished for anomaly %d", anomalyID)
		}
		return existing.ID, false, nil
	}

	id, _ := res.LastInsertId()
	return id, true, nil
}

// GetAnalysisByAnomaly retrieves the analysis for an anomaly; nil when
// none exists yet
func (db *DB) GetAnalysisByAnomaly(anomalyID int64) (*models.RootCauseAnalysis, error) {
	var a models.RootCauseAnalysis
	var causes, actions string
	var graph, summary, cause, lessons sql.NullString

	query := `SELECT id, anomaly_id, probable_causes, dependency_graph, recommended_actions, investigation_status, resolution_summary, actual_cause, lessons_learned, created_at, completed_at FROM root_cause_analyses WHERE anomaly_id = ?`
	row := db.conn.QueryRow(query, anomalyID)
	err := row.Scan(&a.ID, &a.AnomalyID, &causes, &graph, &actions, &a.InvestigationStatus, &summary, &cause, &lessons, &a.CreatedAt, &a.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan analysis: %w", err)
	}

	if err := json.Unmarshal([]byte(causes), &a.ProbableCauses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal probable causes: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &a.RecommendedActions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recommended actions: %w", err)
	}
	if graph.Valid && graph.String != "" {
		var g models.DependencyGraph
		if err := json.Unmarshal([]byte(graph.String), &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependency graph: %w", err)
		}
		a.Graph = &g
	}
	a.ResolutionSummary = summary.String
	a.ActualCause = cause.String
	a.LessonsLearned = lessons.String

	return &a, nil
}

// StartAnalysis records the computed hypotheses and moves the analysis
// to in_progress. A completed analysis is never rewound.
func (db *DB) StartAnalysis(anomalyID int64, causes []models.ProbableCause, graph *models.DependencyGraph, actions []models.RecommendedAction) error {
	causesJSON, err := json.Marshal(causes)
	if err != nil {
		return fmt.Errorf("failed to marshal probable causes: %w", err)
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to marshal recommended actions: %w", err)
	}
	var graphJSON sql.NullString
	if graph != nil {
		g, err := json.Marshal(graph)
		if err != nil {
			return fmt.Errorf("failed to marshal dependency graph: %w", err)
		}
		graphJSON = sql.NullString{String: string(g), Valid: true}
	}

	query := `UPDATE root_cause_analyses SET probable_causes = ?, dependency_graph = ?, recommended_actions = ?, investigation_status = 'in_progress'
	          WHERE anomaly_id = ? AND investigation_status IN ('pending', 'in_progress')`
	queryStart := time.Now()
	_, err = db.conn.Exec(query, string(causesJSON), graphJSON, string(actionsJSON), anomalyID)
	metrics.RecordDBQuery("UPDATE", "root_cause_analyses", time.Since(queryStart), err)
	return err
}

// CompleteAnalysis transitions the analysis to completed. The guard on
// investigation_status makes the transition single-shot: a second
// completion or a completion of a missing analysis fails.
func (db *DB) CompleteAnalysis(anomalyID int64, res models.Resolution) error {
	query := `UPDATE root_cause_analyses SET investigation_status = 'completed', resolution_summary = ?, actual_cause = ?, lessons_learned = ?, completed_at = NOW(6)
	          WHERE anomaly_id = ? AND investigation_status IN ('pending', 'in_progress')`
	result, err := db.conn.Exec(query, res.Summary, res.ActualCause, res.LessonsLearned, anomalyID)
	if err != nil {
		return fmt.Errorf("failed to complete analysis: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// ---- plant audits ----

// InsertAudit stores a finished audit. Audits are immutable; a new run
// is always a new row.
func (db *DB) InsertAudit(a *models.PlantAudit) error {
	findings, err := json.Marshal(a.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	recommendations, err := json.Marshal(a.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	categories, err := json.Marshal(a.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	query := `INSERT INTO plant_audits (plant_id, period_start, period_end, overall_status, actual_kwh, expected_kwh, recoverable_kwh, recoverable_value, recoverable_percent, findings, recommendations, categories, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryStart := time.Now()
	res, err := db.conn.Exec(query, a.PlantID, a.PeriodStart.UTC(), a.PeriodEnd.UTC(), a.OverallStatus, a.ActualKWh, a.ExpectedKWh, a.RecoverableKWh, a.RecoverableValue, a.RecoverablePercent, string(findings), string(recommendations), string(categories), a.CreatedAt.UTC())
	metrics.RecordDBQuery("INSERT", "plant_audits", time.Since(queryStart), err)
	db.recordPoolStats()
	if err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}

	id, _ := res.LastInsertId()
	a.ID = id
	return nil
}

// GetAudits retrieves recent audits for a plant, newest first
func (db *DB) GetAudits(plantID string, limit int) ([]models.PlantAudit, error) {
	query := `SELECT id, plant_id, period_start, period_end, overall_status, actual_kwh, expected_kwh, recoverable_kwh, recoverable_value, recoverable_percent, findings, recommendations, categories, created_at FROM plant_audits WHERE plant_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.conn.Query(query, plantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []models.PlantAudit
	for rows.Next() {
		var a models.PlantAudit
		var findings, recommendations, categories string
		if err := rows.Scan(&a.ID, &a.PlantID, &a.PeriodStart, &a.PeriodEnd, &a.OverallStatus, &a.ActualKWh, &a.ExpectedKWh, &a.RecoverableKWh, &a.RecoverableValue, &a.RecoverablePercent, &findings, &recommendations, &categories, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(findings), &a.Findings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
		}
		if err := json.Unmarshal([]byte(recommendations), &a.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
		if err := json.Unmarshal([]byte(categories), &a.Categories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
		}
		audits = append(audits, a)
	}

	return audits, rows.Err()
}
