package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"microgrid-analytics/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn, now: time.Now}
	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// Times are stored as Unix milliseconds so ordering and range queries
// compare integers.
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		voltage REAL,
		current REAL,
		power REAL,
		power_factor REAL,
		frequency REAL,
		energy REAL,
		box_temperature REAL,
		solar_voltage REAL,
		solar_current REAL,
		solar_power REAL,
		battery_percentage REAL,
		battery_voltage REAL,
		light_intensity REAL
	);

	CREATE TABLE IF NOT EXISTS weather (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		valid_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		temperature REAL,
		cloud_percent REAL,
		wind_speed REAL,
		rain_mm REAL
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		forecast REAL NOT NULL,
		probability REAL NOT NULL,
		needs_maintenance INTEGER NOT NULL,
		alerts TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
	CREATE INDEX IF NOT EXISTS idx_weather_recorded ON weather(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

const readingColumns = `device_id, ts, voltage, current, power, power_factor, frequency, energy,
	box_temperature, solar_voltage, solar_current, solar_power,
	battery_percentage, battery_voltage, light_intensity`

// InsertReading stores a sensor reading and returns its row id.
func (db *Database) InsertReading(ctx context.Context, r *models.SensorReading) (int64, error) {
	query := `INSERT INTO readings (` + readingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.conn.ExecContext(ctx, query,
		r.DeviceID, r.Timestamp.UnixMilli(),
		nullable(r.Voltage), nullable(r.Current), nullable(r.Power), nullable(r.PowerFactor),
		nullable(r.Frequency), nullable(r.Energy), nullable(r.BoxTemperature),
		nullable(r.SolarVoltage), nullable(r.SolarCurrent), nullable(r.SolarPower),
		nullable(r.BatteryPercentage), nullable(r.BatteryVoltage), nullable(r.LightIntensity),
	)
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}
	return result.LastInsertId()
}

// InsertReadingBatch stores many readings in one transaction.
func (db *Database) InsertReadingBatch(ctx context.Context, readings []models.SensorReading) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (`+readingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, r := range readings {
		_, err := stmt.ExecContext(ctx,
			r.DeviceID, r.Timestamp.UnixMilli(),
			nullable(r.Voltage), nullable(r.Current), nullable(r.Power), nullable(r.PowerFactor),
			nullable(r.Frequency), nullable(r.Energy), nullable(r.BoxTemperature),
			nullable(r.SolarVoltage), nullable(r.SolarCurrent), nullable(r.SolarPower),
			nullable(r.BatteryPercentage), nullable(r.BatteryVoltage), nullable(r.LightIntensity),
		)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, tx.Commit()
}

// RecentReadings returns up to limit readings of deviceID taken in
// [since, before), oldest first.
func (db *Database) RecentReadings(ctx context.Context, deviceID string, before, since time.Time, limit int) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings
		WHERE device_id = ? AND ts < ? AND ts >= ?
		ORDER BY ts DESC`
	args := []any{deviceID, before.UnixMilli(), since.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.SensorReading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(results)
	return results, nil
}

// LatestReading returns the newest reading, of deviceID when it is not empty.
func (db *Database) LatestReading(ctx context.Context, deviceID string) (*models.SensorReading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT 1"

	r, err := scanReading(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(s scanner) (models.SensorReading, error) {
	var r models.SensorReading
	var ts int64
	var v [13]sql.NullFloat64
	err := s.Scan(&r.DeviceID, &ts,
		&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8], &v[9], &v[10], &v[11], &v[12])
	if err != nil {
		return r, err
	}
	r.Timestamp = time.UnixMilli(ts).UTC()
	for i, dst := range []*models.Measurement{
		&r.Voltage, &r.Current, &r.Power, &r.PowerFactor, &r.Frequency, &r.Energy, &r.BoxTemperature,
		&r.SolarVoltage, &r.SolarCurrent, &r.SolarPower, &r.BatteryPercentage, &r.BatteryVoltage, &r.LightIntensity,
	} {
		*dst = measurement(v[i])
	}
	return r, nil
}

// InsertWeather stores a weather sample.
func (db *Database) InsertWeather(ctx context.Context, w *models.WeatherSample) error {
	validAt := w.ValidAt
	if validAt.IsZero() {
		validAt = db.now()
	}
	query := `INSERT INTO weather (valid_at, recorded_at, latitude, longitude, temperature, cloud_percent, wind_speed, rain_mm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query,
		validAt.UnixMilli(), db.now().UnixMilli(), w.Latitude, w.Longitude,
		nullable(w.Temperature), nullable(w.CloudPercent), nullable(w.WindSpeed), nullable(w.RainInMM))
	if err != nil {
		return fmt.Errorf("insert weather: %w", err)
	}
	return nil
}

// LatestWeather returns the most recently recorded weather sample.
func (db *Database) LatestWeather(ctx context.Context) (*models.WeatherSample, error) {
	query := `SELECT valid_at, latitude, longitude, temperature, cloud_percent, wind_speed, rain_mm
		FROM weather ORDER BY recorded_at DESC, id DESC LIMIT 1`

	var w models.WeatherSample
	var validAt int64
	var temp, cloud, wind, rain sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, query).Scan(&validAt, &w.Latitude, &w.Longitude, &temp, &cloud, &wind, &rain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.ValidAt = time.UnixMilli(validAt).UTC()
	w.Temperature = measurement(temp)
	w.CloudPercent = measurement(cloud)
	w.WindSpeed = measurement(wind)
	w.RainInMM = measurement(rain)
	return &w, nil
}

// InsertPrediction stores an inference result.
func (db *Database) InsertPrediction(ctx context.Context, p *models.PredictionRecord) error {
	alerts := p.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	encoded, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = db.now()
	}

	query := `INSERT INTO predictions (id, device_id, ts, forecast, probability, needs_maintenance, alerts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query,
		p.ID, p.DeviceID, p.Timestamp.UnixMilli(), p.Forecast, p.Probability, p.NeedsMaintenance, string(encoded), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// ListPredictions returns the newest predictions first.
func (db *Database) ListPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	query := `SELECT id, device_id, ts, forecast, probability, needs_maintenance, alerts, created_at
		FROM predictions ORDER BY created_at DESC, ts DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.PredictionRecord{}
	for rows.Next() {
		var p models.PredictionRecord
		var ts, created int64
		var alerts string
		if err := rows.Scan(&p.ID, &p.DeviceID, &ts, &p.Forecast, &p.Probability, &p.NeedsMaintenance, &alerts, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(alerts), &p.Alerts); err != nil {
			return nil, fmt.Errorf("decode alerts of prediction %s: %w", p.ID, err)
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		p.CreatedAt = time.UnixMilli(created).UTC()
		results = append(results, p)
	}
	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (*models.Stats, error) {
	var s models.Stats
	var lastTS sql.NullInt64
	var avgForecast sql.NullFloat64

	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT device_id), MAX(ts) FROM readings`).
		Scan(&s.Readings, &s.Devices, &lastTS)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather`).Scan(&s.WeatherSamples); err != nil {
		return nil, fmt.Errorf("weather stats: %w", err)
	}
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(needs_maintenance), 0),
		       COALESCE(SUM(CASE WHEN alerts != '[]' THEN 1 ELSE 0 END), 0),
		       AVG(forecast)
		FROM predictions`).Scan(&s.Predictions, &s.MaintenanceFlags, &s.AlertedReadings, &avgForecast)
	if err != nil {
		return nil, fmt.Errorf("prediction stats: %w", err)
	}

	if lastTS.Valid {
		s.LastReadingAt = time.UnixMilli(lastTS.Int64).UTC()
	}
	s.AvgForecast = avgForecast.Float64
	return &s, nil
}

func nullable(m models.Measurement) sql.NullFloat64 {
	return sql.NullFloat64{Float64: m.Value, Valid: m.Valid}
}

func measurement(n sql.NullFloat64) models.Measurement {
	if !n.Valid {
		return models.None()
	}
	return models.Some(n.Float64)
}
