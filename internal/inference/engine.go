// Package inference serves predictions from a loaded artifact bundle.
package inference

import (
	"context"
	"fmt"
	"slices"
	"time"

	"microgrid-analytics/internal/alerts"
	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/ml"
	"microgrid-analytics/internal/models"
)

// DefaultHistoryWindow is how far back prior readings count towards the
// rolling features at inference time.
const DefaultHistoryWindow = features.HistoryWindow

// Engine holds loaded models. It has no mutable state after construction
// and is safe for concurrent use.
type Engine struct {
	forecast    *artifact.Model
	scaler      *ml.StandardScaler
	maintenance *artifact.Model

	location string
	loadedAt time.Time
	now      func() time.Time
	window   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time used for readings without a timestamp.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithHistoryWindow bounds the age of history readings.
func WithHistoryWindow(d time.Duration) Option { return func(e *Engine) { e.window = d } }

// Load reads the artifact bundle from store.
func Load(ctx context.Context, store artifact.Store, opts ...Option) (*Engine, error) {
	b, err := artifact.Load(ctx, store)
	if err != nil {
		return nil, err
	}
	e := New(b, opts...)
	e.location = store.Location()
	return e, nil
}

// New builds an engine from an already loaded bundle.
func New(b *artifact.Bundle, opts ...Option) *Engine {
	e := &Engine{
		forecast:    b.Forecast,
		maintenance: b.Maintenance,
		now:         time.Now,
		window:      DefaultHistoryWindow,
	}
	if b.ForecastScaler != nil {
		e.scaler = b.ForecastScaler.Scaler
	}
	for _, o := range opts {
		o(e)
	}
	e.loadedAt = e.now()
	return e
}

// Infer scores a single reading with no history; rolling features use the
// instantaneous values and are listed in the result's Fallbacks.
func (e *Engine) Infer(reading models.SensorReading, weather models.WeatherSample) (*models.InferenceResult, error) {
	return e.InferWithHistory(reading, weather, nil)
}

// InferWithHistory scores a reading using prior readings for the rolling
// features. History entries outside the window before the reading are ignored.
func (e *Engine) InferWithHistory(reading models.SensorReading, weather models.WeatherSample, history []models.SensorReading) (*models.InferenceResult, error) {
	obs := models.Observation{SensorReading: reading, WeatherSample: weather}
	if obs.SensorReading.Empty() {
		return nil, &models.InvalidInputError{Reason: "reading carries no measurements"}
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = e.now()
	}
	recent := e.recent(obs.Timestamp, history)

	fvec, fallbacks, err := features.Live(obs, recent, features.ForecastSchema)
	if err != nil {
		return nil, err
	}
	if !fvec.Schema.Equal(e.forecast.Schema) {
		return nil, &models.FeatureSchemaMismatchError{Model: "forecast", Want: e.forecast.Schema.Features, Got: fvec.Schema.Features}
	}
	x := fvec.Dense()
	if e.forecast.Scaled {
		if x, err = e.scaler.Transform(x); err != nil {
			return nil, fmt.Errorf("scale forecast features: %w", err)
		}
	}
	forecast, err := e.forecast.Forest.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	mvec, mfallbacks, err := features.Live(obs, recent, features.MaintenanceSchema)
	if err != nil {
		return nil, err
	}
	if !mvec.Schema.Equal(e.maintenance.Schema) {
		return nil, &models.FeatureSchemaMismatchError{Model: "maintenance", Want: e.maintenance.Schema.Features, Got: mvec.Schema.Features}
	}
	proba, err := e.maintenance.Forest.PredictProba(mvec.Dense())
	if err != nil {
		return nil, fmt.Errorf("maintenance: %w", err)
	}

	for _, f := range mfallbacks {
		if !slices.Contains(fallbacks, f) {
			fallbacks = append(fallbacks, f)
		}
	}

	return &models.InferenceResult{
		Timestamp:   obs.Timestamp,
		Forecast:    forecast,
		Maintenance: alerts.Generate(obs.SensorReading, proba),
		Fallbacks:   fallbacks,
	}, nil
}

// recent keeps valid history strictly before ts and within the window, oldest first.
func (e *Engine) recent(ts time.Time, history []models.SensorReading) []models.SensorReading {
	if len(history) == 0 {
		return nil
	}
	from := ts.Add(-e.window)
	out := make([]models.SensorReading, 0, len(history))
	for _, h := range history {
		if h.Timestamp.IsZero() || !h.Timestamp.Before(ts) || h.Timestamp.Before(from) {
			continue
		}
		if h.Validate() != nil {
			continue
		}
		out = append(out, h)
	}
	slices.SortStableFunc(out, func(a, b models.SensorReading) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// ModelInfo describes one loaded model.
type ModelInfo struct {
	Name      string             `json:"name"`
	Kind      string             `json:"kind"`
	Schema    features.Schema    `json:"schema"`
	Scaled    bool               `json:"scaled"`
	Trees     int                `json:"trees"`
	Metrics   map[string]float64 `json:"metrics"`
	TrainRows int                `json:"train_rows"`
	TestRows  int                `json:"test_rows"`
	TrainedAt time.Time          `json:"trained_at"`
}

// Info is a snapshot of what the engine serves.
type Info struct {
	Location string      `json:"location,omitempty"`
	LoadedAt time.Time   `json:"loaded_at"`
	Models   []ModelInfo `json:"models"`
}

func (e *Engine) Info() Info {
	describe := func(name string, m *artifact.Model) ModelInfo {
		return ModelInfo{
			Name:      name,
			Kind:      m.Forest.Kind,
			Schema:    m.Schema,
			Scaled:    m.Scaled,
			Trees:     len(m.Forest.Trees),
			Metrics:   m.Metrics,
			TrainRows: m.TrainRows,
			TestRows:  m.TestRows,
			TrainedAt: m.TrainedAt,
		}
	}
	return Info{
		Location: e.location,
		LoadedAt: e.loadedAt,
		Models: []ModelInfo{
			describe("forecast", e.forecast),
			describe("maintenance", e.maintenance),
		},
	}
}
