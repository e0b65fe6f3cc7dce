// Package artifact serializes trained models and stores them in a directory
// or an S3 bucket.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/ml"
	"microgrid-analytics/internal/models"
)

// Artifact object names.
const (
	ForecastModelName    = "energy_forecast_rf_model.json"
	ForecastScalerName   = "energy_forecast_scaler.json"
	MaintenanceModelName = "maintenance_rf_model.json"
)

// FormatVersion is bumped when the on-disk layout changes.
const FormatVersion = 1

// Model is a fitted forest plus everything needed to reproduce its input.
type Model struct {
	FormatVersion int                `json:"format_version"`
	Schema        features.Schema    `json:"schema"`
	Target        string             `json:"target"`
	Scaled        bool               `json:"scaled"`
	Forest        *ml.Forest         `json:"model"`
	Metrics       map[string]float64 `json:"metrics"`
	TrainRows     int                `json:"train_rows"`
	TestRows      int                `json:"test_rows"`
	TrainedAt     time.Time          `json:"trained_at"`
}

// Scaler is the standardization fitted for the forecast model.
type Scaler struct {
	FormatVersion int                `json:"format_version"`
	Schema        features.Schema    `json:"schema"`
	Scaler        *ml.StandardScaler `json:"scaler"`
}

// Bundle is the full set of artifacts produced by one training run.
type Bundle struct {
	Forecast       *Model
	ForecastScaler *Scaler // nil when Forecast.Scaled is false
	Maintenance    *Model
}

// Save writes every artifact in the bundle, the forecast model last.
// Existing objects are overwritten.
func Save(ctx context.Context, store Store, b *Bundle) error {
	if b.Forecast == nil || b.Maintenance == nil {
		return errors.New("artifact bundle is incomplete")
	}
	if b.Forecast.Scaled && b.ForecastScaler == nil {
		return errors.New("forecast model is scaled but no scaler was given")
	}

	type object struct {
		name string
		v    any
	}
	// The forecast model goes last: a reader that sees it also sees the
	// scaler and maintenance model written alongside it.
	var objects []object
	if b.ForecastScaler != nil {
		objects = append(objects, object{ForecastScalerName, b.ForecastScaler})
	}
	objects = append(objects,
		object{MaintenanceModelName, b.Maintenance},
		object{ForecastModelName, b.Forecast},
	)

	for _, o := range objects {
		data, err := json.Marshal(o.v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", o.name, err)
		}
		if err := store.Put(ctx, o.name, data); err != nil {
			return fmt.Errorf("store %s: %w", o.name, err)
		}
	}
	return nil
}

// Load reads and checks the bundle. A missing required object yields
// *models.ArtifactNotFoundError.
func Load(ctx context.Context, store Store) (*Bundle, error) {
	var b Bundle

	b.Forecast = new(Model)
	if err := get(ctx, store, ForecastModelName, b.Forecast); err != nil {
		return nil, err
	}
	b.Maintenance = new(Model)
	if err := get(ctx, store, MaintenanceModelName, b.Maintenance); err != nil {
		return nil, err
	}
	if b.Forecast.Scaled {
		b.ForecastScaler = new(Scaler)
		if err := get(ctx, store, ForecastScalerName, b.ForecastScaler); err != nil {
			return nil, err
		}
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func get(ctx context.Context, store Store, name string, v any) error {
	data, err := store.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return &models.ArtifactNotFoundError{Name: name, Location: store.Location()}
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (b *Bundle) validate() error {
	check := func(name string, m *Model, kind string) error {
		if m.FormatVersion != FormatVersion {
			return fmt.Errorf("%s: unsupported format version %d", name, m.FormatVersion)
		}
		if m.Forest == nil {
			return fmt.Errorf("%s: no model", name)
		}
		if err := m.Forest.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if m.Forest.Kind != kind {
			return fmt.Errorf("%s: holds a %s, want %s", name, m.Forest.Kind, kind)
		}
		if m.Forest.NFeatures != len(m.Schema.Features) {
			return fmt.Errorf("%s: model has %d features but schema lists %d", name, m.Forest.NFeatures, len(m.Schema.Features))
		}
		return nil
	}

	if err := check(ForecastModelName, b.Forecast, ml.KindRegressor); err != nil {
		return err
	}
	if err := check(MaintenanceModelName, b.Maintenance, ml.KindClassifier); err != nil {
		return err
	}
	if s := b.ForecastScaler; s != nil {
		if s.Scaler == nil {
			return fmt.Errorf("%s: no scaler", ForecastScalerName)
		}
		if err := s.Scaler.Validate(); err != nil {
			return fmt.Errorf("%s: %w", ForecastScalerName, err)
		}
		if !s.Schema.Equal(b.Forecast.Schema) {
			return &models.FeatureSchemaMismatchError{Model: "forecast scaler", Want: b.Forecast.Schema.Features, Got: s.Schema.Features}
		}
		if len(s.Scaler.Mean) != len(s.Schema.Features) {
			return fmt.Errorf("%s: scaler has %d columns but schema lists %d", ForecastScalerName, len(s.Scaler.Mean), len(s.Schema.Features))
		}
	}
	return nil
}
