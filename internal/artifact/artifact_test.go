package artifact

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/ml"
	"microgrid-analytics/internal/models"
)

func fitted(t *testing.T, schema features.Schema, classifier bool) *ml.Forest {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	nf := len(schema.Features)
	X := make([][]float64, 40)
	y := make([]float64, 40)
	for i := range X {
		X[i] = make([]float64, nf)
		for j := range X[i] {
			X[i][j] = rng.NormFloat64()
		}
		if X[i][0] > 0 {
			y[i] = 1
		}
	}
	var f *ml.Forest
	if classifier {
		f = ml.NewClassifier(ml.ClassifierParams(42))
	} else {
		f = ml.NewRegressor(ml.RegressorParams(42))
	}
	f.Params.Trees = 5
	require.NoError(t, f.Fit(X, y))
	return f
}

func bundle(t *testing.T) *Bundle {
	nf := len(features.ForecastSchema.Features)
	scale := make([]float64, nf)
	mean := make([]float64, nf)
	for i := range scale {
		scale[i] = 1 + float64(i)/10
		mean[i] = float64(i) * 1.1
	}
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	return &Bundle{
		Forecast: &Model{
			FormatVersion: FormatVersion,
			Schema:        features.ForecastSchema,
			Target:        "Energy",
			Scaled:        true,
			Forest:        fitted(t, features.ForecastSchema, false),
			Metrics:       map[string]float64{"mae": 0.12, "r2": 0.93},
			TrainRows:     32,
			TestRows:      8,
			TrainedAt:     now,
		},
		ForecastScaler: &Scaler{
			FormatVersion: FormatVersion,
			Schema:        features.ForecastSchema,
			Scaler:        &ml.StandardScaler{Mean: mean, Scale: scale},
		},
		Maintenance: &Model{
			FormatVersion: FormatVersion,
			Schema:        features.MaintenanceSchema,
			Target:        "needs_maintenance",
			Forest:        fitted(t, features.MaintenanceSchema, true),
			Metrics:       map[string]float64{"accuracy": 0.97},
			TrainRows:     32,
			TestRows:      8,
			TrainedAt:     now,
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	b := bundle(t)

	require.NoError(t, Save(ctx, store, b))
	for _, name := range []string{ForecastModelName, ForecastScalerName, MaintenanceModelName} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files left behind")

	got, err := Load(ctx, store)
	require.NoError(t, err)
	assert.True(t, got.Forecast.Schema.Equal(features.ForecastSchema))
	assert.Equal(t, b.Forecast.Metrics, got.Forecast.Metrics)
	assert.True(t, b.Forecast.TrainedAt.Equal(got.Forecast.TrainedAt))
	assert.Equal(t, b.ForecastScaler.Scaler, got.ForecastScaler.Scaler)

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 10; i++ {
		x := make([]float64, len(features.ForecastSchema.Features))
		for j := range x {
			x[j] = rng.NormFloat64() * 3
		}
		want, err := b.Forecast.Forest.Predict(x)
		require.NoError(t, err)
		have, err := got.Forecast.Forest.Predict(x)
		require.NoError(t, err)
		assert.Equal(t, math.Float64bits(want), math.Float64bits(have))
	}
}

func TestMaintenanceProbabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	b := bundle(t)

	require.NoError(t, Save(ctx, store, b))
	got, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ml.KindClassifier, got.Maintenance.Forest.Kind)
	assert.True(t, got.Maintenance.Schema.Equal(features.MaintenanceSchema))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		x := make([]float64, len(features.MaintenanceSchema.Features))
		for j := range x {
			x[j] = rng.NormFloat64() * 3
		}
		want, err := b.Maintenance.Forest.PredictProba(x)
		require.NoError(t, err)
		have, err := got.Maintenance.Forest.PredictProba(x)
		require.NoError(t, err)
		assert.Equal(t, math.Float64bits(want), math.Float64bits(have), "row %d", i)
	}
}

type recordingStore struct {
	*FileStore
	puts []string
}

func (s *recordingStore) Put(ctx context.Context, name string, data []byte) error {
	s.puts = append(s.puts, name)
	return s.FileStore.Put(ctx, name, data)
}

func TestSaveWritesForecastModelLast(t *testing.T) {
	ctx := context.Background()

	store := &recordingStore{FileStore: NewFileStore(t.TempDir())}
	require.NoError(t, Save(ctx, store, bundle(t)))
	assert.Equal(t, []string{ForecastScalerName, MaintenanceModelName, ForecastModelName}, store.puts)

	unscaled := bundle(t)
	unscaled.Forecast.Scaled = false
	unscaled.ForecastScaler = nil
	store = &recordingStore{FileStore: NewFileStore(t.TempDir())}
	require.NoError(t, Save(ctx, store, unscaled))
	assert.Equal(t, []string{MaintenanceModelName, ForecastModelName}, store.puts)
}

func TestLoadMissingArtifacts(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, NewFileStore(t.TempDir()))
	var nf *models.ArtifactNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, ForecastModelName, nf.Name)

	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, Save(ctx, store, bundle(t)))
	require.NoError(t, os.Remove(filepath.Join(dir, ForecastScalerName)))

	_, err = Load(ctx, store)
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, ForecastScalerName, nf.Name)
	assert.Equal(t, dir, nf.Location)
}

func TestUnscaledForecastNeedsNoScaler(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	b := bundle(t)
	b.Forecast.Scaled = false
	b.ForecastScaler = nil

	require.NoError(t, Save(ctx, store, b))
	got, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, got.ForecastScaler)
}

func TestLoadRejectsInconsistentBundle(t *testing.T) {
	ctx := context.Background()

	t.Run("scaler schema differs", func(t *testing.T) {
		store := NewFileStore(t.TempDir())
		b := bundle(t)
		b.ForecastScaler.Schema = features.Schema{Name: "forecast", Version: 2, Features: features.ForecastSchema.Features}
		require.NoError(t, Save(ctx, store, b))

		_, err := Load(ctx, store)
		var mm *models.FeatureSchemaMismatchError
		assert.True(t, errors.As(err, &mm))
	})

	t.Run("model kinds swapped", func(t *testing.T) {
		store := NewFileStore(t.TempDir())
		b := bundle(t)
		b.Maintenance.Forest = fitted(t, features.MaintenanceSchema, false)
		require.NoError(t, Save(ctx, store, b))

		_, err := Load(ctx, store)
		assert.ErrorContains(t, err, "want "+ml.KindClassifier)
	})

	t.Run("corrupt json", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileStore(dir)
		require.NoError(t, Save(ctx, store, bundle(t)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, MaintenanceModelName), []byte("{"), 0o644))

		_, err := Load(ctx, store)
		assert.ErrorContains(t, err, "decode "+MaintenanceModelName)
	})
}

func TestSaveRequiresScalerForScaledModel(t *testing.T) {
	b := bundle(t)
	b.ForecastScaler = nil
	assert.Error(t, Save(context.Background(), NewFileStore(t.TempDir()), b))
}

func TestFileStoreGetMissing(t *testing.T) {
	_, err := NewFileStore(t.TempDir()).Get(context.Background(), "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
}
