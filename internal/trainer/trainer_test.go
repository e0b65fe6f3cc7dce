package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/models"
	"microgrid-analytics/internal/parser"
	"microgrid-analytics/internal/simulate"
)

var fixedClock = func() time.Time { return time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC) }

func testOptions() Options {
	o := DefaultOptions()
	o.Trees = 25
	return o
}

func TestTrain(t *testing.T) {
	dir := t.TempDir()
	rows := simulate.Generate(simulate.DefaultOptions())
	tr := New(artifact.NewFileStore(dir), testOptions(), WithClock(fixedClock))

	rep, err := tr.Train(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, len(rows), rep.InputRows)
	assert.Zero(t, rep.InvalidRows)
	assert.Equal(t, len(rows)-3, rep.Forecast.UsableRows, "first rows lack a full rolling window")
	assert.Equal(t, 3, rep.Forecast.DroppedRows)
	assert.Equal(t, rep.Forecast.UsableRows, rep.Forecast.TrainRows+rep.Forecast.TestRows)
	assert.Greater(t, rep.Forecast.R2, 0.8)

	assert.Greater(t, rep.Maintenance.Accuracy, 0.85)
	assert.Positive(t, rep.Maintenance.Positives)
	assert.Positive(t, rep.Maintenance.Negatives)
	assert.Equal(t, dir, rep.Location)
	assert.Equal(t, fixedClock(), rep.TrainedAt)

	b, err := artifact.Load(context.Background(), artifact.NewFileStore(dir))
	require.NoError(t, err)
	assert.True(t, b.Forecast.Scaled)
	assert.Len(t, b.Forecast.Forest.Trees, 25)
	assert.Equal(t, rep.Forecast.TestRows, b.Forecast.TestRows)
}

func TestTrainDeterministic(t *testing.T) {
	rows := simulate.Generate(simulate.DefaultOptions())
	dirA, dirB := t.TempDir(), t.TempDir()

	opts := testOptions()
	opts.Workers = 1
	_, err := New(artifact.NewFileStore(dirA), opts, WithClock(fixedClock)).Train(context.Background(), rows)
	require.NoError(t, err)

	opts.Workers = 6
	_, err = New(artifact.NewFileStore(dirB), opts, WithClock(fixedClock)).Train(context.Background(), rows)
	require.NoError(t, err)

	for _, name := range []string{artifact.ForecastModelName, artifact.ForecastScalerName, artifact.MaintenanceModelName} {
		a, err := os.ReadFile(filepath.Join(dirA, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(dirB, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestTrainInsufficientData(t *testing.T) {
	empty, err := parser.NewParser("csv").Parse(strings.NewReader(""))
	require.NoError(t, err)

	tests := []struct {
		name   string
		rows   []models.Observation
		usable int
	}{
		{"zero rows", nil, 0},
		{"empty csv file", empty, 0},
		{"rolling window eats the first rows", simulate.Generate(simulate.Options{Rows: 12, Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Seed: 1}), 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := New(artifact.NewFileStore(dir), testOptions()).Train(context.Background(), tt.rows)

			var ie *models.InsufficientDataError
			require.True(t, errors.As(err, &ie), "got %v", err)
			assert.Equal(t, tt.usable, ie.Usable)
			assert.Equal(t, MinTrainingRows, ie.Required)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing persisted")
		})
	}
}

func TestTrainSkipsInvalidRows(t *testing.T) {
	rows := simulate.Generate(simulate.DefaultOptions())
	for i := 50; i < 55; i++ {
		rows[i].BatteryPercentage = models.Some(150)
	}
	rows[60].CloudPercent = models.Some(-3)

	rep, err := New(artifact.NewFileStore(t.TempDir()), testOptions()).Train(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.InvalidRows)
	assert.Equal(t, len(rows)-6-3, rep.Forecast.UsableRows)
}

func TestTrainSortsRows(t *testing.T) {
	rows := simulate.Generate(simulate.DefaultOptions())
	reversed := make([]models.Observation, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}

	dirA, dirB := t.TempDir(), t.TempDir()
	_, err := New(artifact.NewFileStore(dirA), testOptions(), WithClock(fixedClock)).Train(context.Background(), rows)
	require.NoError(t, err)
	_, err = New(artifact.NewFileStore(dirB), testOptions(), WithClock(fixedClock)).Train(context.Background(), reversed)
	require.NoError(t, err)

	a, _ := os.ReadFile(filepath.Join(dirA, artifact.MaintenanceModelName))
	b, _ := os.ReadFile(filepath.Join(dirB, artifact.MaintenanceModelName))
	assert.Equal(t, a, b)
}
