// Package trainer fits the energy forecast and maintenance models from a
// historical dataset and persists them as one artifact bundle.
package trainer

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/labels"
	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/ml"
	"microgrid-analytics/internal/models"
)

// MinTrainingRows is the fewest usable rows either model accepts.
const MinTrainingRows = 10

// Options tune a training run. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	Seed         int64
	TestFraction float64
	Trees        int
	MinRows      int
	Workers      int
	// ScaleForecast standardizes forecast features before fitting.
	ScaleForecast bool
}

func DefaultOptions() Options {
	return Options{
		Seed:          42,
		TestFraction:  0.2,
		Trees:         100,
		MinRows:       MinTrainingRows,
		ScaleForecast: true,
	}
}

// ForecastReport summarizes the energy forecast fit.
type ForecastReport struct {
	UsableRows  int     `json:"usable_rows"`
	DroppedRows int     `json:"dropped_rows"`
	TrainRows   int     `json:"train_rows"`
	TestRows    int     `json:"test_rows"`
	MAE         float64 `json:"mae"`
	R2          float64 `json:"r2"`
}

// MaintenanceReport summarizes the maintenance classifier fit.
type MaintenanceReport struct {
	UsableRows   int     `json:"usable_rows"`
	DroppedRows  int     `json:"dropped_rows"`
	TrainRows    int     `json:"train_rows"`
	TestRows     int     `json:"test_rows"`
	Accuracy     float64 `json:"accuracy"`
	Positives    int     `json:"positives"`
	Negatives    int     `json:"negatives"`
	PositiveRate float64 `json:"positive_rate"`
}

// Report is returned by a successful Train.
type Report struct {
	InputRows   int               `json:"input_rows"`
	InvalidRows int               `json:"invalid_rows"`
	Forecast    ForecastReport    `json:"forecast"`
	Maintenance MaintenanceReport `json:"maintenance"`
	Location    string            `json:"location"`
	TrainedAt   time.Time         `json:"trained_at"`
	Duration    time.Duration     `json:"duration"`
}

// Trainer fits and stores both models.
type Trainer struct {
	store artifact.Store
	opts  Options
	log   log.Logger
	now   func() time.Time
}

// Option configures a Trainer.
type Option func(*Trainer)

func WithLogger(l log.Logger) Option { return func(t *Trainer) { t.log = l } }

func WithClock(now func() time.Time) Option { return func(t *Trainer) { t.now = now } }

func New(store artifact.Store, opts Options, options ...Option) *Trainer {
	t := &Trainer{store: store, opts: opts, log: log.WithName("trainer"), now: time.Now}
	for _, o := range options {
		o(t)
	}
	return t
}

// Train fits both models on rows and writes the artifacts once both fits
// succeeded. Rows failing domain validation are skipped and counted.
func (t *Trainer) Train(ctx context.Context, rows []models.Observation) (*Report, error) {
	started := t.now()
	bundle, report, err := t.Fit(rows)
	if err != nil {
		return nil, err
	}
	if err := artifact.Save(ctx, t.store, bundle); err != nil {
		return nil, fmt.Errorf("save artifacts: %w", err)
	}

	report.Location = t.store.Location()
	report.Duration = t.now().Sub(started)
	t.log.Info("Training complete",
		"location", report.Location,
		"forecast_mae", report.Forecast.MAE,
		"forecast_r2", report.Forecast.R2,
		"maintenance_accuracy", report.Maintenance.Accuracy,
		"duration", report.Duration)
	return report, nil
}

// Fit trains both models on rows and returns them without storing anything.
func (t *Trainer) Fit(rows []models.Observation) (*artifact.Bundle, *Report, error) {
	report := &Report{InputRows: len(rows), TrainedAt: t.now().UTC()}

	valid := make([]models.Observation, 0, len(rows))
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			report.InvalidRows++
			t.log.Debug("Skipping invalid row", "row", i, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	if report.InvalidRows > 0 {
		t.log.Warn("Skipped rows outside the sensor domain", "count", report.InvalidRows)
	}
	slices.SortStableFunc(valid, func(a, b models.Observation) int { return a.Timestamp.Compare(b.Timestamp) })

	var (
		forecast    *artifact.Model
		scaler      *artifact.Scaler
		maintenance *artifact.Model
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		forecast, scaler, err = t.fitForecast(valid, &report.Forecast)
		return err
	})
	g.Go(func() error {
		var err error
		maintenance, err = t.fitMaintenance(valid, &report.Maintenance)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for _, m := range []*artifact.Model{forecast, maintenance} {
		m.TrainedAt = report.TrainedAt
	}
	return &artifact.Bundle{Forecast: forecast, ForecastScaler: scaler, Maintenance: maintenance}, report, nil
}

func (t *Trainer) fitForecast(rows []models.Observation, rep *ForecastReport) (*artifact.Model, *artifact.Scaler, error) {
	schema := features.ForecastSchema
	vecs, err := features.Transform(rows, schema)
	if err != nil {
		return nil, nil, err
	}

	var X [][]float64
	var y []float64
	for i, v := range vecs {
		target, ok := rows[i].Energy.Get()
		if !v.Complete() || !ok {
			continue
		}
		X = append(X, v.Values)
		y = append(y, target)
	}
	rep.UsableRows = len(X)
	rep.DroppedRows = len(rows) - len(X)
	if len(X) < t.minRows() {
		return nil, nil, &models.InsufficientDataError{Model: schema.Name, Usable: len(X), Required: t.minRows()}
	}

	trainIdx, testIdx := ml.TrainTestSplit(len(X), t.opts.TestFraction, t.opts.Seed)
	Xtr, ytr := ml.Take(X, y, trainIdx)
	Xte, yte := ml.Take(X, y, testIdx)
	rep.TrainRows, rep.TestRows = len(Xtr), len(Xte)

	var scaler *artifact.Scaler
	if t.opts.ScaleForecast {
		s, err := ml.FitStandardScaler(Xtr)
		if err != nil {
			return nil, nil, err
		}
		if Xtr, err = s.TransformBatch(Xtr); err != nil {
			return nil, nil, err
		}
		if Xte, err = s.TransformBatch(Xte); err != nil {
			return nil, nil, err
		}
		scaler = &artifact.Scaler{FormatVersion: artifact.FormatVersion, Schema: schema, Scaler: s}
	}

	forest := ml.NewRegressor(t.params(ml.RegressorParams(t.opts.Seed)))
	if err := forest.Fit(Xtr, ytr); err != nil {
		return nil, nil, fmt.Errorf("fit forecast model: %w", err)
	}
	pred, err := forest.PredictBatch(Xte)
	if err != nil {
		return nil, nil, err
	}
	rep.MAE = finite(ml.MeanAbsoluteError(yte, pred))
	rep.R2 = finite(ml.R2(yte, pred))
	t.log.Info("Forecast model fitted", "train_rows", rep.TrainRows, "test_rows", rep.TestRows, "mae", rep.MAE, "r2", rep.R2)

	return &artifact.Model{
		FormatVersion: artifact.FormatVersion,
		Schema:        schema,
		Target:        "Energy",
		Scaled:        scaler != nil,
		Forest:        forest,
		Metrics:       map[string]float64{"mae": rep.MAE, "r2": rep.R2},
		TrainRows:     rep.TrainRows,
		TestRows:      rep.TestRows,
	}, scaler, nil
}

func (t *Trainer) fitMaintenance(rows []models.Observation, rep *MaintenanceReport) (*artifact.Model, error) {
	schema := features.MaintenanceSchema
	vecs, err := features.Transform(rows, schema)
	if err != nil {
		return nil, err
	}

	var X [][]float64
	var y []float64
	for i, v := range vecs {
		if !v.Complete() {
			continue
		}
		label, err := labels.Synthesize(v, rows[i].SensorReading)
		if err != nil {
			return nil, err
		}
		X = append(X, v.Values)
		if label {
			y = append(y, 1)
			rep.Positives++
		} else {
			y = append(y, 0)
			rep.Negatives++
		}
	}
	rep.UsableRows = len(X)
	rep.DroppedRows = len(rows) - len(X)
	if len(X) < t.minRows() {
		return nil, &models.InsufficientDataError{Model: schema.Name, Usable: len(X), Required: t.minRows()}
	}
	rep.PositiveRate = ml.PositiveRate(y)
	if rep.Positives == 0 || rep.Negatives == 0 {
		t.log.Warn("Maintenance labels contain a single class", "positives", rep.Positives, "negatives", rep.Negatives)
	}

	trainIdx, testIdx := ml.TrainTestSplit(len(X), t.opts.TestFraction, t.opts.Seed)
	Xtr, ytr := ml.Take(X, y, trainIdx)
	Xte, yte := ml.Take(X, y, testIdx)
	rep.TrainRows, rep.TestRows = len(Xtr), len(Xte)

	forest := ml.NewClassifier(t.params(ml.ClassifierParams(t.opts.Seed)))
	if err := forest.Fit(Xtr, ytr); err != nil {
		return nil, fmt.Errorf("fit maintenance model: %w", err)
	}
	proba, err := forest.PredictBatch(Xte)
	if err != nil {
		return nil, err
	}
	rep.Accuracy = finite(ml.Accuracy(yte, proba))
	t.log.Info("Maintenance model fitted", "train_rows", rep.TrainRows, "test_rows", rep.TestRows,
		"accuracy", rep.Accuracy, "positive_rate", rep.PositiveRate)

	return &artifact.Model{
		FormatVersion: artifact.FormatVersion,
		Schema:        schema,
		Target:        "needs_maintenance",
		Forest:        forest,
		Metrics:       map[string]float64{"accuracy": rep.Accuracy, "positive_rate": rep.PositiveRate},
		TrainRows:     rep.TrainRows,
		TestRows:      rep.TestRows,
	}, nil
}

func (t *Trainer) params(p ml.Params) ml.Params {
	if t.opts.Trees > 0 {
		p.Trees = t.opts.Trees
	}
	p.Workers = t.opts.Workers
	return p
}

func (t *Trainer) minRows() int {
	return cmp.Or(t.opts.MinRows, MinTrainingRows)
}

// finite maps NaN and infinities to 0 so metrics stay JSON-encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
