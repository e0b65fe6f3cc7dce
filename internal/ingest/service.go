// Package ingest accepts live readings, scores them and records the outcome.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"microgrid-analytics/internal/db"
	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/forwarder"
	"microgrid-analytics/internal/inference"
	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/metrics"
	"microgrid-analytics/internal/models"
	"microgrid-analytics/internal/mqtt"
)

// ErrModelsNotLoaded is returned while no trained models are served. The
// reading is still stored and forwarded.
var ErrModelsNotLoaded = &models.ArtifactNotFoundError{Name: "models", Location: "memory"}

// historyRows is the number of prior readings the rolling features use.
const historyRows = features.RollingWindow - 1

// Store is the persistence the service needs. *db.Database implements it.
type Store interface {
	InsertReading(ctx context.Context, r *models.SensorReading) (int64, error)
	RecentReadings(ctx context.Context, deviceID string, before, since time.Time, limit int) ([]models.SensorReading, error)
	InsertWeather(ctx context.Context, w *models.WeatherSample) error
	LatestWeather(ctx context.Context) (*models.WeatherSample, error)
	InsertPrediction(ctx context.Context, p *models.PredictionRecord) error
}

// Service runs the live path for readings arriving over HTTP or MQTT.
type Service struct {
	store     Store
	holder    *inference.Holder
	forwarder *forwarder.Forwarder
	window    time.Duration
	now       func() time.Time
	log       log.Logger
}

type Option func(*Service)

// WithForwarder publishes every handled reading through f.
func WithForwarder(f *forwarder.Forwarder) Option { return func(s *Service) { s.forwarder = f } }

// WithHistoryWindow bounds how far back stored readings are loaded.
func WithHistoryWindow(d time.Duration) Option { return func(s *Service) { s.window = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, holder *inference.Holder, opts ...Option) *Service {
	s := &Service{
		store:     store,
		holder:    holder,
		forwarder: forwarder.New(nil, ""),
		window:    inference.DefaultHistoryWindow,
		now:       time.Now,
		log:       log.WithName("ingest"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle validates obs, scores it against the device's recent history, and
// stores the reading with its prediction. Weather missing from obs is taken
// from the latest stored sample.
func (s *Service) Handle(ctx context.Context, source string, obs models.Observation) (*models.InferenceResult, error) {
	if obs.SensorReading.Empty() {
		metrics.InferenceErrors.WithLabelValues("invalid_input").Inc()
		return nil, &models.InvalidInputError{Reason: "reading carries no measurements"}
	}
	if err := obs.Validate(); err != nil {
		metrics.InferenceErrors.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.now().UTC()
	}
	if err := s.resolveWeather(ctx, &obs); err != nil {
		return nil, err
	}

	history, err := s.store.RecentReadings(ctx, obs.DeviceID, obs.Timestamp, obs.Timestamp.Add(-s.window), historyRows)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if _, err := s.store.InsertReading(ctx, &obs.SensorReading); err != nil {
		return nil, err
	}
	metrics.ReadingsIngested.WithLabelValues(source).Inc()

	result, inferErr := s.infer(obs, history)
	if inferErr == nil {
		rec := &models.PredictionRecord{
			ID:               uuid.NewString(),
			DeviceID:         obs.DeviceID,
			Timestamp:        result.Timestamp,
			Forecast:         result.Forecast,
			Probability:      result.Maintenance.Probability,
			NeedsMaintenance: result.Maintenance.NeedsMaintenance,
			Alerts:           result.Maintenance.Alerts,
			CreatedAt:        s.now().UTC(),
		}
		if err := s.store.InsertPrediction(ctx, rec); err != nil {
			return nil, err
		}
	}

	if err := s.forwarder.Forward(ctx, forwarder.NewPayload(obs, result)); err != nil {
		s.log.Error(err, "Forward failed", "device", obs.DeviceID)
	}
	if inferErr != nil {
		return nil, inferErr
	}

	s.log.Debug("Reading scored",
		"device", obs.DeviceID,
		"source", source,
		"forecast", result.Forecast,
		"probability", result.Maintenance.Probability,
		"alerts", len(result.Maintenance.Alerts))
	return result, nil
}

func (s *Service) infer(obs models.Observation, history []models.SensorReading) (*models.InferenceResult, error) {
	engine := s.holder.Engine()
	if engine == nil {
		metrics.InferenceErrors.WithLabelValues("not_loaded").Inc()
		return nil, ErrModelsNotLoaded
	}

	start := time.Now()
	result, err := engine.InferWithHistory(obs.SensorReading, obs.WeatherSample, history)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InferenceErrors.WithLabelValues(ErrorKind(err)).Inc()
		return nil, err
	}

	if result.Maintenance.NeedsMaintenance {
		metrics.MaintenanceFlags.Inc()
	}
	for _, a := range result.Maintenance.Alerts {
		kind, _, _ := strings.Cut(a, ":")
		metrics.Alerts.WithLabelValues(kind).Inc()
	}
	return result, nil
}

func (s *Service) resolveWeather(ctx context.Context, obs *models.Observation) error {
	if hasWeather(obs.WeatherSample) {
		return nil
	}
	w, err := s.store.LatestWeather(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load weather: %w", err)
	}
	obs.WeatherSample = *w
	return nil
}

func hasWeather(w models.WeatherSample) bool {
	return w.Temperature.Valid || w.CloudPercent.Valid || w.WindSpeed.Valid || w.RainInMM.Valid
}

// RecordWeather stores a weather sample used for later readings.
func (s *Service) RecordWeather(ctx context.Context, w models.WeatherSample) error {
	if !hasWeather(w) {
		return &models.InvalidInputError{Reason: "weather sample carries no measurements"}
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ValidAt.IsZero() {
		w.ValidAt = s.now().UTC()
	}
	return s.store.InsertWeather(ctx, &w)
}

// MessageHandler decodes controller JSON published on devices/{id}/telemetry.
func (s *Service) MessageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		var obs models.Observation
		if err := json.Unmarshal(payload, &obs); err != nil {
			s.log.Warn("Dropping undecodable message", "topic", topic, "error", err.Error())
			return
		}
		if obs.DeviceID == "" {
			obs.DeviceID = mqtt.DeviceIDFromTopic(topic)
		}
		if _, err := s.Handle(ctx, "mqtt", obs); err != nil {
			var notLoaded *models.ArtifactNotFoundError
			if errors.As(err, &notLoaded) {
				s.log.Debug("Reading stored without prediction", "device", obs.DeviceID)
				return
			}
			s.log.Error(err, "Handle message", "topic", topic)
		}
	}
}

// ErrorKind labels err for metrics and logs.
func ErrorKind(err error) string {
	var (
		invalid  *models.InvalidInputError
		schema   *models.SchemaError
		mismatch *models.FeatureSchemaMismatchError
		missing  *models.ArtifactNotFoundError
	)
	switch {
	case errors.As(err, &invalid):
		return "invalid_input"
	case errors.As(err, &schema):
		return "schema"
	case errors.As(err, &mismatch):
		return "schema_mismatch"
	case errors.As(err, &missing):
		return "not_loaded"
	default:
		return "internal"
	}
}
