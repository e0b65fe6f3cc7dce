// Package forwarder republishes enriched readings for dashboards.
package forwarder

import (
	"context"
	"encoding/json"
	"strings"

	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/metrics"
	"microgrid-analytics/internal/models"
)

// DefaultTopic is used when no forward topic is configured.
const DefaultTopic = "microgrid/{device_id}/enriched"

const unknownDevice = "unknown"

// Publisher delivers an encoded payload. *mqtt.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte) error { return nil }

// Payload is one enriched reading. Reading and weather fields that were
// not measured are dropped on encode, as are the prediction fields when no
// models were loaded.
type Payload struct {
	models.SensorReading
	models.WeatherSample

	Forecast         *float64 `json:"forecast,omitempty"`
	NeedsMaintenance *bool    `json:"needs_maintenance,omitempty"`
	Probability      *float64 `json:"maintenance_probability,omitempty"`
	Alerts           []string `json:"alerts,omitempty"`
}

// NewPayload builds the payload for obs. result may be nil.
func NewPayload(obs models.Observation, result *models.InferenceResult) Payload {
	p := Payload{SensorReading: obs.SensorReading, WeatherSample: obs.WeatherSample}
	if result == nil {
		return p
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = result.Timestamp
	}
	forecast := result.Forecast
	needs := result.Maintenance.NeedsMaintenance
	proba := result.Maintenance.Probability
	p.Forecast = &forecast
	p.NeedsMaintenance = &needs
	p.Probability = &proba
	p.Alerts = result.Maintenance.Alerts
	return p
}

// Encode serializes the payload.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Forwarder publishes payloads to a per-device topic.
type Forwarder struct {
	pub   Publisher
	topic string
	log   log.Logger
}

// New returns a forwarder publishing to topic, where {device_id} is
// replaced by the reading's device.
func New(pub Publisher, topic string) *Forwarder {
	if pub == nil {
		pub = Discard{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Forwarder{pub: pub, topic: topic, log: log.WithName("forwarder")}
}

// Topic returns the topic used for deviceID.
func (f *Forwarder) Topic(deviceID string) string {
	if deviceID == "" {
		deviceID = unknownDevice
	}
	return strings.ReplaceAll(f.topic, "{device_id}", deviceID)
}

// Forward encodes and publishes p.
func (f *Forwarder) Forward(ctx context.Context, p Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	topic := f.Topic(p.DeviceID)
	if err := f.pub.Publish(ctx, topic, data); err != nil {
		metrics.ForwardedMessages.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ForwardedMessages.WithLabelValues("success").Inc()
	f.log.Debug("Forwarded payload", "topic", topic, "bytes", len(data))
	return nil
}
