package models

import (
	"fmt"
	"time"
)

// SensorReading is one snapshot from the microgrid controller.
// JSON names follow the controller firmware payload.
type SensorReading struct {
	Timestamp time.Time `json:"timestamp,omitzero"`
	DeviceID  string    `json:"device_id,omitempty"`

	Voltage        Measurement `json:"Voltage,omitzero"`        // V (AC)
	Current        Measurement `json:"Current,omitzero"`        // A
	Power          Measurement `json:"Power,omitzero"`          // W
	PowerFactor    Measurement `json:"PowerFactor,omitzero"`    // -1..1
	Frequency      Measurement `json:"Frequency,omitzero"`      // Hz
	Energy         Measurement `json:"Energy,omitzero"`         // kWh over the reporting interval
	BoxTemperature Measurement `json:"BoxTemperature,omitzero"` // enclosure, Celsius

	SolarVoltage Measurement `json:"solarVoltage,omitzero"`
	SolarCurrent Measurement `json:"solarCurrent,omitzero"`
	SolarPower   Measurement `json:"solarPower,omitzero"`

	BatteryPercentage Measurement `json:"batteryPercentage,omitzero"`
	BatteryVoltage    Measurement `json:"batteryVoltage,omitzero"`

	LightIntensity Measurement `json:"lightIntensity,omitzero"` // lux
}

// WeatherSample is the most recent forecast hour for the site.
type WeatherSample struct {
	Temperature  Measurement `json:"Temperature,omitzero"`  // ambient, Celsius
	CloudPercent Measurement `json:"CloudPercent,omitzero"` // 0..100
	WindSpeed    Measurement `json:"WindSpeed,omitzero"`    // m/s
	RainInMM     Measurement `json:"RainInMM,omitzero"`     // mm

	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	ValidAt   time.Time `json:"weather_time,omitzero"`
}

// Observation pairs a reading with the weather valid at capture time.
// It is one dataset row or one live inference call.
type Observation struct {
	SensorReading
	WeatherSample
}

// Assessment is the maintenance part of an inference result.
type Assessment struct {
	NeedsMaintenance bool     `json:"needs_maintenance"`
	Probability      float64  `json:"probability"`
	Alerts           []string `json:"alerts"`
}

// InferenceResult is returned for every live reading.
type InferenceResult struct {
	Timestamp   time.Time  `json:"timestamp"`
	Forecast    float64    `json:"forecast"`
	Maintenance Assessment `json:"maintenance"`
	// Fallbacks lists features computed with the single-row fallback policy.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// PredictionRecord is a stored inference result.
type PredictionRecord struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"device_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Forecast         float64   `json:"forecast"`
	Probability      float64   `json:"probability"`
	NeedsMaintenance bool      `json:"needs_maintenance"`
	Alerts           []string  `json:"alerts"`
	CreatedAt        time.Time `json:"created_at"`
}

// Empty reports whether no sensor field is present.
func (r SensorReading) Empty() bool {
	for _, f := range r.fields() {
		if f.m.Valid {
			return false
		}
	}
	return true
}

type namedMeasurement struct {
	name     string
	m        Measurement
	min, max float64
	bounded  bool
	nonNeg   bool
}

func (r SensorReading) fields() []namedMeasurement {
	return []namedMeasurement{
		{name: "Voltage", m: r.Voltage, nonNeg: true},
		{name: "Current", m: r.Current, nonNeg: true},
		{name: "Power", m: r.Power},
		{name: "PowerFactor", m: r.PowerFactor, min: -1, max: 1, bounded: true},
		{name: "Frequency", m: r.Frequency, nonNeg: true},
		{name: "Energy", m: r.Energy},
		{name: "BoxTemperature", m: r.BoxTemperature},
		{name: "solarVoltage", m: r.SolarVoltage, nonNeg: true},
		{name: "solarCurrent", m: r.SolarCurrent, nonNeg: true},
		{name: "solarPower", m: r.SolarPower},
		{name: "batteryPercentage", m: r.BatteryPercentage, min: 0, max: 100, bounded: true},
		{name: "batteryVoltage", m: r.BatteryVoltage, nonNeg: true},
		{name: "lightIntensity", m: r.LightIntensity, nonNeg: true},
	}
}

func (w WeatherSample) fields() []namedMeasurement {
	return []namedMeasurement{
		{name: "Temperature", m: w.Temperature},
		{name: "CloudPercent", m: w.CloudPercent, min: 0, max: 100, bounded: true},
		{name: "WindSpeed", m: w.WindSpeed, nonNeg: true},
		{name: "RainInMM", m: w.RainInMM, nonNeg: true},
	}
}

// Validate checks every present value for finiteness and domain.
func (r SensorReading) Validate() error {
	return validateFields(r.fields())
}

// Validate checks every present value for finiteness and domain.
func (w WeatherSample) Validate() error {
	return validateFields(w.fields())
}

// Validate checks both the reading and the weather sample.
func (o Observation) Validate() error {
	if err := o.SensorReading.Validate(); err != nil {
		return err
	}
	return o.WeatherSample.Validate()
}

func validateFields(fields []namedMeasurement) error {
	for _, f := range fields {
		if !f.m.Valid {
			continue
		}
		if !f.m.Finite() {
			return &InvalidInputError{Field: f.name, Reason: "value is not a finite number"}
		}
		if f.nonNeg && f.m.Value < 0 {
			return &InvalidInputError{Field: f.name, Reason: fmt.Sprintf("%g must not be negative", f.m.Value)}
		}
		if f.bounded && (f.m.Value < f.min || f.m.Value > f.max) {
			return &InvalidInputError{Field: f.name, Reason: fmt.Sprintf("%g outside [%g, %g]", f.m.Value, f.min, f.max)}
		}
	}
	return nil
}

// Stats summarizes what the store has recorded.
type Stats struct {
	Readings         int64     `json:"readings"`
	Devices          int64     `json:"devices"`
	WeatherSamples   int64     `json:"weather_samples"`
	Predictions      int64     `json:"predictions"`
	MaintenanceFlags int64     `json:"maintenance_flags"`
	AlertedReadings  int64     `json:"alerted_readings"`
	AvgForecast      float64   `json:"avg_forecast"`
	LastReadingAt    time.Time `json:"last_reading_at,omitzero"`
}
