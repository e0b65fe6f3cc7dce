package features

import (
	"time"

	"microgrid-analytics/internal/models"
)

// efficiencyEpsilon keeps ratios finite when the denominator is zero.
const efficiencyEpsilon = 0.001

// RollingWindow is the number of rows, current included, in a rolling mean.
const RollingWindow = 4

// HistoryWindow bounds how far back a prior reading may sit and still count
// towards a rolling mean. Training and inference both use it.
const HistoryWindow = 90 * time.Minute

// row carries one observation and its precomputed sequence features.
type row struct {
	obs         models.Observation
	powerMean   models.Measurement
	voltageMean models.Measurement
}

type extractor func(r *row) models.Measurement

var registry = map[string]extractor{
	"Voltage":           func(r *row) models.Measurement { return r.obs.Voltage },
	"Current":           func(r *row) models.Measurement { return r.obs.Current },
	"Power":             func(r *row) models.Measurement { return r.obs.Power },
	"PowerFactor":       func(r *row) models.Measurement { return r.obs.PowerFactor },
	"Frequency":         func(r *row) models.Measurement { return r.obs.Frequency },
	"BoxTemperature":    func(r *row) models.Measurement { return r.obs.BoxTemperature },
	"solarVoltage":      func(r *row) models.Measurement { return r.obs.SolarVoltage },
	"solarCurrent":      func(r *row) models.Measurement { return r.obs.SolarCurrent },
	"solarPower":        func(r *row) models.Measurement { return r.obs.SolarPower },
	"batteryPercentage": func(r *row) models.Measurement { return r.obs.BatteryPercentage },
	"batteryVoltage":    func(r *row) models.Measurement { return r.obs.BatteryVoltage },
	"lightIntensity":    func(r *row) models.Measurement { return r.obs.LightIntensity },

	"Temperature":  func(r *row) models.Measurement { return r.obs.Temperature },
	"CloudPercent": func(r *row) models.Measurement { return r.obs.CloudPercent },
	"WindSpeed":    func(r *row) models.Measurement { return r.obs.WindSpeed },
	"RainInMM":     func(r *row) models.Measurement { return r.obs.RainInMM },

	"hour":        calendar(func(t time.Time) float64 { return float64(t.Hour()) }),
	"day_of_week": calendar(func(t time.Time) float64 { return float64(DayOfWeek(t)) }),
	"month":       calendar(func(t time.Time) float64 { return float64(t.Month()) }),
	"is_weekend": calendar(func(t time.Time) float64 {
		if DayOfWeek(t) >= 5 {
			return 1
		}
		return 0
	}),

	"power_rolling_mean":   func(r *row) models.Measurement { return r.powerMean },
	"voltage_rolling_mean": func(r *row) models.Measurement { return r.voltageMean },

	"power_efficiency":  func(r *row) models.Measurement { return PowerEfficiency(r.obs.SensorReading) },
	"solar_efficiency":  func(r *row) models.Measurement { return SolarEfficiency(r.obs.SensorReading) },
	"weather_score":     func(r *row) models.Measurement { return WeatherScore(r.obs.WeatherSample) },
	"temp_differential": func(r *row) models.Measurement { return TempDifferential(r.obs) },
}

func calendar(f func(time.Time) float64) extractor {
	return func(r *row) models.Measurement {
		if r.obs.Timestamp.IsZero() {
			return models.None()
		}
		return models.Some(f(r.obs.Timestamp))
	}
}

// DayOfWeek numbers days Monday=0 through Sunday=6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// PowerEfficiency is Power / (Voltage*Current + 0.001).
func PowerEfficiency(r models.SensorReading) models.Measurement {
	p, ok1 := r.Power.Get()
	v, ok2 := r.Voltage.Get()
	i, ok3 := r.Current.Get()
	if !ok1 || !ok2 || !ok3 {
		return models.None()
	}
	return models.Some(p / (v*i + efficiencyEpsilon))
}

// SolarEfficiency is solarPower / (lightIntensity + 1).
func SolarEfficiency(r models.SensorReading) models.Measurement {
	p, ok1 := r.SolarPower.Get()
	lux, ok2 := r.LightIntensity.Get()
	if !ok1 || !ok2 {
		return models.None()
	}
	return models.Some(p / (lux + 1))
}

// WeatherScore is (100 - cloud%) * (1 - rain/10). It is deliberately left
// unclamped, so heavy rain yields negative scores.
func WeatherScore(w models.WeatherSample) models.Measurement {
	cloud, ok1 := w.CloudPercent.Get()
	rain, ok2 := w.RainInMM.Get()
	if !ok1 || !ok2 {
		return models.None()
	}
	return models.Some((100 - cloud) * (1 - rain/10))
}

// TempDifferential is enclosure temperature minus ambient temperature.
func TempDifferential(o models.Observation) models.Measurement {
	box, ok1 := o.BoxTemperature.Get()
	amb, ok2 := o.Temperature.Get()
	if !ok1 || !ok2 {
		return models.None()
	}
	return models.Some(box - amb)
}
