// Package labels holds the maintenance rules. The trainer uses them to
// synthesize the classifier target and the alert generator uses the same
// Evaluate call to explain live predictions.
package labels

import (
	"math"

	"microgrid-analytics/internal/features"
	"microgrid-analytics/internal/models"
)

const (
	MinEfficiency     = 0.8
	NominalVoltage    = 230.0
	VoltageTolerance  = 20.0
	MaxBoxTemperature = 45.0
	MinBatteryPercent = 20.0
)

// Inputs are the values the rules look at. An absent input makes its rule false.
type Inputs struct {
	Efficiency        models.Measurement
	Voltage           models.Measurement
	BoxTemperature    models.Measurement
	BatteryPercentage models.Measurement
}

// Findings records which rules fired.
type Findings struct {
	LowEfficiency    bool
	VoltageDeviation bool
	Overheating      bool
	LowBattery       bool
}

// Any reports whether at least one rule fired.
func (f Findings) Any() bool {
	return f.LowEfficiency || f.VoltageDeviation || f.Overheating || f.LowBattery
}

// InputsFromReading derives Inputs from a raw reading.
func InputsFromReading(r models.SensorReading) Inputs {
	return Inputs{
		Efficiency:        features.PowerEfficiency(r),
		Voltage:           r.Voltage,
		BoxTemperature:    r.BoxTemperature,
		BatteryPercentage: r.BatteryPercentage,
	}
}

// Evaluate applies the four rules independently.
func Evaluate(in Inputs) Findings {
	var f Findings
	if e, ok := in.Efficiency.Get(); ok {
		f.LowEfficiency = e < MinEfficiency
	}
	if v, ok := in.Voltage.Get(); ok {
		f.VoltageDeviation = math.Abs(v-NominalVoltage) > VoltageTolerance
	}
	if t, ok := in.BoxTemperature.Get(); ok {
		f.Overheating = t > MaxBoxTemperature
	}
	if b, ok := in.BatteryPercentage.Get(); ok {
		f.LowBattery = b < MinBatteryPercent
	}
	return f
}

// Synthesize returns the maintenance label for one training row. Efficiency
// comes from the maintenance vector, the other inputs from the reading.
func Synthesize(vec features.Vector, r models.SensorReading) (bool, error) {
	idx := vec.Schema.Index("power_efficiency")
	if idx < 0 {
		return false, &models.SchemaError{
			Context: "label synthesis on " + vec.Schema.Name + " vector",
			Missing: []string{"power_efficiency"},
		}
	}

	in := Inputs{
		Voltage:           r.Voltage,
		BoxTemperature:    r.BoxTemperature,
		BatteryPercentage: r.BatteryPercentage,
	}
	if vec.Valid[idx] {
		in.Efficiency = models.Some(vec.Values[idx])
	}
	return Evaluate(in).Any(), nil
}
