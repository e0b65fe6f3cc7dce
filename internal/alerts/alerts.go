// Package alerts explains a maintenance probability in terms of the rule
// breaches visible in the reading itself.
package alerts

import (
	"fmt"

	"microgrid-analytics/internal/labels"
	"microgrid-analytics/internal/models"
)

// DecisionThreshold is the probability at or above which maintenance is flagged.
const DecisionThreshold = 0.7

// Decide applies DecisionThreshold.
func Decide(probability float64) bool {
	return probability >= DecisionThreshold
}

// Generate evaluates the maintenance rules against r and returns one message
// per breach, in rule order, alongside the classifier probability. Alerts do
// not depend on the probability and the two may disagree.
func Generate(r models.SensorReading, probability float64) models.Assessment {
	in := labels.InputsFromReading(r)
	f := labels.Evaluate(in)

	alerts := []string{}
	if f.LowEfficiency {
		alerts = append(alerts, fmt.Sprintf("Low power efficiency: %.2f (minimum %.2f)", in.Efficiency.Value, labels.MinEfficiency))
	}
	if f.VoltageDeviation {
		alerts = append(alerts, fmt.Sprintf("Voltage deviation: %.2f V (nominal %.0f V ±%.0f V)", in.Voltage.Value, labels.NominalVoltage, labels.VoltageTolerance))
	}
	if f.Overheating {
		alerts = append(alerts, fmt.Sprintf("Overheating: box temperature %.1f °C (limit %.0f °C)", in.BoxTemperature.Value, labels.MaxBoxTemperature))
	}
	if f.LowBattery {
		alerts = append(alerts, fmt.Sprintf("Low battery: %.2f%% (minimum %.0f%%)", in.BatteryPercentage.Value, labels.MinBatteryPercent))
	}

	return models.Assessment{
		NeedsMaintenance: Decide(probability),
		Probability:      probability,
		Alerts:           alerts,
	}
}
