package features

import (
	"fmt"
	"slices"

	"microgrid-analytics/internal/models"
)

// Schema is the frozen, ordered list of features a model was trained on.
// Artifacts store their schema and inference refuses any other.
type Schema struct {
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Features []string `json:"features"`
}

var (
	// ForecastSchema feeds the energy forecast regressor.
	ForecastSchema = Schema{
		Name:    "forecast",
		Version: 1,
		Features: []string{
			"Voltage", "Current", "PowerFactor", "Frequency", "BoxTemperature",
			"solarVoltage", "solarCurrent", "solarPower",
			"batteryPercentage", "batteryVoltage", "lightIntensity",
			"Temperature", "CloudPercent", "WindSpeed", "RainInMM",
			"hour", "day_of_week", "month", "is_weekend",
			"power_rolling_mean", "voltage_rolling_mean",
			"solar_efficiency", "weather_score",
		},
	}

	// MaintenanceSchema feeds the maintenance classifier.
	MaintenanceSchema = Schema{
		Name:    "maintenance",
		Version: 1,
		Features: []string{
			"Voltage", "Current", "Power", "PowerFactor", "Frequency",
			"BoxTemperature", "batteryPercentage",
			"power_efficiency", "temp_differential",
			"voltage_rolling_mean", "hour",
		},
	}
)

// Equal reports whether s and o describe the same ordered feature set.
func (s Schema) Equal(o Schema) bool {
	return s.Name == o.Name && s.Version == o.Version && slices.Equal(s.Features, o.Features)
}

// Index returns the position of feature name, or -1.
func (s Schema) Index(name string) int {
	return slices.Index(s.Features, name)
}

// Validate checks that every feature has a registered extractor.
func (s Schema) Validate() error {
	var unknown []string
	for _, f := range s.Features {
		if _, ok := registry[f]; !ok {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return &models.SchemaError{Context: fmt.Sprintf("feature schema %s", s.Name), Missing: unknown}
	}
	return nil
}

func (s Schema) String() string {
	return fmt.Sprintf("%s/v%d(%d features)", s.Name, s.Version, len(s.Features))
}
