// Package features turns observations into model input vectors. Training and
// live inference share the same extractors so a model never sees a feature
// computed two different ways.
package features

import (
	"microgrid-analytics/internal/models"
)

// Transform builds one vector per row, index-aligned with rows. rows must be
// in timestamp order. The rolling features look back over the preceding rows
// of the same device, and only over those within HistoryWindow, so a row with
// fewer than RollingWindow-1 such rows has no rolling value.
func Transform(rows []models.Observation, schema Schema) ([]Vector, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	power := rollingMean(rows, func(o models.Observation) models.Measurement { return o.Power })
	voltage := rollingMean(rows, func(o models.Observation) models.Measurement { return o.Voltage })

	out := make([]Vector, len(rows))
	for i := range rows {
		r := row{obs: rows[i], powerMean: power[i], voltageMean: voltage[i]}
		out[i] = build(&r, schema)
	}
	return out, nil
}

// Live builds the vector for a single live observation. history holds the
// readings that preceded obs, oldest first; callers filter it to the window
// they consider recent. When fewer than RollingWindow-1 usable prior values
// exist, a rolling feature takes the instantaneous value instead and its
// name is returned in the fallback list.
func Live(obs models.Observation, history []models.SensorReading, schema Schema) (Vector, []string, error) {
	if err := schema.Validate(); err != nil {
		return Vector{}, nil, err
	}

	var fallbacks []string
	r := row{obs: obs}

	if schema.Index("power_rolling_mean") >= 0 {
		m, fell := liveMean(obs.Power, history, func(s models.SensorReading) models.Measurement { return s.Power })
		r.powerMean = m
		if fell {
			fallbacks = append(fallbacks, "power_rolling_mean")
		}
	}
	if schema.Index("voltage_rolling_mean") >= 0 {
		m, fell := liveMean(obs.Voltage, history, func(s models.SensorReading) models.Measurement { return s.Voltage })
		r.voltageMean = m
		if fell {
			fallbacks = append(fallbacks, "voltage_rolling_mean")
		}
	}

	return build(&r, schema), fallbacks, nil
}

func build(r *row, schema Schema) Vector {
	v := Vector{
		Schema:    schema,
		Timestamp: r.obs.Timestamp,
		Values:    make([]float64, len(schema.Features)),
		Valid:     make([]bool, len(schema.Features)),
	}
	for i, name := range schema.Features {
		m := registry[name](r)
		if m.Finite() {
			v.Values[i] = m.Value
			v.Valid[i] = true
		}
	}
	return v
}

// rollingMean is the trailing mean over RollingWindow rows of one device,
// current included. Any absent value inside the window, or a prior row older
// than HistoryWindow, makes the mean absent.
func rollingMean(rows []models.Observation, get func(models.Observation) models.Measurement) []models.Measurement {
	out := make([]models.Measurement, len(rows))
	prior := make(map[string][]int)
	for i, o := range rows {
		seen := prior[o.DeviceID]
		prior[o.DeviceID] = append(seen, i)
		if len(seen) < RollingWindow-1 {
			continue
		}

		x, valid := get(o).Get()
		if !valid {
			continue
		}
		sum, ok := x, true
		from := o.Timestamp.Add(-HistoryWindow)
		for _, j := range seen[len(seen)-(RollingWindow-1):] {
			ts := rows[j].Timestamp
			if ts.Before(from) || !ts.Before(o.Timestamp) {
				ok = false
				break
			}
			x, valid := get(rows[j]).Get()
			if !valid {
				ok = false
				break
			}
			sum += x
		}
		if ok {
			out[i] = models.Some(sum / RollingWindow)
		}
	}
	return out
}

func liveMean(current models.Measurement, history []models.SensorReading, get func(models.SensorReading) models.Measurement) (models.Measurement, bool) {
	if !current.Valid {
		return models.None(), false
	}
	need := RollingWindow - 1
	if len(history) >= need {
		sum := current.Value
		ok := true
		for _, h := range history[len(history)-need:] {
			x, valid := get(h).Get()
			if !valid {
				ok = false
				break
			}
			sum += x
		}
		if ok {
			return models.Some(sum / RollingWindow), false
		}
	}
	return current, true
}
