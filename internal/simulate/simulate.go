// Package simulate produces synthetic microgrid telemetry with a diurnal
// solar cycle, drifting weather and occasional injected faults. Output is a
// pure function of Options, so tests and demos can rely on it.
package simulate

import (
	"math"
	"math/rand"
	"time"

	"microgrid-analytics/internal/models"
)

// Options control the generated series.
type Options struct {
	Rows      int
	Start     time.Time
	Interval  time.Duration
	Seed      int64
	DeviceID  string
	FaultRate float64 // probability that a row carries one injected fault
	Latitude  float64
	Longitude float64
}

// DefaultOptions returns four days of 15-minute readings.
func DefaultOptions() Options {
	return Options{
		Rows:      384,
		Start:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Interval:  15 * time.Minute,
		Seed:      42,
		DeviceID:  "esp32-sim-01",
		FaultRate: 0.12,
		Latitude:  12.97,
		Longitude: 77.59,
	}
}

type fault int

const (
	noFault fault = iota
	voltageSag
	voltageSurge
	overheating
	lowEfficiency
	batteryDrain
)

// Generate returns opts.Rows observations in timestamp order.
func Generate(opts Options) []models.Observation {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	cloud := 30.0
	wind := 4.0
	battery := 70.0
	hours := opts.Interval.Hours()

	out := make([]models.Observation, 0, opts.Rows)
	for i := 0; i < opts.Rows; i++ {
		ts := opts.Start.Add(time.Duration(i) * opts.Interval)
		h := float64(ts.Hour()) + float64(ts.Minute())/60
		sun := 0.0
		if h > 6 && h < 18 {
			sun = math.Sin(math.Pi * (h - 6) / 12)
		}

		cloud = clamp(cloud+rng.NormFloat64()*6, 0, 100)
		wind = clamp(wind+rng.NormFloat64()*0.8, 0, 25)
		rain := 0.0
		if cloud > 70 && rng.Float64() < 0.5 {
			rain = rng.Float64() * 6
		}
		ambient := 22 + 9*sun - cloud*0.04 + rng.NormFloat64()*0.7

		light := math.Max(0, 100000*sun*(1-0.75*cloud/100)+rng.NormFloat64()*300)
		solarV := 0.3 + rng.Float64()*0.2
		solarI := 0.0
		if sun > 0 {
			solarV = 17.5 + 2*sun + rng.NormFloat64()*0.3
			solarI = math.Max(0, 5.5*light/100000*(1-rain/20)+rng.NormFloat64()*0.05)
		}
		solarP := solarV * solarI

		evening := 0.0
		if h >= 18 && h < 23 {
			evening = 1
		}
		voltage := 230 + rng.NormFloat64()*3
		current := math.Max(0.2, 1.4+1.3*evening+0.4*sun+rng.NormFloat64()*0.15)
		pf := clamp(0.95+rng.NormFloat64()*0.015, 0.85, 1)
		freq := 50 + rng.NormFloat64()*0.05

		load := voltage * current * pf
		battery = clamp(battery+(solarP*0.9-load*0.05)*hours/8, 5, 100)
		batteryV := 11.8 + 1.6*battery/100 + rng.NormFloat64()*0.03
		box := ambient + 6 + 1.5*current + rng.NormFloat64()*0.8

		power := load
		batteryPct := battery
		if rng.Float64() < opts.FaultRate {
			switch fault(1 + rng.Intn(5)) {
			case voltageSag:
				voltage = 190 + rng.Float64()*19
				power = voltage * current * pf
			case voltageSurge:
				voltage = 251 + rng.Float64()*15
				power = voltage * current * pf
			case overheating:
				box = 46 + rng.Float64()*14
			case lowEfficiency:
				power = voltage * current * (0.45 + rng.Float64()*0.3)
			case batteryDrain:
				batteryPct = 3 + rng.Float64()*16
			}
		}

		var o models.Observation
		o.Timestamp = ts
		o.DeviceID = opts.DeviceID
		o.Voltage = models.Some(round(voltage, 2))
		o.Current = models.Some(round(current, 3))
		o.Power = models.Some(round(power, 2))
		o.PowerFactor = models.Some(round(pf, 3))
		o.Frequency = models.Some(round(freq, 2))
		o.Energy = models.Some(round(solarP*hours/1000, 5))
		o.BoxTemperature = models.Some(round(box, 2))
		o.SolarVoltage = models.Some(round(solarV, 2))
		o.SolarCurrent = models.Some(round(solarI, 3))
		o.SolarPower = models.Some(round(solarP, 2))
		o.BatteryPercentage = models.Some(round(batteryPct, 1))
		o.BatteryVoltage = models.Some(round(batteryV, 2))
		o.LightIntensity = models.Some(round(light, 0))

		o.Temperature = models.Some(round(ambient, 2))
		o.CloudPercent = models.Some(round(cloud, 0))
		o.WindSpeed = models.Some(round(wind, 2))
		o.RainInMM = models.Some(round(rain, 2))
		o.Latitude = opts.Latitude
		o.Longitude = opts.Longitude
		o.ValidAt = ts.Truncate(time.Hour)

		out = append(out, o)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
