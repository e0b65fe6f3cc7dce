package alerts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-analytics/internal/labels"
	"microgrid-analytics/internal/models"
)

func reading() models.SensorReading {
	return models.SensorReading{
		Voltage:           models.Some(230.5),
		Current:           models.Some(2.1),
		Power:             models.Some(480.5),
		BoxTemperature:    models.Some(32.5),
		BatteryPercentage: models.Some(85.3),
	}
}

func TestGenerateHealthy(t *testing.T) {
	a := Generate(reading(), 0.1)
	assert.False(t, a.NeedsMaintenance)
	assert.Equal(t, 0.1, a.Probability)
	assert.NotNil(t, a.Alerts)
	assert.Empty(t, a.Alerts)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"needs_maintenance":false,"probability":0.1,"alerts":[]}`, string(raw))
}

func TestGenerateIgnoresProbability(t *testing.T) {
	r := reading()
	r.BoxTemperature = models.Some(50)

	for _, p := range []float64{0, 0.69, 0.7, 1} {
		a := Generate(r, p)
		require.Len(t, a.Alerts, 1)
		assert.Contains(t, a.Alerts[0], "Overheating")
		assert.Equal(t, p >= 0.7, a.NeedsMaintenance)
	}
}

func TestGenerateOrder(t *testing.T) {
	r := models.SensorReading{
		Voltage:           models.Some(260),
		Current:           models.Some(2),
		Power:             models.Some(100),
		BoxTemperature:    models.Some(60),
		BatteryPercentage: models.Some(5),
	}
	a := Generate(r, 0.9)
	require.Len(t, a.Alerts, 4)
	assert.Contains(t, a.Alerts[0], "efficiency")
	assert.Contains(t, a.Alerts[1], "Voltage")
	assert.Contains(t, a.Alerts[2], "Overheating")
	assert.Contains(t, a.Alerts[3], "battery")
}

// Every reading that the labeler marks must raise at least one alert, and
// the alert count must equal the number of rules that fired.
func TestAgreesWithLabels(t *testing.T) {
	voltages := []float64{205, 209.99, 210, 230, 250, 250.01, 255}
	temps := []float64{30, 45, 45.01, 60}
	batteries := []float64{5, 19.99, 20, 90}
	powers := []float64{100, 400, 520}

	for _, v := range voltages {
		for _, tc := range temps {
			for _, b := range batteries {
				for _, p := range powers {
					r := models.SensorReading{
						Voltage:           models.Some(v),
						Current:           models.Some(2.2),
						Power:             models.Some(p),
						BoxTemperature:    models.Some(tc),
						BatteryPercentage: models.Some(b),
					}
					f := labels.Evaluate(labels.InputsFromReading(r))
					n := 0
					for _, fired := range []bool{f.LowEfficiency, f.VoltageDeviation, f.Overheating, f.LowBattery} {
						if fired {
							n++
						}
					}
					a := Generate(r, 0.5)
					assert.Len(t, a.Alerts, n, "v=%v t=%v b=%v p=%v", v, tc, b, p)
					assert.Equal(t, f.Any(), len(a.Alerts) > 0)
				}
			}
		}
	}
}

func TestDecide(t *testing.T) {
	assert.False(t, Decide(0.6999))
	assert.True(t, Decide(0.7))
	assert.True(t, Decide(1))
}
