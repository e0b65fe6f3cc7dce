package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-analytics/internal/models"
)

func obsAt(ts time.Time, power, voltage float64) models.Observation {
	var o models.Observation
	o.Timestamp = ts
	o.Power = models.Some(power)
	o.Voltage = models.Some(voltage)
	o.Current = models.Some(2)
	return o
}

func TestPowerEfficiency(t *testing.T) {
	tests := []struct {
		name string
		r    models.SensorReading
		want models.Measurement
	}{
		{
			name: "zero voltage and current use epsilon",
			r:    models.SensorReading{Power: models.Some(5), Voltage: models.Some(0), Current: models.Some(0)},
			want: models.Some(5000),
		},
		{
			name: "nominal",
			r:    models.SensorReading{Power: models.Some(460), Voltage: models.Some(230), Current: models.Some(2)},
			want: models.Some(460 / (460 + 0.001)),
		},
		{
			name: "missing power",
			r:    models.SensorReading{Voltage: models.Some(230), Current: models.Some(2)},
			want: models.None(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PowerEfficiency(tt.r)
			assert.Equal(t, tt.want.Valid, got.Valid)
			assert.InDelta(t, tt.want.Value, got.Value, 1e-9)
		})
	}
}

func TestWeatherScoreUnclamped(t *testing.T) {
	w := models.WeatherSample{CloudPercent: models.Some(20), RainInMM: models.Some(15)}
	got := WeatherScore(w)
	require.True(t, got.Valid)
	assert.InDelta(t, -40.0, got.Value, 1e-12)

	assert.False(t, WeatherScore(models.WeatherSample{CloudPercent: models.Some(20)}).Valid)
}

func TestDayOfWeekStartsMonday(t *testing.T) {
	monday := time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		assert.Equal(t, i, DayOfWeek(monday.AddDate(0, 0, i)))
	}
}

func TestTransformCalendar(t *testing.T) {
	sat := time.Date(2024, 6, 15, 13, 45, 0, 0, time.UTC)
	vecs, err := Transform([]models.Observation{obsAt(sat, 100, 230)}, ForecastSchema)
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	for name, want := range map[string]float64{"hour": 13, "day_of_week": 5, "month": 6, "is_weekend": 1} {
		got, ok := vecs[0].Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
}

func TestTransformRollingMean(t *testing.T) {
	start := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	var rows []models.Observation
	for i, p := range []float64{100, 200, 300, 400, 500} {
		rows = append(rows, obsAt(start.Add(time.Duration(i)*15*time.Minute), p, 220+float64(i)))
	}

	vecs, err := Transform(rows, ForecastSchema)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok := vecs[i].Get("power_rolling_mean")
		assert.False(t, ok, "row %d has no full window", i)
	}
	p3, ok := vecs[3].Get("power_rolling_mean")
	require.True(t, ok)
	assert.InDelta(t, 250.0, p3, 1e-12)

	p4, _ := vecs[4].Get("power_rolling_mean")
	assert.InDelta(t, 350.0, p4, 1e-12)

	v4, ok := vecs[4].Get("voltage_rolling_mean")
	require.True(t, ok)
	assert.InDelta(t, (221.0+222+223+224)/4, v4, 1e-12)
}

func TestTransformRollingMeanGap(t *testing.T) {
	start := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	rows := make([]models.Observation, 5)
	for i := range rows {
		rows[i] = obsAt(start.Add(time.Duration(i)*15*time.Minute), 100, 230)
	}
	rows[2].Power = models.None()

	vecs, err := Transform(rows, ForecastSchema)
	require.NoError(t, err)
	_, ok := vecs[3].Get("power_rolling_mean")
	assert.False(t, ok)
	_, ok = vecs[4].Get("power_rolling_mean")
	assert.False(t, ok)
	_, ok = vecs[4].Get("voltage_rolling_mean")
	assert.True(t, ok)
}

func TestTransformRollingMeanPerDevice(t *testing.T) {
	start := time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC)
	var rows []models.Observation
	for i := 0; i < 5; i++ {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		a := obsAt(ts, 100, 230)
		a.DeviceID = "inv-a"
		b := obsAt(ts, 300, 250)
		b.DeviceID = "inv-b"
		rows = append(rows, a, b)
	}

	vecs, err := Transform(rows, ForecastSchema)
	require.NoError(t, err)
	require.Len(t, vecs, len(rows))

	for i := 0; i < 6; i++ {
		_, ok := vecs[i].Get("voltage_rolling_mean")
		assert.False(t, ok, "row %d has fewer than three prior rows of its device", i)
	}
	for i := 6; i < len(rows); i++ {
		want := 230.0
		if rows[i].DeviceID == "inv-b" {
			want = 250
		}
		got, ok := vecs[i].Get("voltage_rolling_mean")
		require.True(t, ok, "row %d", i)
		assert.Equal(t, want, got, "row %d", i)
	}
	pb, _ := vecs[7].Get("power_rolling_mean")
	assert.Equal(t, 300.0, pb)
}

func TestTransformRollingMeanTimeGap(t *testing.T) {
	start := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	var rows []models.Observation
	for i := 0; i < 4; i++ {
		rows = append(rows, obsAt(start.Add(time.Duration(i)*15*time.Minute), 100, 230))
	}
	next := start.Add(24 * time.Hour)
	for i := 0; i < 4; i++ {
		rows = append(rows, obsAt(next.Add(time.Duration(i)*15*time.Minute), 500, 240))
	}

	vecs, err := Transform(rows, ForecastSchema)
	require.NoError(t, err)

	p3, ok := vecs[3].Get("power_rolling_mean")
	require.True(t, ok)
	assert.Equal(t, 100.0, p3)

	for i := 4; i < 7; i++ {
		_, ok := vecs[i].Get("power_rolling_mean")
		assert.False(t, ok, "row %d would average across the gap", i)
	}
	p7, ok := vecs[7].Get("power_rolling_mean")
	require.True(t, ok)
	assert.Equal(t, 500.0, p7)
}

func TestTransformRollingMeanOutsideHistoryWindow(t *testing.T) {
	start := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	step := HistoryWindow / 2
	var rows []models.Observation
	for i := 0; i < 4; i++ {
		rows = append(rows, obsAt(start.Add(time.Duration(i)*step), 100, 230))
	}

	vecs, err := Transform(rows, ForecastSchema)
	require.NoError(t, err)
	_, ok := vecs[3].Get("power_rolling_mean")
	assert.False(t, ok)
}

func TestAbsentInputsPropagate(t *testing.T) {
	var o models.Observation
	o.Timestamp = time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	o.Voltage = models.Some(230)

	vecs, err := Transform([]models.Observation{o}, MaintenanceSchema)
	require.NoError(t, err)
	v := vecs[0]

	assert.False(t, v.Complete())
	assert.Contains(t, v.Missing(), "power_efficiency")
	assert.Contains(t, v.Missing(), "temp_differential")
	assert.NotContains(t, v.Missing(), "Voltage")

	dense := v.Dense()
	assert.True(t, math.IsNaN(dense[MaintenanceSchema.Index("Current")]))
	assert.Equal(t, 230.0, dense[MaintenanceSchema.Index("Voltage")])
}

func TestLiveRollingPolicy(t *testing.T) {
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	cur := obsAt(now, 400, 232)

	t.Run("enough history", func(t *testing.T) {
		history := []models.SensorReading{
			obsAt(now.Add(-45*time.Minute), 100, 228).SensorReading,
			obsAt(now.Add(-30*time.Minute), 200, 229).SensorReading,
			obsAt(now.Add(-15*time.Minute), 300, 231).SensorReading,
		}
		v, fallbacks, err := Live(cur, history, ForecastSchema)
		require.NoError(t, err)
		assert.Empty(t, fallbacks)

		p, _ := v.Get("power_rolling_mean")
		assert.InDelta(t, 250.0, p, 1e-12)
		vm, _ := v.Get("voltage_rolling_mean")
		assert.InDelta(t, 230.0, vm, 1e-12)
	})

	t.Run("short history falls back", func(t *testing.T) {
		history := []models.SensorReading{obsAt(now.Add(-15*time.Minute), 300, 231).SensorReading}
		v, fallbacks, err := Live(cur, history, ForecastSchema)
		require.NoError(t, err)
		assert.Equal(t, []string{"power_rolling_mean", "voltage_rolling_mean"}, fallbacks)

		p, ok := v.Get("power_rolling_mean")
		assert.True(t, ok)
		assert.Equal(t, 400.0, p)
	})

	t.Run("maintenance schema reports only its own", func(t *testing.T) {
		_, fallbacks, err := Live(cur, nil, MaintenanceSchema)
		require.NoError(t, err)
		assert.Equal(t, []string{"voltage_rolling_mean"}, fallbacks)
	})

	t.Run("absent current value stays absent", func(t *testing.T) {
		o := cur
		o.Power = models.None()
		v, fallbacks, err := Live(o, nil, ForecastSchema)
		require.NoError(t, err)
		assert.Equal(t, []string{"voltage_rolling_mean"}, fallbacks)
		_, ok := v.Get("power_rolling_mean")
		assert.False(t, ok)
	})
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, ForecastSchema.Validate())
	require.NoError(t, MaintenanceSchema.Validate())

	bad := Schema{Name: "bad", Version: 1, Features: []string{"Voltage", "flux_capacitance"}}
	err := bad.Validate()
	var se *models.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []string{"flux_capacitance"}, se.Missing)

	_, err = Transform(nil, bad)
	assert.Error(t, err)
}

func TestSchemaEqual(t *testing.T) {
	assert.True(t, ForecastSchema.Equal(ForecastSchema))
	assert.False(t, ForecastSchema.Equal(MaintenanceSchema))

	reordered := Schema{Name: "maintenance", Version: 1, Features: append([]string(nil), MaintenanceSchema.Features...)}
	reordered.Features[0], reordered.Features[1] = reordered.Features[1], reordered.Features[0]
	assert.False(t, MaintenanceSchema.Equal(reordered))
}
