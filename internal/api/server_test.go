package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/db"
	"microgrid-analytics/internal/inference"
	"microgrid-analytics/internal/ingest"
	"microgrid-analytics/internal/simulate"
	"microgrid-analytics/internal/trainer"
)

const healthyReading = `{
	"timestamp": "2024-06-18T12:00:00Z",
	"device_id": "esp32-01",
	"Voltage": 230.5, "Current": 2.1, "Power": 480.5, "PowerFactor": 0.95,
	"Frequency": 50.1, "BoxTemperature": 32.5,
	"solarVoltage": 12.5, "solarCurrent": 1500, "batteryPercentage": 85.3,
	"lightIntensity": 45000,
	"Temperature": 28.5, "CloudPercent": 20, "WindSpeed": 5.2, "RainInMM": 0
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

func newTestServer(t *testing.T, loaded bool) (*Server, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	holder := inference.NewHolder(nil)
	if loaded {
		store := artifact.NewFileStore(t.TempDir())
		opts := trainer.DefaultOptions()
		opts.Trees = 30
		_, err := trainer.New(store, opts).Train(context.Background(), simulate.Generate(simulate.DefaultOptions()))
		require.NoError(t, err)
		e, err := inference.Load(context.Background(), store)
		require.NoError(t, err)
		holder.Store(e)
	}
	return NewServer(database, ingest.NewService(database, holder), holder), database
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec, env := do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"status":"healthy","models_loaded":false}`, string(env.Data))
}

func TestIngestAndQuery(t *testing.T) {
	s, _ := newTestServer(t, true)

	for _, path := range []string{"/esp32-data", "/api/v1/telemetry"} {
		rec, env := do(t, s, "POST", path, healthyReading)
		require.Equal(t, http.StatusOK, rec.Code, env.Error)

		var result struct {
			Forecast    float64 `json:"forecast"`
			Maintenance struct {
				NeedsMaintenance bool     `json:"needs_maintenance"`
				Alerts           []string `json:"alerts"`
			} `json:"maintenance"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &result))
		assert.False(t, result.Maintenance.NeedsMaintenance)
		assert.NotNil(t, result.Maintenance.Alerts)
	}

	rec, env := do(t, s, "GET", "/api/v1/predictions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 1, env.Meta.Total)
	assert.Equal(t, 1, env.Meta.Limit)

	rec, env = do(t, s, "GET", "/api/v1/readings/latest?device_id=esp32-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"Voltage":230.5`)

	rec, env = do(t, s, "GET", "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 2.0, stats["readings"])
	assert.Equal(t, 2.0, stats["predictions"])
}

func TestIngestErrors(t *testing.T) {
	s, _ := newTestServer(t, true)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"Voltage":`, http.StatusBadRequest},
		{"non numeric", `{"Voltage":"abc"}`, http.StatusBadRequest},
		{"out of domain", `{"Voltage":230,"batteryPercentage":140}`, http.StatusBadRequest},
		{"no measurements", `{"device_id":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, s, "POST", "/api/v1/telemetry", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestServiceUnavailableWithoutModels(t *testing.T) {
	s, database := newTestServer(t, false)

	rec, env := do(t, s, "POST", "/api/v1/telemetry", healthyReading)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, env.Error, "train the models first")

	_, err := database.LatestReading(context.Background(), "esp32-01")
	assert.NoError(t, err, "reading is kept for later history")

	rec, _ = do(t, s, "POST", "/api/v1/infer", healthyReading)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, s, "GET", "/api/v1/models", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInferIsStateless(t *testing.T) {
	s, database := newTestServer(t, true)

	body := strings.TrimSuffix(strings.TrimSpace(healthyReading), "}") + `,
		"history": [
			{"timestamp": "2024-06-18T11:15:00Z", "Voltage": 230, "Power": 470},
			{"timestamp": "2024-06-18T11:30:00Z", "Voltage": 231, "Power": 475},
			{"timestamp": "2024-06-18T11:45:00Z", "Voltage": 230, "Power": 480}
		]}`
	rec, env := do(t, s, "POST", "/api/v1/infer", body)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.NotContains(t, string(env.Data), "fallbacks")

	_, err := database.LatestReading(context.Background(), "")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWeatherAndModels(t *testing.T) {
	s, database := newTestServer(t, true)

	rec, _ := do(t, s, "POST", "/api/v1/weather", `{"Temperature": 27, "CloudPercent": 35}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	w, err := database.LatestWeather(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 27.0, w.Temperature.Value)

	rec, _ = do(t, s, "POST", "/api/v1/weather", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, s, "GET", "/api/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info inference.Info
	require.NoError(t, json.Unmarshal(env.Data, &info))
	require.Len(t, info.Models, 2)
	assert.Equal(t, "forecast", info.Models[0].Name)
	assert.Equal(t, 30, info.Models[0].Trees)
}

func TestListPredictionsRejectsBadLimit(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec, _ := do(t, s, "GET", "/api/v1/predictions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, false)
	do(t, s, "GET", "/health", "")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "microgrid_http_requests_total")
}
