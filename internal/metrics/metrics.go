// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReadingsIngested counts readings accepted by the ingest service, by source (http, mqtt).
	ReadingsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_readings_ingested_total",
			Help: "Total number of sensor readings ingested.",
		},
		[]string{"source"},
	)

	// InferenceErrors counts failed inference calls by error kind.
	InferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_inference_errors_total",
			Help: "Total number of failed inference calls.",
		},
		[]string{"kind"}, // invalid_input, schema, not_loaded, internal
	)

	InferenceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microgrid_inference_latency_seconds",
			Help:    "Latency of one live inference call.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MaintenanceFlags counts readings classified as needing maintenance.
	MaintenanceFlags = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microgrid_maintenance_flags_total",
			Help: "Total number of readings classified as needing maintenance.",
		},
	)

	// Alerts counts generated alert messages by type.
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_alerts_total",
			Help: "Total number of alert messages generated.",
		},
		[]string{"type"},
	)

	ModelReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_model_reloads_total",
			Help: "Total number of artifact reload attempts.",
		},
		[]string{"status"}, // success, failed
	)

	// ModelsLoaded is 1 while an engine is being served.
	ModelsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "microgrid_models_loaded",
			Help: "Whether trained models are loaded (1) or not (0).",
		},
	)

	ForwardedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_forwarded_messages_total",
			Help: "Total number of enriched payloads published.",
		},
		[]string{"status"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microgrid_http_requests_total",
			Help: "Total count of HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microgrid_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ReadingsIngested,
		InferenceErrors,
		InferenceLatency,
		MaintenanceFlags,
		Alerts,
		ModelReloads,
		ModelsLoaded,
		ForwardedMessages,
		HTTPRequests,
		HTTPDuration,
	)
}
