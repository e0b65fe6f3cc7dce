package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microgrid-analytics/internal/db"
	"microgrid-analytics/internal/inference"
	"microgrid-analytics/internal/ingest"
	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/metrics"
	"microgrid-analytics/internal/models"
)

const maxBodyBytes = 1 << 20

// Server represents the API server
type Server struct {
	db     *db.Database
	ingest *ingest.Service
	holder *inference.Holder
	router *mux.Router
	log    log.Logger
}

// NewServer creates a new API server
func NewServer(database *db.Database, svc *ingest.Service, holder *inference.Holder) *Server {
	s := &Server{
		db:     database,
		ingest: svc,
		holder: holder,
		router: mux.NewRouter(),
		log:    log.WithName("api"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Controller firmware posts here
	s.router.HandleFunc("/esp32-data", s.handleIngest).Methods("POST")

	// Telemetry endpoints
	s.router.HandleFunc("/api/v1/telemetry", s.handleIngest).Methods("POST")
	s.router.HandleFunc("/api/v1/readings/latest", s.handleLatestReading).Methods("GET")
	s.router.HandleFunc("/api/v1/weather", s.handleWeather).Methods("POST")

	// Model endpoints
	s.router.HandleFunc("/api/v1/infer", s.handleInfer).Methods("POST")
	s.router.HandleFunc("/api/v1/predictions", s.handleListPredictions).Methods("GET")
	s.router.HandleFunc("/api/v1/models", s.handleModels).Methods("GET")

	// Stats endpoint
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.log.Debug("Request served", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", elapsed)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *meta  `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data any, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// statusFor maps domain errors to HTTP status codes. A feature schema
// mismatch is a server fault and falls through to 500.
func statusFor(err error) int {
	var (
		invalid  *models.InvalidInputError
		schema   *models.SchemaError
		missing  *models.ArtifactNotFoundError
		syntax   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &schema), errors.As(err, &syntax), errors.As(err, &typeErr):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &missing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "healthy",
		"models_loaded": s.holder.Engine() != nil,
	}
	if err := s.db.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var obs models.Observation
	if err := decode(w, r, &obs); err != nil {
		respondError(w, statusFor(err), "invalid JSON: "+err.Error())
		return
	}

	result, err := s.ingest.Handle(r.Context(), "http", obs)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type inferRequest struct {
	models.Observation
	History []models.SensorReading `json:"history,omitempty"`
}

// handleInfer scores a reading without storing it.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, statusFor(err), "invalid JSON: "+err.Error())
		return
	}

	engine := s.holder.Engine()
	if engine == nil {
		respondError(w, http.StatusServiceUnavailable, ingest.ErrModelsNotLoaded.Error())
		return
	}

	start := time.Now()
	result, err := engine.InferWithHistory(req.SensorReading, req.WeatherSample, req.History)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InferenceErrors.WithLabelValues(ingest.ErrorKind(err)).Inc()
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	var sample models.WeatherSample
	if err := decode(w, r, &sample); err != nil {
		respondError(w, statusFor(err), "invalid JSON: "+err.Error())
		return
	}

	if err := s.ingest.RecordWeather(r.Context(), sample); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sample)
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reading, err := s.db.LatestReading(r.Context(), r.URL.Query().Get("device_id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no readings found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, reading, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit := 100 // default
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.db.ListPredictions(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	engine := s.holder.Engine()
	if engine == nil {
		respondError(w, http.StatusServiceUnavailable, ingest.ErrModelsNotLoaded.Error())
		return
	}
	respondJSON(w, http.StatusOK, engine.Info())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
