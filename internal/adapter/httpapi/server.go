// Package httpapi exposes the service's HTTP surface: health, readiness and
// metrics probes plus the dashboard API over devices, readings, forecasts and
// actuator state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/climate-control-etl/internal/adapter/actuator"
	"github.com/couchcryptid/climate-control-etl/internal/config"
	"github.com/couchcryptid/climate-control-etl/internal/control"
	"github.com/couchcryptid/climate-control-etl/internal/domain"
	"github.com/couchcryptid/climate-control-etl/internal/forecast"
	"github.com/couchcryptid/climate-control-etl/internal/store"
)

const (
	defaultRangeWindow = 24 * time.Hour
	defaultRangeLimit  = 500
	maxRangeLimit      = 5000
	probeTimeout       = time.Second
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// SeriesReader serves the dashboard's device and reading queries.
type SeriesReader interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	QueryRange(ctx context.Context, deviceID string, metric domain.Metric, from, to time.Time, limit int) ([]domain.Reading, error)
	LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error)
	ListParseFailures(ctx context.Context, limit int) ([]store.ParseFailure, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Forecaster serves forecast queries.
type Forecaster interface {
	Forecast(ctx context.Context, deviceID string, metric domain.Metric, steps int) ([]forecast.Point, error)
	Model() string
}

// ActuatorController exposes the control engine's per-device state and the
// manual override latch.
type ActuatorController interface {
	State(deviceID string) (domain.ActuatorState, error)
	States() []domain.ActuatorState
	SetOverride(deviceID string, mode domain.OverrideMode) error
}

// ActuatorProber asks a relay endpoint for its live power state.
type ActuatorProber interface {
	Status(ctx context.Context, deviceID string) (actuator.DeviceStatus, error)
}

// Server exposes health, readiness, metrics and dashboard HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	series       SeriesReader
	forecasts    Forecaster
	actuators    ActuatorController
	prober       ActuatorProber
	defaultSteps int
}

// NewServer wires all routes. actuators and prober may be nil on a
// capture-only node with no control devices configured; the actuator
// endpoints then report the control plane as absent.
func NewServer(cfg *config.Config, ready ReadinessChecker, series SeriesReader, forecasts Forecaster, actuators ActuatorController, prober ActuatorProber, logger *slog.Logger) *Server {
	s := &Server{
		logger:       logger,
		series:       series,
		forecasts:    forecasts,
		actuators:    actuators,
		prober:       prober,
		defaultSteps: cfg.ForecastSteps,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", handleReady(ready)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}/readings", s.handleReadings).Methods("GET")
	api.HandleFunc("/devices/{id}/latest", s.handleLatest).Methods("GET")
	api.HandleFunc("/devices/{id}/forecast", s.handleForecast).Methods("GET")
	api.HandleFunc("/actuators", s.handleActuators).Methods("GET")
	api.HandleFunc("/actuators/{id}", s.handleActuatorState).Methods("GET")
	api.HandleFunc("/actuators/{id}/override", s.handleOverride).Methods("POST")
	api.HandleFunc("/failures", s.handleParseFailures).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.LoggingHandler(os.Stdout, r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.series.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list devices failed")
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	q := r.URL.Query()

	metric := domain.Metric(q.Get("metric"))
	if metric != "" && !metric.Valid() {
		writeError(w, http.StatusBadRequest, "unknown metric "+strconv.Quote(string(metric)))
		return
	}

	now := time.Now().UTC()
	from, to := now.Add(-defaultRangeWindow), now
	var err error
	if from, err = timeParam(q.Get("from"), from); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if to, err = timeParam(q.Get("to"), to); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	limit, err := limitParam(q.Get("limit"), defaultRangeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := s.series.QueryRange(r.Context(), deviceID, metric, from, to, limit)
	if err != nil {
		s.logger.Error("query readings failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "query readings failed")
		return
	}
	if readings == nil {
		readings = []domain.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"count":     len(readings),
		"readings":  readings,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	reading, err := s.series.LatestReading(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("latest reading failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "latest reading failed")
		return
	}
	if reading == nil {
		writeError(w, http.StatusNotFound, "no readings for device "+strconv.Quote(deviceID))
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	q := r.URL.Query()

	metric := domain.MetricHumidity
	if v := q.Get("metric"); v != "" {
		metric = domain.Metric(v)
		if !metric.Valid() {
			writeError(w, http.StatusBadRequest, "unknown metric "+strconv.Quote(v))
			return
		}
	}
	steps := s.defaultSteps
	if v := q.Get("steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "steps must be a positive integer")
			return
		}
		if n > maxRangeLimit {
			n = maxRangeLimit
		}
		steps = n
	}

	points, err := s.forecasts.Forecast(r.Context(), deviceID, metric, steps)
	switch {
	case errors.Is(err, forecast.ErrNoState):
		writeError(w, http.StatusNotFound, "no forecast state for device "+strconv.Quote(deviceID))
		return
	case err != nil:
		s.logger.Error("forecast failed", "device_id", deviceID, "metric", metric, "error", err)
		writeError(w, http.StatusInternalServerError, "forecast failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"metric":    metric,
		"model":     s.forecasts.Model(),
		"points":    points,
	})
}

// actuatorView is an ActuatorState plus the relay's live power state, when a
// probe is configured and the relay answers in time.
type actuatorView struct {
	domain.ActuatorState
	PowerOn *bool `json:"power_on"`
}

// actuatorStates tolerates a deployment without a control engine.
func (s *Server) actuatorStates() []domain.ActuatorState {
	if s.actuators == nil {
		return []domain.ActuatorState{}
	}
	return s.actuators.States()
}

func (s *Server) handleActuators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actuators": s.actuatorStates()})
}

func (s *Server) handleActuatorState(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if s.actuators == nil {
		writeError(w, http.StatusNotFound, "actuation control is not enabled")
		return
	}
	st, err := s.actuators.State(deviceID)
	if errors.Is(err, control.ErrUnknownDevice) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "actuator state failed")
		return
	}

	view := actuatorView{ActuatorState: st}
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		status, err := s.prober.Status(ctx, deviceID)
		cancel()
		if err != nil {
			s.logger.Debug("actuator probe failed", "device_id", deviceID, "error", err)
		} else {
			view.PowerOn = status.PowerOn
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type overrideRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var mode domain.OverrideMode
	switch req.Mode {
	case "on":
		mode = domain.OverrideOn
	case "off":
		mode = domain.OverrideOff
	case "auto":
		mode = domain.OverrideNone
	default:
		writeError(w, http.StatusBadRequest, "mode must be on, off or auto")
		return
	}

	if s.actuators == nil {
		writeError(w, http.StatusNotFound, "actuation control is not enabled")
		return
	}
	if err := s.actuators.SetOverride(deviceID, mode); err != nil {
		if errors.Is(err, control.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.actuators.State(deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "actuator state failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleParseFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	failures, err := s.series.ListParseFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("list parse failures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list parse failures failed")
		return
	}
	if failures == nil {
		failures = []store.ParseFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.series.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store":          stats,
		"forecast_model": s.forecasts.Model(),
		"actuators":      s.actuatorStates(),
	})
}

func timeParam(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

func limitParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxRangeLimit {
		n = maxRangeLimit
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response body
}
