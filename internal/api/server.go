package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/stevelea/evconduit-homeassistant/internal/backend"
	"github.com/stevelea/evconduit-homeassistant/internal/bridge"
	"github.com/stevelea/evconduit-homeassistant/internal/config"
	"github.com/stevelea/evconduit-homeassistant/internal/metrics"
	"github.com/stevelea/evconduit-homeassistant/internal/status"
)

// Controller is the bridge surface the API exposes. *bridge.Service
// implements it; tests substitute a fake.
type Controller interface {
	WebhookID() string
	Status() status.Snapshot
	UserInfo() status.Snapshot
	ApplyPush(update status.Snapshot) bool
	SetCharging(ctx context.Context, action string) (map[string]any, error)
	UpdateOdometer(ctx context.Context, km *float64) (float64, map[string]any, error)
	SendTelemetry(ctx context.Context) error
	Vehicles(ctx context.Context) ([]backend.Vehicle, error)
}

// Server provides the HTTP API: the inbound push webhook plus control
// endpoints for charging, odometer, and telemetry actions.
type Server struct {
	controller Controller
	logger     *zap.Logger
	addr       string
	auth       config.AuthConfig
}

// NewServer creates a new API server
func NewServer(controller Controller, logger *zap.Logger, addr string, auth config.AuthConfig) *Server {
	return &Server{
		controller: controller,
		logger:     logger,
		addr:       addr,
		auth:       auth,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	// Use Datadog HTTP tracing middleware
	mux := httptrace.NewServeMux()
	mux.HandleFunc("/api/webhook/", s.handleWebhook)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/userinfo", s.handleUserInfo)
	mux.HandleFunc("/api/charging", s.handleCharging)
	mux.HandleFunc("/api/odometer", s.handleOdometer)
	mux.HandleFunc("/api/telemetry/send", s.handleSendTelemetry)
	mux.HandleFunc("/api/vehicles", s.handleVehicles)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = s.securityMiddleware(handler)
	handler = s.metricsMiddleware(handler)

	if s.auth.Enabled {
		handler = s.basicAuthMiddleware(handler)
		s.logger.Info("API Authentication enabled")
	}

	s.logger.Info("Starting API server", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, handler)
}

// basicAuthMiddleware enforces Basic Authentication. The push webhook and
// the health check stay open: the backend and the load balancer cannot
// carry credentials.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/webhook/") || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 || subtle.ConstantTimeCompare([]byte(pass), []byte(s.auth.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityMiddleware sets standard security headers on every response.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts on the Prometheus registry.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Response types
type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ChargingRequest struct {
	Action string `json:"action"`
}

type OdometerRequest struct {
	OdometerKm *float64 `json:"odometer_km"`
}

type OdometerResponse struct {
	Success    bool    `json:"success"`
	OdometerKm float64 `json:"odometer_km"`
	Message    string  `json:"message,omitempty"`
}

type pushPayload struct {
	Vehicle map[string]any `json:"vehicle"`
}

// handleWebhook is the push ingestion endpoint. Responses are plain text to
// match what the backend's delivery worker expects.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	span, _ := tracer.StartSpanFromContext(r.Context(), "api.handle_webhook")
	defer span.Finish()

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	webhookID := strings.Trim(r.URL.Path[len("/api/webhook/"):], "/")
	if webhookID != s.controller.WebhookID() {
		metrics.WebhookPushes.WithLabelValues("unknown_id").Inc()
		s.writeText(w, http.StatusNotFound, "Unknown webhook")
		return
	}

	var payload pushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Error("failed to parse push payload", zap.Error(err))
		metrics.WebhookPushes.WithLabelValues("error").Inc()
		s.writeText(w, http.StatusInternalServerError, "Error")
		return
	}

	if len(payload.Vehicle) == 0 {
		s.logger.Warn("push payload has no vehicle data")
		metrics.WebhookPushes.WithLabelValues("invalid").Inc()
		s.writeText(w, http.StatusBadRequest, "Missing vehicle data")
		return
	}

	if applied := s.controller.ApplyPush(status.Snapshot(payload.Vehicle)); !applied {
		metrics.WebhookPushes.WithLabelValues("ignored").Inc()
		s.writeText(w, http.StatusOK, "OK (ignored - different vehicle)")
		return
	}

	metrics.WebhookPushes.WithLabelValues("merged").Inc()
	s.writeText(w, http.StatusOK, "OK")
}

// handleStatus returns the current vehicle snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := s.controller.Status()
	if snapshot == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no vehicle data yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleUserInfo returns the latest account info.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	info := s.controller.UserInfo()
	if info == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no user data yet")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleCharging starts or stops charging.
func (s *Server) handleCharging(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracer.StartSpanFromContext(r.Context(), "api.handle_charging")
	defer span.Finish()

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ChargingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	action := strings.ToUpper(req.Action)
	if action != "START" && action != "STOP" {
		s.writeError(w, http.StatusBadRequest, "action must be START or STOP")
		return
	}
	span.SetTag("action", action)

	if _, err := s.controller.SetCharging(ctx, action); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Charging %s executed", action),
	})
}

// handleOdometer pushes an odometer reading to the backend. Without an
// explicit odometer_km the configured source reading is used.
func (s *Server) handleOdometer(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracer.StartSpanFromContext(r.Context(), "api.handle_odometer")
	defer span.Finish()

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req OdometerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	km, result, err := s.controller.UpdateOdometer(ctx, req.OdometerKm)
	switch {
	case errors.Is(err, bridge.ErrNoOdometerValue):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	case result == nil:
		s.writeJSON(w, http.StatusOK, OdometerResponse{
			Success:    false,
			OdometerKm: km,
			Message:    "no open charging session",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, OdometerResponse{Success: true, OdometerKm: km})
}

// handleSendTelemetry forces a telemetry relay of the current snapshot.
func (s *Server) handleSendTelemetry(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracer.StartSpanFromContext(r.Context(), "api.handle_send_telemetry")
	defer span.Finish()

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.controller.SendTelemetry(ctx); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Telemetry sent"})
}

// handleVehicles lists the vehicles linked to the account.
func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracer.StartSpanFromContext(r.Context(), "api.handle_vehicles")
	defer span.Finish()

	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	vehicles, err := s.controller.Vehicles(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, vehicles)
}

// Helper functions
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(message))
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("API error", zap.String("error", message), zap.Int("status", status))
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
