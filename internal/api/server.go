// Package api serves the agency HTTP API.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/agency/internal/auth"
	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/fusion"
	"github.com/jordanhubbard/agency/internal/health"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/logging"
	"github.com/jordanhubbard/agency/internal/memory"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/persona"
	"github.com/jordanhubbard/agency/internal/taskgraph"
	"github.com/jordanhubbard/agency/pkg/config"
)

// Deps are the components the API exposes. Beam, Coordinator and Keys are
// required; the rest switch their routes off when nil.
type Deps struct {
	Beam        *beam.Service
	Dispatcher  *beam.Dispatcher
	Coordinator *taskgraph.Coordinator
	Keys        *keypool.Manager
	Broker      *messaging.Broker
	Memory      *memory.Manager
	Personas    *persona.Registry
	Logs        *logging.Manager
	Watchdog    *health.Watchdog
	Auth        *auth.Manager // nil disables authentication
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	deps     Deps
	security config.SecurityConfig
	authn    *auth.Authenticator
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps, security config.SecurityConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps:     deps,
		security: security,
		authn:    auth.NewAuthenticator(deps.Auth),
		logger:   logger,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	authHandlers := auth.NewHandlers(s.deps.Auth)
	s.route(mux, "POST /api/v1/auth/token", "", authHandlers.HandleLogin)
	s.route(mux, "POST /api/v1/auth/keys", auth.PermAPIKeys, authHandlers.HandleCreateAPIKey)

	// Beam
	s.route(mux, "POST /api/v1/beam", auth.PermBeamSubmit, s.handleBeam)
	s.route(mux, "GET /api/v1/beam/{id}", auth.PermBeamSubmit, s.handleBeamResult)
	s.route(mux, "GET /api/v1/models", auth.PermKeysRead, s.handleModels)
	s.route(mux, "GET /api/v1/personas", auth.PermKeysRead, s.handlePersonas)

	// Tasks
	s.route(mux, "GET /api/v1/tasks", auth.PermTasksRead, s.handleListTasks)
	s.route(mux, "POST /api/v1/tasks", auth.PermTasksWrite, s.handleCreateTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", auth.PermTasksRead, s.handleGetTask)
	s.route(mux, "POST /api/v1/tasks/{id}/status", auth.PermTasksWrite, s.handleTaskStatus)
	s.route(mux, "POST /api/v1/tasks/{id}/collaborate", auth.PermTasksWrite, s.handleCollaborate)

	// Provider keys
	s.route(mux, "GET /api/v1/keys", auth.PermKeysRead, s.handleKeyStats)
	s.route(mux, "GET /api/v1/keys/{provider}", auth.PermKeysRead, s.handleProviderKeys)
	s.route(mux, "POST /api/v1/keys/{provider}", auth.PermKeysWrite, s.handleAddKey)
	s.route(mux, "DELETE /api/v1/keys/{provider}/{keyID}", auth.PermKeysWrite, s.handleRemoveKey)

	// Events and logs
	s.route(mux, "GET /api/v1/events", auth.PermEventsRead, s.handleEvents)
	s.route(mux, "GET /api/v1/logs", auth.PermLogsRead, s.handleLogs)

	handler := s.corsMiddleware(mux)
	return otelhttp.NewHandler(handler, "agency-api")
}

// route registers h under pattern, guarded by permission when non-empty
// and instrumented with the pattern as its label.
func (s *Server) route(mux *http.ServeMux, pattern, permission string, h http.HandlerFunc) {
	var handler http.Handler = h
	if permission != "" {
		handler = s.authn.Require(permission, handler)
	}
	mux.Handle(pattern, s.instrument(pattern, handler))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		s.deps.Metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), elapsed.Seconds())
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.security.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleHealth reports the watchdog's last results.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": health.StatusOK})
		return
	}
	report := s.deps.Watchdog.Report()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a domain error to its status code.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, taskgraph.ErrTaskNotFound),
		errors.Is(err, keypool.ErrKeyNotFound),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, persona.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskgraph.ErrDuplicateTask),
		errors.Is(err, taskgraph.ErrInvalidTransition),
		errors.Is(err, taskgraph.ErrDependenciesIncomplete):
		return http.StatusConflict
	case errors.Is(err, taskgraph.ErrUnknownDependency),
		errors.Is(err, taskgraph.ErrDependencyCycle),
		errors.Is(err, taskgraph.ErrInvalidStatus),
		errors.Is(err, taskgraph.ErrNoAgents),
		errors.Is(err, keypool.ErrUnknownProvider),
		errors.Is(err, beam.ErrNoModels),
		errors.Is(err, beam.ErrUnknownModel),
		errors.Is(err, fusion.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, beam.ErrAllModelsFailed),
		errors.Is(err, keypool.ErrExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
