// Package api implements the backend HTTP API: chat, IoT device
// control, installation requests, knowledge administration and router
// introspection.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/agrifarm/internal/buildinfo"
	"github.com/nugget/agrifarm/internal/chat"
	"github.com/nugget/agrifarm/internal/connwatch"
	"github.com/nugget/agrifarm/internal/events"
	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/installation"
	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/knowledge"
	"github.com/nugget/agrifarm/internal/router"
	"github.com/nugget/agrifarm/internal/session"
	"github.com/nugget/agrifarm/internal/users"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the services behind the API. Nil knowledge, router or
// installation services make their endpoints answer 503.
type Deps struct {
	Sealer        *session.Sealer
	Users         *users.Store
	Chat          *chat.Service
	Router        *router.Router
	Devices       *iot.Controller
	Knowledge     *knowledge.Service
	Installations *installation.Store
	Events        *events.Bus
	Health        *connwatch.Manager
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The proxy and the dashboard are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Chat
	mux.HandleFunc("POST /chat/messages", s.authed(s.handleSendMessage))
	mux.HandleFunc("GET /chat/conversations", s.authed(s.handleConversationList))
	mux.HandleFunc("GET /chat/conversations/{id}", s.authed(s.handleConversationGet))
	mux.HandleFunc("DELETE /chat/conversations/{id}", s.authed(s.handleConversationDelete))
	mux.HandleFunc("GET /chat/conversations/{id}/messages", s.authed(s.handleMessageList))

	// IoT
	mux.HandleFunc("GET /iot/devices", s.authed(s.handleDeviceList))
	mux.HandleFunc("GET /iot/sensors/latest", s.authed(s.handleLatestReadings))
	mux.HandleFunc("PUT /iot/devices/{id}/assign", s.authed(s.handleDeviceAssign))
	mux.HandleFunc("GET /iot/devices/{id}/qrcode", s.authed(s.handleDeviceQRCode))
	mux.HandleFunc("POST /iot/devices/{id}/irrigation/{action}", s.authed(s.handleIrrigation))
	mux.HandleFunc("GET /iot/devices/{id}/irrigation/history", s.authed(s.handleIrrigationHistory))
	mux.HandleFunc("POST /iot/devices/{id}/lighting/{action}", s.authed(s.handleLighting))
	mux.HandleFunc("GET /iot/devices/{id}/lighting/history", s.authed(s.handleLightingHistory))
	mux.HandleFunc("GET /ws/sensors", s.handleSensorStream)

	// Installation requests
	mux.HandleFunc("POST /installation-requests", s.authed(s.handleInstallationCreate, users.RoleFarmer))
	mux.HandleFunc("GET /installation-requests", s.authed(s.handleInstallationList))
	mux.HandleFunc("PUT /installation-requests/{id}/cancel", s.authed(s.handleInstallationCancel, users.RoleFarmer))
	mux.HandleFunc("GET /technician/installation-requests", s.authed(s.handleTechnicianRequests, users.RoleTechnician))
	mux.HandleFunc("GET /technician/installation-requests/{id}", s.authed(s.handleTechnicianRequestGet, users.RoleTechnician))
	mux.HandleFunc("PUT /technician/installation-requests/{id}/start", s.authed(s.handleTechnicianStart, users.RoleTechnician))
	mux.HandleFunc("PUT /technician/installation-requests/{id}/complete", s.authed(s.handleTechnicianComplete, users.RoleTechnician))
	mux.HandleFunc("POST /technician/devices/activate", s.authed(s.handleDeviceActivate, users.RoleTechnician))

	// Administration
	mux.HandleFunc("POST /admin/crop-knowledge/upload", s.authed(s.handleKnowledgeUpload, users.RoleAdmin))
	mux.HandleFunc("GET /admin/documents", s.authed(s.handleDocumentList, users.RoleAdmin))
	mux.HandleFunc("POST /admin/documents/{id}/reprocess", s.authed(s.handleDocumentReprocess, users.RoleAdmin))
	mux.HandleFunc("PUT /admin/installation-requests/{id}/assign", s.authed(s.handleInstallationAssign, users.RoleAdmin))
	mux.HandleFunc("PUT /admin/installation-requests/{id}/cancel", s.authed(s.handleAdminInstallationCancel, users.RoleAdmin))
	mux.HandleFunc("PUT /users/{id}/activate", s.authed(s.handleUserActivate, users.RoleAdmin))
	mux.HandleFunc("PUT /users/{id}/deactivate", s.authed(s.handleUserDeactivate, users.RoleAdmin))

	// Router introspection
	mux.HandleFunc("GET /router/stats", s.authed(s.handleRouterStats, users.RoleAdmin))
	mux.HandleFunc("GET /router/audit", s.authed(s.handleRouterAudit, users.RoleAdmin))
	mux.HandleFunc("GET /router/explain/{requestId}", s.authed(s.handleRouterExplain, users.RoleAdmin))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Device acks and model answers are slow
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "healthy",
		"services": s.deps.Health.Status(),
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "authentication_error"
	case code == http.StatusForbidden:
		return "permission_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// errorStatus maps the domain sentinels to HTTP status codes.
var errorStatus = []struct {
	err  error
	code int
}{
	{chat.ErrNotFound, http.StatusNotFound},
	{iot.ErrNotFound, http.StatusNotFound},
	{iot.ErrDeviceNotRegistered, http.StatusNotFound},
	{installation.ErrNotFound, http.StatusNotFound},
	{knowledge.ErrNotFound, http.StatusNotFound},
	{users.ErrNotFound, http.StatusNotFound},
	{farms.ErrNotFound, http.StatusNotFound},

	{iot.ErrForbidden, http.StatusForbidden},
	{installation.ErrForbidden, http.StatusForbidden},
	{farms.ErrForbidden, http.StatusForbidden},

	{installation.ErrInvalidTransition, http.StatusConflict},
	{iot.ErrSerialTaken, http.StatusConflict},
	{iot.ErrAlreadyActivated, http.StatusConflict},

	{chat.ErrInvalidInput, http.StatusBadRequest},
	{iot.ErrInvalidInput, http.StatusBadRequest},
	{iot.ErrInactive, http.StatusBadRequest},
	{iot.ErrNotAssigned, http.StatusBadRequest},
	{installation.ErrInvalidInput, http.StatusBadRequest},
	{users.ErrInvalidInput, http.StatusBadRequest},
	{farms.ErrInvalidInput, http.StatusBadRequest},
	{knowledge.ErrUnsupportedType, http.StatusBadRequest},
	{knowledge.ErrEmptyDocument, http.StatusBadRequest},
}

// writeError answers with the status matching err. Unknown errors are
// logged and reported as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			s.errorResponse(w, m.code, err.Error())
			return
		}
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("request cancelled", "path", r.URL.Path)
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal server error")
}

// decodeBody decodes a JSON request body into v. An empty body leaves
// v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	stats := s.deps.Router.Stats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	// Parse limit from query
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.deps.Router.AuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	requestID := r.PathValue("requestId")
	if requestID == "" {
		s.errorResponse(w, http.StatusBadRequest, "requestId required")
		return
	}

	decision := s.deps.Router.Explain(requestID)
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
