// Package proxy is the web layer in front of the backend API. Each
// route resolves the caller's session, checks its role, and forwards
// the request with the session's access token attached. Backend errors
// come back as {"error": "..."} with the backend's status.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/agrifarm/internal/config"
	"github.com/nugget/agrifarm/internal/connwatch"
	"github.com/nugget/agrifarm/internal/httpkit"
	"github.com/nugget/agrifarm/internal/session"
)

const (
	// maxJSONBody bounds a JSON request body read for validation.
	maxJSONBody = 1 << 20
	// maxErrorBody bounds how much of a backend error body is parsed.
	maxErrorBody = 64 << 10
)

// Server is the web proxy.
type Server struct {
	cfg    config.ProxyConfig
	sealer *session.Sealer
	client *http.Client
	health *connwatch.Manager
	routes []Route
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a proxy for cfg.UpstreamURL. A nil client gets an
// httpkit client with the configured timeout. health may be nil, in
// which case /healthz always reports ok.
func NewServer(cfg config.ProxyConfig, sealer *session.Sealer, client *http.Client, health *connwatch.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.TimeoutSec)*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	cfg.UpstreamURL = strings.TrimRight(cfg.UpstreamURL, "/")
	return &Server{
		cfg:    cfg,
		sealer: sealer,
		client: client,
		health: health,
		routes: Routes,
		logger: logger,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(CORS(s.cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		for _, rt := range s.routes {
			api.Method(rt.Method, rt.Path, s.forward(rt))
		}
	})
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web proxy",
		"address", addr,
		"port", s.cfg.Port,
		"upstream", s.cfg.UpstreamURL,
		"routes", len(s.routes),
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forward returns the handler for one route.
func (s *Server) forward(rt Route) http.HandlerFunc {
	method := rt.Method
	if rt.UpstreamMethod != "" {
		method = rt.UpstreamMethod
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var token string
		if !rt.Public {
			ws, err := s.sealer.FromRequest(r)
			if err != nil || (rt.Role != "" && ws.User.Role != rt.Role) {
				s.fail(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			token = ws.AccessToken
		}

		if rt.Check != nil {
			if msg := rt.Check(r); msg != "" {
				s.fail(w, http.StatusBadRequest, msg)
				return
			}
		}

		var (
			body          io.Reader
			contentType   string
			contentLength int64
		)
		switch rt.Body {
		case BodyJSON:
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
			if err != nil {
				s.fail(w, http.StatusBadRequest, "Invalid request body")
				return
			}
			if rt.Validate != nil {
				fwd, msg := rt.Validate(raw)
				if msg != "" {
					s.fail(w, http.StatusBadRequest, msg)
					return
				}
				raw = fwd
			}
			if len(raw) > 0 {
				body = bytes.NewReader(raw)
				contentType = "application/json"
				contentLength = int64(len(raw))
			}
		case BodyStream:
			body = r.Body
			contentType = r.Header.Get("Content-Type")
			contentLength = r.ContentLength
		}

		target := s.cfg.UpstreamURL + rt.Upstream(r)
		if rt.Query && r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), method, target, body)
		if err != nil {
			s.internalError(w, r, rt, err)
			return
		}
		if rt.Body == BodyStream {
			req.ContentLength = contentLength
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			req.Header.Set(middleware.RequestIDHeader, id)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			s.internalError(w, r, rt, err)
			return
		}
		defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			msg := httpkit.ErrorMessage(raw, rt.FailMessage)
			s.logger.Debug("upstream error relayed",
				"route", rt.Method+" "+rt.Path,
				"status", resp.StatusCode,
				"message", msg,
			)
			s.fail(w, resp.StatusCode, msg)
			return
		}

		if rt.Success != nil {
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				s.internalError(w, r, rt, err)
				return
			}
			s.respond(w, resp.StatusCode, rt.Success(raw))
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			s.logger.Debug("relay body interrupted", "path", r.URL.Path, "error", err)
		}
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, rt Route, err error) {
	if r.Context().Err() != nil {
		return
	}
	s.logger.Error("proxy request failed",
		"route", rt.Method+" "+rt.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	s.fail(w, http.StatusInternalServerError, "Internal server error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.health.Status()
	status, code := "ok", http.StatusOK
	for _, svc := range services {
		if !svc.Ready {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	s.respond(w, code, map[string]any{
		"status":   status,
		"services": services,
	})
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	s.respond(w, code, map[string]string{"error": msg})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
