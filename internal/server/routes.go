// ABOUTME: Route table pairing every pattern with its declared authentication
// ABOUTME: Wraps the mux in CORS and request logging

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/2389/keygate/internal/auth"
)

// route is one entry of the API. auth is explicit on every entry.
type route struct {
	pattern string
	auth    auth.Route
	handler http.HandlerFunc
}

var (
	skipAuth      = auth.Route{Mode: auth.ModeSkip}
	basicAuth     = auth.Route{Mode: auth.ModeBasic}
	signatureAuth = auth.Route{Mode: auth.ModeSignature}
)

func (s *Server) routes() []route {
	return []route{
		{"POST /signup", skipAuth, s.handleSignup},
		{"GET /verify/{user_id}/{verification_code}", skipAuth, s.handleVerify},
		{"POST /keys", basicAuth, s.handleCreateKey},
		{"GET /keys", signatureAuth, s.handleGetKey},
		{"DELETE /keys", signatureAuth, s.handleRevokeKey},
		{"DELETE /users", signatureAuth, s.handleDeleteUser},
		{"GET /health", skipAuth, s.handleHealth},
		{"GET /ready", skipAuth, s.handleReady},
	}
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		mux.Handle(rt.pattern, s.deps.Auth.Middleware(rt.auth)(rt.handler))
	}

	var handler http.Handler = mux
	// An empty origin list would make cors allow every origin.
	if origins := s.config.Server.CORSOrigins; len(origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Date", "X-Content-Sha256"},
		}).Handler(handler)
	}
	return requestLogger(s.logger, handler)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
