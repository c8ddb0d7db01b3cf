// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/replayd/internal/auth"
	"github.com/ManuGH/replayd/internal/log"
)

// requestID attaches a correlation id to every request, honoring an
// upstream X-Request-ID when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
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

// logging emits one structured entry per request with full latency.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger := log.FromContext(r.Context())
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// authMiddleware enforces the shared bearer token. With auth disabled every
// request passes; with auth enabled and no token configured the middleware
// fails closed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		token := s.token
		enabled := s.authEnabled
		s.mu.RUnlock()

		if !enabled {
			next.ServeHTTP(w, r)
			return
		}
		if token == "" {
			logger := log.FromContext(r.Context())
			logger.Error().Str("event", "auth.fail_closed").Msg("auth enabled but no shared token configured, denying access")
			writeUnauthorized(w)
			return
		}

		reqToken := auth.ExtractToken(r)
		if reqToken == "" {
			logger := log.FromContext(r.Context())
			logger.Warn().Str("event", "auth.missing_header").Msg("authorization header missing")
			writeUnauthorized(w)
			return
		}
		if !auth.AuthorizeToken(reqToken, token) {
			logger := log.FromContext(r.Context())
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid bearer token")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
