// SPDX-License-Identifier: MIT

// Package api exposes the replay control surface: start/stop/status,
// checkpoint inspection, event ingest, health and metrics.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/checkpoint"
	"github.com/ManuGH/replayd/internal/filestore"
	"github.com/ManuGH/replayd/internal/replay"
	"github.com/ManuGH/replayd/internal/session"
	"github.com/ManuGH/replayd/internal/stream"
)

// Server is the HTTP control surface.
type Server struct {
	mu          sync.RWMutex
	token       string
	authEnabled bool

	adapter     *stream.Adapter // shared, long-lived; health + ingest only
	files       *filestore.Store
	checkpoints *checkpoint.Store
	sessions    *session.Registry
	engine      *replay.Engine
	defaults    ReplayDefaults

	logger zerolog.Logger
	now    func() time.Time
}

// ReplayDefaults supplies engine parameters the start request leaves unset.
type ReplayDefaults struct {
	CheckpointEvery   int
	MaxEventsPerBatch int64
	Speed             float64
}

// Options configures a Server.
type Options struct {
	AuthEnabled bool
	SharedToken string
	Adapter     *stream.Adapter
	Files       *filestore.Store // optional fallback store for ingest
	Checkpoints *checkpoint.Store
	Sessions    *session.Registry
	Engine      *replay.Engine
	Defaults    ReplayDefaults
	Logger      zerolog.Logger
}

// NewServer wires the control surface.
func NewServer(opts Options) *Server {
	return &Server{
		token:       opts.SharedToken,
		authEnabled: opts.AuthEnabled,
		adapter:     opts.Adapter,
		files:       opts.Files,
		checkpoints: opts.Checkpoints,
		sessions:    opts.Sessions,
		engine:      opts.Engine,
		defaults:    opts.Defaults,
		logger:      opts.Logger.With().Str("component", "api").Logger(),
		now:         time.Now,
	}
}

// SetToken swaps the shared bearer token, e.g. after a config reload.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logging)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/dashboard", s.handleDashboard)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/replay/start", s.handleStart)
		r.Post("/replay/stop", s.handleStop)
		r.Get("/replay/status", s.handleStatus)
		r.Get("/replay/checkpoints", s.handleListCheckpoints)
		r.Delete("/replay/checkpoints", s.handleClearCheckpoints)
		r.Post("/ingest", s.handleIngest)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stats", s.handleEventStats)
	})

	return r
}
