// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ManuGH/replayd/internal/event"
	"github.com/ManuGH/replayd/internal/filestore"
	"github.com/ManuGH/replayd/internal/log"
	"github.com/ManuGH/replayd/internal/replay"
	"github.com/ManuGH/replayd/internal/session"
)

type startRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	StartTS   string  `json:"start_ts,omitempty"`
	EndTS     string  `json:"end_ts,omitempty"`
	Mode      string  `json:"mode"`
	Speed     float64 `json:"speed"`
}

type startResponse struct {
	ReplayID string `json:"replay_id"`
	Status   string `json:"status"`
}

type stopRequest struct {
	ReplayID string `json:"replay_id"`
}

type statusResponse struct {
	ReplayID        string               `json:"replay_id"`
	State           string               `json:"state"`
	Progress        float64              `json:"progress"`
	EventsProcessed int                  `json:"events_processed"`
	TotalEvents     int                  `json:"total_events"`
	BugsDetected    int                  `json:"bugs_detected"`
	ElapsedSeconds  int                  `json:"elapsed_seconds"`
	CurrentEventID  string               `json:"current_event_id,omitempty"`
	Message         string               `json:"message,omitempty"`
	CurrentEvent    session.EventDetails `json:"current_event_details"`
}

// handleStart registers a session and launches the replay as an independent
// task. The run is detached from the request context; only an explicit stop
// or process shutdown ends it.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	mode := session.Mode(req.Mode)
	if mode == "" {
		mode = session.ModeDryRun
	}
	if !session.ValidMode(mode) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.defaults.Speed
	}

	replayID := "r-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if _, err := s.sessions.Create(replayID, session.Config{Mode: mode, Speed: speed}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	cfg := replay.Config{
		ReplayID:          replayID,
		SessionID:         req.SessionID,
		StartTS:           req.StartTS,
		EndTS:             req.EndTS,
		Mode:              mode,
		Speed:             speed,
		CheckpointEvery:   s.defaults.CheckpointEvery,
		MaxEventsPerBatch: s.defaults.MaxEventsPerBatch,
	}

	go func() {
		ctx := log.ContextWithReplayID(context.Background(), replayID)
		if err := s.engine.Run(ctx, cfg); err != nil {
			s.logger.Error().Err(err).Str("replay_id", replayID).Msg("replay run failed")
		}
	}()

	s.logger.Info().Str("replay_id", replayID).Str("mode", string(mode)).Msg("replay started")
	writeJSON(w, http.StatusOK, startResponse{ReplayID: replayID, Status: "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if _, err := s.sessions.Get(req.ReplayID); errors.Is(err, session.ErrNotFound) {
		writeNotFound(w)
		return
	}
	s.sessions.UpdateStatus(req.ReplayID, session.StatusStopped, "stopped by operator")
	s.logger.Info().Str("replay_id", req.ReplayID).Msg("replay stopped")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	replayID := r.URL.Query().Get("replay_id")
	sess, err := s.sessions.Get(replayID)
	if err != nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ReplayID:        sess.ReplayID,
		State:           string(sess.Status),
		Progress:        sess.Progress,
		EventsProcessed: sess.EventsProcessed,
		TotalEvents:     sess.TotalEvents,
		BugsDetected:    sess.BugsDetected,
		ElapsedSeconds:  sess.Elapsed(s.now()),
		CurrentEventID:  sess.CurrentEventID,
		Message:         sess.Message,
		CurrentEvent:    sess.CurrentEvent,
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	replayID := r.URL.Query().Get("replay_id")
	if replayID == "" {
		writeError(w, http.StatusBadRequest, "replay_id is required")
		return
	}
	kinds := s.checkpoints.List(r.Context(), replayID)
	out := make(map[string]any, len(kinds))
	for _, kind := range kinds {
		out[kind] = s.checkpoints.Load(r.Context(), replayID, kind)
	}
	writeJSON(w, http.StatusOK, map[string]any{"replay_id": replayID, "checkpoints": out})
}

func (s *Server) handleClearCheckpoints(w http.ResponseWriter, r *http.Request) {
	replayID := r.URL.Query().Get("replay_id")
	if replayID == "" {
		writeError(w, http.StatusBadRequest, "replay_id is required")
		return
	}
	cleared := s.checkpoints.ClearAll(r.Context(), replayID)
	writeJSON(w, http.StatusOK, map[string]any{"replay_id": replayID, "cleared": cleared})
}

// handleIngest appends one event to the broker stream. Nested payload and
// meta documents are stored as JSON strings, matching the wire format the
// replayer reads back.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
		return
	}
	if id, _ := body["event_id"].(string); id == "" {
		writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}

	fields := make(map[string]any, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case map[string]any:
			encoded, err := json.Marshal(val)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("encode %s: %v", k, err))
				return
			}
			fields[k] = string(encoded)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}

	id, err := s.adapter.Add(r.Context(), fields)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"stream_id": id, "status": "stored"})
		return
	}

	// Broker down: keep the event in the file fallback so nothing is lost.
	if s.files != nil {
		strFields := make(map[string]string, len(fields))
		for k, v := range fields {
			strFields[k] = fmt.Sprint(v)
		}
		if ferr := s.files.Store(event.ParseFields("", strFields)); ferr == nil {
			logger := log.FromContext(r.Context())
			logger.Warn().Err(err).Msg("broker unavailable, event stored in file fallback")
			writeJSON(w, http.StatusOK, map[string]string{"status": "stored_fallback"})
			return
		}
	}
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

// handleEvents queries the file fallback store.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusNotImplemented, "file store not configured")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.files.Load(filestore.Filter{
		SessionID: q.Get("session_id"),
		Source:    q.Get("source"),
		Level:     q.Get("level"),
		StartTime: q.Get("start_time"),
		EndTime:   q.Get("end_time"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusNotImplemented, "file store not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.files.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "broker": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "broker": "connected"})
}
