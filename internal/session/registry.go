// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a replay id is absent from the registry.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session under a live replay id.
	ErrExists = errors.New("session already exists")
)

// Config is the immutable part of a session fixed at creation.
type Config struct {
	Mode  Mode
	Speed float64
}

// ProgressUpdate carries the optional fields of a progress publication. Nil
// pointers and empty strings leave the stored value untouched.
type ProgressUpdate struct {
	EventsProcessed *int
	TotalEvents     *int
	BugsDetected    *int
	Progress        *float64
	CurrentEventID  string
	RawEventJSON    string
	Message         string
}

// Registry is the mutex-guarded map of replay sessions. The single mutex is
// held only for the duration of each read or write; the registry never
// performs I/O under the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxSize  int
	logger   zerolog.Logger
	now      func() time.Time
}

// DefaultMaxSessions bounds the registry before oldest terminal sessions
// are purged.
const DefaultMaxSessions = 256

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		maxSize:  DefaultMaxSessions,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// Create inserts a new pending session. The engine flips it to running once
// it picks the replay up. Fails with ErrExists when the replay id is already
// present.
func (r *Registry) Create(replayID string, cfg Config) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[replayID]; ok {
		return Session{}, ErrExists
	}
	if len(r.sessions) >= r.maxSize {
		r.purgeOldestTerminalLocked()
	}

	s := &Session{
		ReplayID:     replayID,
		Mode:         cfg.Mode,
		Speed:        cfg.Speed,
		Status:       StatusPending,
		StartTime:    r.now(),
		CurrentEvent: defaultEventDetails(),
	}
	r.sessions[replayID] = s

	r.logger.Info().Str("replay_id", replayID).Str("mode", string(cfg.Mode)).Msg("created session")
	return *s, nil
}

// UpdateStatus sets the session status, honoring terminal stickiness: a
// terminal status is only ever overwritten by failed. An optional message
// replaces the last diagnostic.
func (r *Registry) UpdateStatus(replayID string, status Status, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[replayID]
	if !ok {
		return false
	}
	if s.Status.Terminal() && status != StatusFailed {
		r.logger.Debug().
			Str("replay_id", replayID).
			Str("from", string(s.Status)).
			Str("to", string(status)).
			Msg("ignoring status overwrite of terminal session")
		return false
	}
	s.Status = status
	if message != "" {
		s.Message = message
	}
	return true
}

// UpdateProgress applies the provided fields and refreshes the current-event
// snapshot when a raw event is included. Progress publications are monotone
// per replay id by construction: only the owning engine calls this.
func (r *Registry) UpdateProgress(replayID string, upd ProgressUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[replayID]
	if !ok {
		r.logger.Warn().Str("replay_id", replayID).Msg("progress update for unknown session")
		return false
	}
	if upd.EventsProcessed != nil {
		s.EventsProcessed = *upd.EventsProcessed
	}
	if upd.TotalEvents != nil {
		s.TotalEvents = *upd.TotalEvents
	}
	if upd.BugsDetected != nil {
		s.BugsDetected = *upd.BugsDetected
	}
	if upd.Progress != nil {
		s.Progress = *upd.Progress
	}
	if upd.CurrentEventID != "" {
		s.CurrentEventID = upd.CurrentEventID
	}
	if upd.Message != "" {
		s.Message = upd.Message
	}
	if upd.RawEventJSON != "" {
		s.rawEventJSON = upd.RawEventJSON
		s.refreshEventDetails()
	}
	return true
}

// Get returns a copy of the session, or ErrNotFound.
func (r *Registry) Get(replayID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[replayID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// List returns session copies, optionally filtered by status and replay id,
// ordered by start time.
func (r *Registry) List(status Status, replayID string) []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if status != "" && s.Status != status {
			continue
		}
		if replayID != "" && s.ReplayID != replayID {
			continue
		}
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Complete marks the session completed with full progress.
func (r *Registry) Complete(replayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[replayID]
	if !ok {
		return false
	}
	if s.Status.Terminal() {
		return false
	}
	s.Status = StatusCompleted
	// An empty run completes at 0.0, never NaN.
	if s.TotalEvents > 0 {
		s.Progress = 1.0
	}
	return true
}

// Delete removes the session.
func (r *Registry) Delete(replayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[replayID]; !ok {
		return false
	}
	delete(r.sessions, replayID)
	r.logger.Info().Str("replay_id", replayID).Msg("deleted session")
	return true
}

// PurgeTerminal removes terminal sessions older than age and returns how
// many were purged.
func (r *Registry) PurgeTerminal(age time.Duration) int {
	cutoff := r.now().Add(-age)

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, s := range r.sessions {
		if s.Status.Terminal() && s.StartTime.Before(cutoff) {
			delete(r.sessions, id)
			purged++
		}
	}
	return purged
}

// purgeOldestTerminalLocked evicts the oldest terminal session to make room.
// Running sessions are never evicted.
func (r *Registry) purgeOldestTerminalLocked() {
	var oldestID string
	var oldest time.Time
	for id, s := range r.sessions {
		if !s.Status.Terminal() {
			continue
		}
		if oldestID == "" || s.StartTime.Before(oldest) {
			oldestID = id
			oldest = s.StartTime
		}
	}
	if oldestID != "" {
		delete(r.sessions, oldestID)
		r.logger.Debug().Str("replay_id", oldestID).Msg("evicted terminal session at capacity")
	}
}
