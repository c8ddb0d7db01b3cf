// SPDX-License-Identifier: MIT

// Package session holds the in-process registry of replay sessions observed
// by the control API and mutated by the replay engine.
package session

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/replayd/internal/event"
)

// Status is the lifecycle state of a replay session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is absorbing. Terminal statuses are
// sticky; only failed may overwrite another terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Mode is the replay pacing mode.
type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeTimed  Mode = "timed"
	ModeLive   Mode = "live"
)

// ValidMode reports whether m is a recognised pacing mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeDryRun, ModeTimed, ModeLive:
		return true
	}
	return false
}

// EventDetails is the parsed snapshot of the event a replay is currently
// processing, for dashboard display.
type EventDetails struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Activity string `json:"activity"`
	Status   string `json:"status"`
}

func defaultEventDetails() EventDetails {
	return EventDetails{Method: "GET", Path: "Unknown", Activity: "N/A", Status: "N/A"}
}

// Session is the mutable in-process record of one replay.
type Session struct {
	ReplayID        string       `json:"replay_id"`
	Mode            Mode         `json:"mode"`
	Speed           float64      `json:"speed"`
	Status          Status       `json:"status"`
	StartTime       time.Time    `json:"start_time"`
	EventsProcessed int          `json:"events_processed"`
	TotalEvents     int          `json:"total_events"`
	BugsDetected    int          `json:"bugs_detected"`
	Progress        float64      `json:"progress"`
	CurrentEventID  string       `json:"current_event_id,omitempty"`
	CurrentEvent    EventDetails `json:"current_event_details"`
	Message         string       `json:"message,omitempty"`

	rawEventJSON string
}

// Elapsed returns whole seconds since the session started.
func (s Session) Elapsed(now time.Time) int {
	if s.StartTime.IsZero() {
		return 0
	}
	return int(now.Sub(s.StartTime).Seconds())
}

// refreshEventDetails re-derives the current-event snapshot from the stored
// raw event JSON. Best effort: a parse failure leaves a marker, never an
// error.
func (s *Session) refreshEventDetails() {
	if s.rawEventJSON == "" {
		s.CurrentEvent = defaultEventDetails()
		return
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s.rawEventJSON), &raw); err != nil {
		s.CurrentEvent = EventDetails{Method: "GET", Path: "Unknown", Activity: "Parse Error", Status: "N/A"}
		return
	}

	details := defaultEventDetails()
	if m, ok := raw["method"].(string); ok && m != "" {
		details.Method = m
	}
	if p, ok := raw["path"].(string); ok && p != "" {
		details.Path = p
		details.Activity = event.ActivityForPath(p)
	}
	if st, ok := raw["status"]; ok {
		switch v := st.(type) {
		case float64:
			details.Status = fmt.Sprintf("%d", int(v))
		case string:
			if v != "" {
				details.Status = v
			}
		}
	}
	s.CurrentEvent = details
}
