// SPDX-License-Identifier: MIT

package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func storeEvent(t *testing.T, s *Store, id, sessionID, source, level, ts string) {
	t.Helper()
	err := s.Store(event.Event{
		EventID:      id,
		RawTimestamp: ts,
		SessionID:    sessionID,
		Source:       source,
		Level:        level,
	})
	if err != nil {
		t.Fatalf("store %s: %v", id, err)
	}
}

func TestStoreAndLoad(t *testing.T) {
	s := newTestStore(t)
	storeEvent(t, s, "evt-1", "sess-a", "web", "INFO", "2026-08-26T10:00:00Z")
	storeEvent(t, s, "evt-2", "sess-b", "web", "ERROR", "2026-08-26T10:01:00Z")
	storeEvent(t, s, "evt-3", "sess-a", "worker", "INFO", "2026-08-26T10:02:00Z")

	all, err := s.Load(Filter{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("loaded %d events, want 3", len(all))
	}
	if all[0].EventID != "evt-1" || all[2].EventID != "evt-3" {
		t.Errorf("order = %q .. %q", all[0].EventID, all[2].EventID)
	}
}

func TestLoadFiltered(t *testing.T) {
	s := newTestStore(t)
	storeEvent(t, s, "evt-1", "sess-a", "web", "INFO", "2026-08-26T10:00:00Z")
	storeEvent(t, s, "evt-2", "sess-b", "web", "ERROR", "2026-08-26T10:01:00Z")
	storeEvent(t, s, "evt-3", "sess-a", "worker", "INFO", "2026-08-26T10:02:00Z")

	bySession, _ := s.Load(Filter{SessionID: "sess-a"})
	if len(bySession) != 2 {
		t.Errorf("session filter = %d events", len(bySession))
	}
	byLevel, _ := s.Load(Filter{Level: "ERROR"})
	if len(byLevel) != 1 || byLevel[0].EventID != "evt-2" {
		t.Errorf("level filter = %+v", byLevel)
	}
	byTime, _ := s.Load(Filter{StartTime: "2026-08-26T10:01:00Z", EndTime: "2026-08-26T10:01:30Z"})
	if len(byTime) != 1 || byTime[0].EventID != "evt-2" {
		t.Errorf("time filter = %+v", byTime)
	}
	limited, _ := s.Load(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d events", len(limited))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	storeEvent(t, s, "evt-1", "sess-a", "web", "INFO", "2026-08-26T10:00:00Z")
	storeEvent(t, s, "evt-2", "sess-a", "web", "ERROR", "2026-08-26T10:01:00Z")
	storeEvent(t, s, "evt-3", "", "worker", "", "2026-08-26T10:02:00Z")

	idx := s.Stats()
	if idx.TotalEvents != 3 {
		t.Errorf("total = %d", idx.TotalEvents)
	}
	if idx.Sessions["sess-a"] != 2 {
		t.Errorf("sessions = %v", idx.Sessions)
	}
	if idx.Sources["web"] != 2 || idx.Sources["worker"] != 1 {
		t.Errorf("sources = %v", idx.Sources)
	}
	// Empty level defaults to INFO.
	if idx.Levels[event.LevelInfo] != 2 {
		t.Errorf("levels = %v", idx.Levels)
	}
	if idx.LastUpdated == "" {
		t.Error("last updated empty")
	}
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	storeEvent(t, s, "evt-1", "", "web", "INFO", "2026-08-26T10:00:00Z")

	// Corrupt the log by hand, then append another good record.
	f, err := os.OpenFile(s.eventsPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{torn write\n")
	f.Close()
	storeEvent(t, s, "evt-2", "", "web", "INFO", "2026-08-26T10:01:00Z")

	all, err := s.Load(Filter{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 2 || all[1].EventID != "evt-2" {
		t.Errorf("events = %+v", all)
	}
}

func TestEmptyStore(t *testing.T) {
	s := newTestStore(t)
	all, err := s.Load(Filter{})
	if err != nil || all != nil {
		t.Errorf("load = %v, %v", all, err)
	}
	if idx := s.Stats(); idx.TotalEvents != 0 {
		t.Errorf("stats = %+v", idx)
	}

	if _, err := os.Stat(filepath.Join(s.dir, "index.json")); err != nil {
		t.Errorf("index not initialised: %v", err)
	}
}

func TestStoredAtStamp(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	storeEvent(t, s, "evt-1", "", "web", "INFO", "2026-08-26T10:00:00Z")
	all, _ := s.Load(Filter{})
	if all[0].StoredAt != "2026-08-26T12:00:00Z" {
		t.Errorf("stored_at = %q", all[0].StoredAt)
	}
}
