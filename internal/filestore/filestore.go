// SPDX-License-Identifier: MIT

// Package filestore is the file-backed fallback event store: events append
// to a JSONL log while an index file keeps aggregate counts for cheap stats.
package filestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/event"
)

// StoredEvent is the on-disk representation of one event.
type StoredEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Source    string         `json:"source"`
	Container string         `json:"container,omitempty"`
	Level     string         `json:"level"`
	Method    string         `json:"method,omitempty"`
	Path      string         `json:"path,omitempty"`
	Status    int            `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	StoredAt  string         `json:"stored_at"`
}

// Index aggregates counts over the stored events.
type Index struct {
	TotalEvents int            `json:"total_events"`
	Sessions    map[string]int `json:"sessions"`
	Sources     map[string]int `json:"sources"`
	Levels      map[string]int `json:"levels"`
	LastUpdated string         `json:"last_updated"`
}

func newIndex() Index {
	return Index{
		Sessions: make(map[string]int),
		Sources:  make(map[string]int),
		Levels:   make(map[string]int),
	}
}

// Filter narrows Load results. Zero values match everything.
type Filter struct {
	SessionID string
	Source    string
	Level     string
	StartTime string // inclusive, compared lexically as RFC3339
	EndTime   string // inclusive
	Limit     int
}

// Store is a directory-backed event store.
type Store struct {
	mu         sync.Mutex
	dir        string
	eventsPath string
	indexPath  string
	logger     zerolog.Logger
	now        func() time.Time
}

// New opens (or initialises) a store rooted at dir.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %q: %w", dir, err)
	}
	s := &Store{
		dir:        dir,
		eventsPath: filepath.Join(dir, "events.jsonl"),
		indexPath:  filepath.Join(dir, "index.json"),
		logger:     logger.With().Str("component", "filestore").Logger(),
		now:        time.Now,
	}
	if _, err := os.Stat(s.indexPath); os.IsNotExist(err) {
		if err := s.saveIndex(newIndex()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Store appends one event and updates the index.
func (s *Store) Store(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := StoredEvent{
		EventID:   ev.EventID,
		Timestamp: ev.RawTimestamp,
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Source:    ev.Source,
		Container: ev.Container,
		Level:     defaultLevel(ev.Level),
		Method:    ev.Method,
		Path:      ev.Path,
		Status:    ev.Status,
		Payload:   ev.Payload,
		Meta:      ev.Meta,
		StoredAt:  s.now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}

	f, err := os.OpenFile(s.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close events file: %w", cerr)
	}

	idx := s.loadIndex()
	idx.TotalEvents++
	if rec.SessionID != "" {
		idx.Sessions[rec.SessionID]++
	}
	idx.Sources[rec.Source]++
	idx.Levels[rec.Level]++
	return s.saveIndex(idx)
}

// Load reads events matching the filter in stored order.
func (s *Store) Load(filter Filter) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close events file")
		}
	}()

	var out []StoredEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		var rec StoredEvent
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn().Int("line", line).Err(err).Msg("skipping unparseable event")
			continue
		}
		if filter.SessionID != "" && rec.SessionID != filter.SessionID {
			continue
		}
		if filter.Source != "" && rec.Source != filter.Source {
			continue
		}
		if filter.Level != "" && rec.Level != filter.Level {
			continue
		}
		if filter.StartTime != "" && rec.Timestamp < filter.StartTime {
			continue
		}
		if filter.EndTime != "" && rec.Timestamp > filter.EndTime {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan events file: %w", err)
	}
	return out, nil
}

// Stats returns the current index.
func (s *Store) Stats() Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex()
}

func (s *Store) loadIndex() Index {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load index failed")
		return newIndex()
	}
	idx := newIndex()
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn().Err(err).Msg("decode index failed")
		return newIndex()
	}
	return idx
}

func (s *Store) saveIndex(idx Index) error {
	idx.LastUpdated = s.now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := renameio.WriteFile(s.indexPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func defaultLevel(level string) string {
	if level == "" {
		return event.LevelInfo
	}
	return level
}
