// SPDX-License-Identifier: MIT

// Package report serializes the final per-run summary into machine-readable
// and human-readable artifacts. Writes go through a bounded queue so report
// I/O can never stall the next replay.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/metrics"
)

// Summary is the final record of one replay run.
type Summary struct {
	ReplayID        string         `json:"replay_id"`
	Status          string         `json:"status"`
	EventsProcessed int            `json:"events_processed"`
	TotalEvents     int            `json:"total_events"`
	Progress        float64        `json:"progress"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	BugsDetected    map[string]int `json:"bugs_detected"` // bug_type -> count
}

// Writer drains summaries from a bounded queue and writes both artifacts
// atomically. Enqueue never blocks; overflow drops the summary with a logged
// error.
type Writer struct {
	dir    string
	queue  chan Summary
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// DefaultQueueDepth bounds how many summaries may wait for disk.
const DefaultQueueDepth = 16

// NewWriter creates the report directory if needed and starts the drain
// goroutine.
func NewWriter(dir string, logger zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir %q: %w", dir, err)
	}
	w := &Writer{
		dir:    dir,
		queue:  make(chan Summary, DefaultQueueDepth),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "report").Logger(),
	}
	go w.drain()
	return w, nil
}

// Enqueue hands a summary to the writer without blocking the caller. Runs
// that outlive Close, such as a replay finishing during shutdown, drop their
// summary instead of hitting the closed queue.
func (w *Writer) Enqueue(s Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Error().Str("replay_id", s.ReplayID).Msg("writer closed, dropping summary")
		metrics.RecordReportWrite("dropped")
		return
	}
	select {
	case w.queue <- s:
	default:
		w.logger.Error().Str("replay_id", s.ReplayID).Msg("report queue full, dropping summary")
		metrics.RecordReportWrite("dropped")
	}
}

// Close stops accepting summaries and waits for queued ones to hit disk.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) drain() {
	defer close(w.done)
	for s := range w.queue {
		if err := w.write(s); err != nil {
			w.logger.Error().Err(err).Str("replay_id", s.ReplayID).Msg("write report failed")
			metrics.RecordReportWrite("failure")
			continue
		}
		metrics.RecordReportWrite("success")
		w.logger.Info().Str("replay_id", s.ReplayID).Msg("wrote report")
	}
}

// write produces both artifacts. Each is written to a temp file and renamed
// into place, so readers never observe a partial report.
func (w *Writer) write(s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	jsonPath := filepath.Join(w.dir, fmt.Sprintf("replay_%s.json", s.ReplayID))
	if err := renameio.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}

	htmlPath := filepath.Join(w.dir, fmt.Sprintf("replay_%s.html", s.ReplayID))
	pending, err := renameio.NewPendingFile(htmlPath)
	if err != nil {
		return fmt.Errorf("create pending report: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			w.logger.Debug().Err(err).Msg("cleanup pending report")
		}
	}()
	if err := htmlTemplate.Execute(pending, s); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", htmlPath, err)
	}
	return nil
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"percent": func(p float64) float64 { return p * 100 },
}).Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Replay Report - {{.ReplayID}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #333; }
        .metric { margin: 10px 0; }
        .metric strong { color: #555; }
    </style>
</head>
<body>
    <h1>Replay Report: {{.ReplayID}}</h1>
    <div class="metric"><strong>Status:</strong> {{.Status}}</div>
    <div class="metric"><strong>Events Processed:</strong> {{.EventsProcessed}} / {{.TotalEvents}}</div>
    <div class="metric"><strong>Progress:</strong> {{printf "%.1f" (percent .Progress)}}%</div>
    <div class="metric"><strong>Started At:</strong> {{.StartedAt.Format "2006-01-02T15:04:05Z07:00"}}</div>
    <div class="metric"><strong>Completed At:</strong> {{.CompletedAt.Format "2006-01-02T15:04:05Z07:00"}}</div>
    <div class="metric"><strong>Findings:</strong>
        <ul>{{range $type, $count := .BugsDetected}}<li>{{$type}}: {{$count}}</li>{{end}}</ul>
    </div>
</body>
</html>
`))
