// SPDX-License-Identifier: MIT

// Package replay implements the deterministic replay engine: read a slice of
// the event stream, sort it into a reproducible order, pace through it while
// detecting anomalies, checkpoint progress and acknowledge each event.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/checkpoint"
	"github.com/ManuGH/replayd/internal/detect"
	"github.com/ManuGH/replayd/internal/event"
	"github.com/ManuGH/replayd/internal/metrics"
	"github.com/ManuGH/replayd/internal/report"
	"github.com/ManuGH/replayd/internal/session"
	"github.com/ManuGH/replayd/internal/stream"
)

// Config describes one replay run.
type Config struct {
	ReplayID          string
	SessionID         string // optional post-read filter on event session_id
	StartTS           string // broker id or "0"
	EndTS             string // broker id or "+"
	Mode              session.Mode
	Speed             float64
	CheckpointEvery   int
	MaxEventsPerBatch int64
}

// normalize fills defaults the way the control surface documents them.
func (c *Config) normalize() error {
	if c.ReplayID == "" {
		return errors.New("replay_id is required")
	}
	if c.Mode == "" {
		c.Mode = session.ModeDryRun
	}
	if !session.ValidMode(c.Mode) {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	if c.StartTS == "" {
		c.StartTS = "0"
	}
	if c.EndTS == "" {
		c.EndTS = "+"
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	return nil
}

// stopCheckInterval bounds how long a pacing sleep may run between
// cancellation checks.
const stopCheckInterval = 500 * time.Millisecond

// maxTimedSleep clamps timed-mode inter-event delays.
const maxTimedSleep = 2 * time.Second

// ErrSessionMissing is returned when the engine is started for a replay id
// the registry does not know.
var ErrSessionMissing = errors.New("replay session not registered")

// AdapterFactory mints a broker adapter for one run. Each run owns its
// adapter and disconnects it on exit, so concurrent runs never share a
// connection lifecycle.
type AdapterFactory func() (*stream.Adapter, error)

// Engine drives replay runs. One Engine may serve many runs; all per-run
// state (adapter, detector, pacing) lives in the run itself.
type Engine struct {
	newAdapter  AdapterFactory
	checkpoints *checkpoint.Store
	sessions    *session.Registry
	reports     *report.Writer
	detectCfg   detect.Config
	logger      zerolog.Logger
	now         func() time.Time
}

// New wires an engine from its collaborators.
func New(newAdapter AdapterFactory, checkpoints *checkpoint.Store, sessions *session.Registry, reports *report.Writer, detectCfg detect.Config, logger zerolog.Logger) *Engine {
	return &Engine{
		newAdapter:  newAdapter,
		checkpoints: checkpoints,
		sessions:    sessions,
		reports:     reports,
		detectCfg:   detectCfg,
		logger:      logger.With().Str("component", "replay").Logger(),
		now:         time.Now,
	}
}

// Run executes one replay to a terminal state. The session must already
// exist in the registry. Any error marks the session failed before
// propagating.
func (e *Engine) Run(ctx context.Context, cfg Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	logger := e.logger.With().Str("replay_id", cfg.ReplayID).Logger()
	started := e.now()

	adapter, err := e.newAdapter()
	if err == nil {
		err = e.run(ctx, cfg, adapter, logger, started)
	}
	if err != nil {
		logger.Error().Err(err).Msg("replay failed")
		e.sessions.UpdateStatus(cfg.ReplayID, session.StatusFailed, err.Error())
		metrics.RecordEventError(cfg.ReplayID, errorKind(err))
		// Best-effort progress checkpoint; the main cursor is left alone so
		// a later run resumes from the last acked position.
		if sess, serr := e.sessions.Get(cfg.ReplayID); serr == nil {
			e.checkpoints.Save(ctx, cfg.ReplayID, map[string]any{
				"events_processed": sess.EventsProcessed,
				"progress":         sess.Progress,
			}, checkpoint.KindProgress)
		}
		metrics.ObserveReplayDuration(cfg.ReplayID, string(session.StatusFailed), e.now().Sub(started).Seconds())
		if adapter != nil {
			if derr := adapter.Disconnect(); derr != nil {
				logger.Warn().Err(derr).Msg("disconnect after failure")
			}
		}
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, cfg Config, adapter *stream.Adapter, logger zerolog.Logger, started time.Time) error {
	if _, err := e.sessions.Get(cfg.ReplayID); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionMissing, cfg.ReplayID)
	}
	e.sessions.UpdateStatus(cfg.ReplayID, session.StatusRunning, "")

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	logger.Info().Msg("connected to broker")

	// Resume strictly after the checkpointed cursor when one exists.
	startID := cfg.StartTS
	processedBase := 0
	if cp := e.checkpoints.Load(ctx, cfg.ReplayID, checkpoint.KindMain); cp != nil {
		if id, ok := cp["current_message_id"].(string); ok && id != "" {
			startID = "(" + id
		}
		if n, ok := cp["events_processed"].(float64); ok {
			processedBase = int(n)
		}
		logger.Info().Str("start_id", startID).Int("events_processed", processedBase).Msg("resuming from checkpoint")
	}

	batch := adapter.ReadRange(ctx, startID, cfg.EndTS, cfg.MaxEventsPerBatch)

	events := make([]event.Event, 0, len(batch))
	for _, msg := range batch {
		ev := msg.Event()
		if cfg.SessionID != "" && ev.SessionID != cfg.SessionID {
			continue
		}
		events = append(events, ev)
	}

	// Deterministic order: timestamp, ties broken by event id. The sort is
	// stable so equal keys keep broker order.
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].EventID < events[j].EventID
	})

	// Total includes events already processed before a resume, so progress
	// and the processed<=total invariant hold across restarts. An empty
	// batch is an empty run: total 0, progress 0.
	totalEvents := 0
	if len(events) > 0 {
		totalEvents = processedBase + len(events)
	}
	e.sessions.UpdateProgress(cfg.ReplayID, session.ProgressUpdate{TotalEvents: &totalEvents})
	logger.Info().Int("batch", len(events)).Int("total", totalEvents).Msg("fetched events")

	detector := detect.New(e.detectCfg, logger)
	eventsProcessed := processedBase
	bugsDetected := 0
	lastCursor := ""
	stopped := false
	var prev *event.Event

	for i := range events {
		ev := events[i]

		if e.pace(ctx, cfg, prev, ev) {
			stopped = true
			break
		}
		if e.shouldStop(ctx, cfg.ReplayID) {
			stopped = true
			break
		}

		findings := detector.Analyze(ev)
		bugsDetected += len(findings)
		for _, f := range findings {
			metrics.RecordBugDetected(f.BugType, f.Severity)
		}

		eventsProcessed++
		if eventsProcessed > totalEvents {
			return fmt.Errorf("invariant violation: events_processed %d > total_events %d", eventsProcessed, totalEvents)
		}
		progress := 0.0
		if totalEvents > 0 {
			progress = float64(eventsProcessed) / float64(totalEvents)
		}
		e.publishProgress(cfg.ReplayID, ev, eventsProcessed, totalEvents, bugsDetected, progress)

		if eventsProcessed%cfg.CheckpointEvery == 0 {
			e.saveCheckpoint(ctx, cfg.ReplayID, map[string]any{
				"events_processed":   eventsProcessed,
				"current_message_id": ev.StreamID,
				"progress":           progress,
			})
		}

		ackStatus := "success"
		if _, err := adapter.Ack(ctx, ev.StreamID); err != nil {
			// The broker's pending list is the safety net for the next run.
			logger.Error().Err(err).Str("stream_id", ev.StreamID).Msg("ack failed")
			metrics.RecordEventError(cfg.ReplayID, "ack")
			ackStatus = "ack_failed"
		}
		metrics.RecordEventProcessed(cfg.ReplayID, ackStatus)
		lastCursor = ev.StreamID
		prev = &events[i]
	}

	finalProgress := 0.0
	if totalEvents > 0 {
		finalProgress = float64(eventsProcessed) / float64(totalEvents)
	}
	final := map[string]any{
		"events_processed": eventsProcessed,
		"progress":         finalProgress,
	}
	if lastCursor != "" {
		final["current_message_id"] = lastCursor
	} else if id, ok := cursorFromStart(startID); ok {
		final["current_message_id"] = id
	}

	status := session.StatusCompleted
	if stopped {
		status = session.StatusStopped
		// No-op when the operator already flipped the session; covers stops
		// that arrive via context cancellation.
		e.sessions.UpdateStatus(cfg.ReplayID, session.StatusStopped, "replay stopped")
		logger.Info().Int("events_processed", eventsProcessed).Msg("replay stopped")
	} else {
		final["completed_at"] = e.now().UTC().Format(time.RFC3339)
		logger.Info().Int("events_processed", eventsProcessed).Msg("replay completed")
	}
	e.saveCheckpoint(ctx, cfg.ReplayID, final)

	sess, _ := e.sessions.Get(cfg.ReplayID)
	e.reports.Enqueue(report.Summary{
		ReplayID:        cfg.ReplayID,
		Status:          string(status),
		EventsProcessed: eventsProcessed,
		TotalEvents:     totalEvents,
		Progress:        finalProgress,
		StartedAt:       sess.StartTime.UTC(),
		CompletedAt:     e.now().UTC(),
		BugsDetected:    detectorTally(detector, bugsDetected),
	})

	if !stopped {
		e.sessions.Complete(cfg.ReplayID)
	}
	metrics.ObserveReplayDuration(cfg.ReplayID, string(status), e.now().Sub(started).Seconds())

	if err := adapter.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("disconnect broker")
	}
	return nil
}

// pace sleeps according to the replay mode, in slices so an external stop is
// observed within min(sleep budget, 500ms). Returns true when the run should
// stop.
func (e *Engine) pace(ctx context.Context, cfg Config, prev *event.Event, cur event.Event) bool {
	var d time.Duration
	switch cfg.Mode {
	case session.ModeDryRun:
		d = durationDiv(500*time.Millisecond, cfg.Speed)
	case session.ModeLive:
		d = durationDiv(time.Second, cfg.Speed)
	case session.ModeTimed:
		if prev == nil || !prev.HasTimestamp() || !cur.HasTimestamp() {
			d = durationDiv(500*time.Millisecond, cfg.Speed)
		} else {
			delta := cur.Timestamp.Sub(prev.Timestamp)
			if delta < 0 {
				delta = 0
			}
			d = durationDiv(delta, cfg.Speed)
			if d > maxTimedSleep {
				d = maxTimedSleep
			}
		}
	}

	for d > 0 {
		slice := d
		if slice > stopCheckInterval {
			slice = stopCheckInterval
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true
		case <-timer.C:
		}
		d -= slice
		if e.shouldStop(ctx, cfg.ReplayID) {
			return true
		}
	}
	return false
}

func (e *Engine) shouldStop(ctx context.Context, replayID string) bool {
	if ctx.Err() != nil {
		return true
	}
	sess, err := e.sessions.Get(replayID)
	if err != nil {
		return true
	}
	return sess.Status == session.StatusStopped || sess.Status == session.StatusFailed
}

func (e *Engine) publishProgress(replayID string, ev event.Event, processed, total, bugs int, progress float64) {
	raw, _ := json.Marshal(ev.Raw)
	e.sessions.UpdateProgress(replayID, session.ProgressUpdate{
		EventsProcessed: &processed,
		TotalEvents:     &total,
		BugsDetected:    &bugs,
		Progress:        &progress,
		CurrentEventID:  ev.EventID,
		RawEventJSON:    string(raw),
	})
	metrics.UpdateProgress(replayID, progress)
}

func (e *Engine) saveCheckpoint(ctx context.Context, replayID string, data map[string]any) {
	if e.checkpoints.Save(ctx, replayID, data, checkpoint.KindMain) {
		metrics.RecordCheckpoint(checkpoint.KindMain, "success")
	} else {
		metrics.RecordCheckpoint(checkpoint.KindMain, "failure")
	}
}

func durationDiv(d time.Duration, speed float64) time.Duration {
	if speed <= 0 {
		return d
	}
	return time.Duration(float64(d) / speed)
}

// cursorFromStart recovers the resume cursor carried into an empty run so a
// final checkpoint does not lose position.
func cursorFromStart(startID string) (string, bool) {
	if startID == "" || startID == "0" || startID == "-" {
		return "", false
	}
	if startID[0] == '(' {
		return startID[1:], true
	}
	return "", false
}

func detectorTally(d *detect.Detector, total int) map[string]int {
	tally := d.Tally()
	if len(tally) == 0 && total > 0 {
		return map[string]int{"unknown": total}
	}
	return tally
}

// errorKind maps an error to its taxonomy label for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrSessionMissing):
		return "not_found"
	case errors.Is(err, stream.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
