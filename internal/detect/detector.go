// SPDX-License-Identifier: MIT

// Package detect evaluates anomaly rules against the replayed event stream.
// Each replay owns one Detector; rule state never crosses sessions, and given
// the same ordered events and identical initial state the findings are
// byte-identical.
package detect

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/replayd/internal/event"
)

// Finding severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding bug types.
const (
	TypeErrorEvent    = "error_event"
	TypeTimingGap     = "timing_gap"
	TypeRepeatedError = "repeated_error"
	TypeClockSkew     = "clock_skew"
)

// Finding flags an event as notable under a named rule.
type Finding struct {
	BugID    string         `json:"bug_id"`
	BugType  string         `json:"bug_type"`
	Severity string         `json:"severity"`
	EventID  string         `json:"event_id"`
	Context  map[string]any `json:"context"`
}

// Config tunes the detection rules.
type Config struct {
	ErrorLevels        []string
	GapThreshold       time.Duration
	CorrelationTimeout time.Duration
}

// DefaultConfig returns the stock rule tuning.
func DefaultConfig() Config {
	return Config{
		ErrorLevels:        []string{event.LevelError, event.LevelFatal, event.LevelCritical},
		GapThreshold:       300 * time.Second,
		CorrelationTimeout: time.Hour,
	}
}

// repeatThreshold is the count a source:level pair must strictly exceed
// before the repeated-error rule fires.
const repeatThreshold = 3

// maxIDSkew is how far the broker id's embedded millis may drift from the
// event timestamp before a clock_skew finding is emitted.
const maxIDSkew = time.Second

// Detector holds per-replay rule state.
type Detector struct {
	cfg         Config
	errorLevels map[string]struct{}

	// lastEventTime tracks the previous event timestamp per event session
	// id; events without one share the "default" key.
	lastEventTime map[string]time.Time
	// errorCounts tracks occurrences per source:level pair.
	errorCounts map[string]int
	// tally counts emitted findings per bug type.
	tally map[string]int

	logger zerolog.Logger
}

// New creates a detector with the given tuning.
func New(cfg Config, logger zerolog.Logger) *Detector {
	if len(cfg.ErrorLevels) == 0 {
		cfg.ErrorLevels = DefaultConfig().ErrorLevels
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = DefaultConfig().GapThreshold
	}
	levels := make(map[string]struct{}, len(cfg.ErrorLevels))
	for _, l := range cfg.ErrorLevels {
		levels[l] = struct{}{}
	}
	return &Detector{
		cfg:           cfg,
		errorLevels:   levels,
		lastEventTime: make(map[string]time.Time),
		errorCounts:   make(map[string]int),
		tally:         make(map[string]int),
		logger:        logger.With().Str("component", "detect").Logger(),
	}
}

// Analyze evaluates every rule against the event and returns zero or more
// findings. An event without a parseable timestamp is logged and produces no
// findings; the caller still processes it.
func (d *Detector) Analyze(ev event.Event) []Finding {
	if !ev.HasTimestamp() {
		d.logger.Warn().Str("event_id", ev.EventID).Str("raw_timestamp", ev.RawTimestamp).Msg("invalid event timestamp")
		return nil
	}

	var findings []Finding
	if f, ok := d.analyzeLevel(ev); ok {
		findings = append(findings, f)
	}
	if f, ok := d.analyzeGap(ev); ok {
		findings = append(findings, f)
	}
	if f, ok := d.analyzeRepeats(ev); ok {
		findings = append(findings, f)
	}
	if f, ok := d.analyzeSkew(ev); ok {
		findings = append(findings, f)
	}
	for _, f := range findings {
		d.tally[f.BugType]++
	}
	return findings
}

// Tally returns finding counts per bug type for the run so far.
func (d *Detector) Tally() map[string]int {
	out := make(map[string]int, len(d.tally))
	for k, v := range d.tally {
		out[k] = v
	}
	return out
}

// analyzeLevel flags events at a configured error level.
func (d *Detector) analyzeLevel(ev event.Event) (Finding, bool) {
	if _, ok := d.errorLevels[ev.Level]; !ok {
		return Finding{}, false
	}
	return Finding{
		BugID:    fmt.Sprintf("bug-%s-error", ev.EventID),
		BugType:  TypeErrorEvent,
		Severity: SeverityHigh,
		EventID:  ev.EventID,
		Context: map[string]any{
			"level":   ev.Level,
			"message": ev.Payload,
		},
	}, true
}

// analyzeGap flags a timestamp gap beyond the threshold between consecutive
// events of the same session id. The stored timestamp is always updated,
// including on the first observation.
func (d *Detector) analyzeGap(ev event.Event) (Finding, bool) {
	key := ev.SessionID
	if key == "" {
		key = "default"
	}
	last, seen := d.lastEventTime[key]
	d.lastEventTime[key] = ev.Timestamp

	if !seen {
		return Finding{}, false
	}
	gap := ev.Timestamp.Sub(last)
	if gap <= d.cfg.GapThreshold {
		return Finding{}, false
	}
	return Finding{
		BugID:    fmt.Sprintf("bug-%s-gap", ev.EventID),
		BugType:  TypeTimingGap,
		Severity: SeverityMedium,
		EventID:  ev.EventID,
		Context: map[string]any{
			"gap_seconds": gap.Seconds(),
		},
	}, true
}

// analyzeRepeats counts every event against its source:level pair and flags
// once the count strictly exceeds the threshold. The counter deliberately
// increments for every event, not only error-level ones: the upstream
// behavior conflates the two and downstream consumers depend on any pair
// seen more than three times being flagged.
func (d *Detector) analyzeRepeats(ev event.Event) (Finding, bool) {
	source := ev.Source
	if source == "" {
		source = "unknown"
	}
	level := ev.Level
	if level == "" {
		level = "unknown"
	}
	key := source + ":" + level
	d.errorCounts[key]++

	if d.errorCounts[key] <= repeatThreshold {
		return Finding{}, false
	}
	return Finding{
		BugID:    fmt.Sprintf("bug-%s-repeated", ev.EventID),
		BugType:  TypeRepeatedError,
		Severity: SeverityHigh,
		EventID:  ev.EventID,
		Context: map[string]any{
			"error_count": d.errorCounts[key],
			"source":      ev.Source,
		},
	}, true
}

// analyzeSkew flags disagreement between the broker id's embedded millis and
// the event's own timestamp beyond one second.
func (d *Detector) analyzeSkew(ev event.Event) (Finding, bool) {
	skew, err := ev.IDSkew()
	if err != nil || skew <= maxIDSkew {
		return Finding{}, false
	}
	return Finding{
		BugID:    fmt.Sprintf("bug-%s-skew", ev.EventID),
		BugType:  TypeClockSkew,
		Severity: SeverityLow,
		EventID:  ev.EventID,
		Context: map[string]any{
			"skew_seconds": skew.Seconds(),
			"stream_id":    ev.StreamID,
		},
	}, true
}
