// SPDX-License-Identifier: MIT

// Package event models the records pulled from the broker stream. Events
// arrive as flat key/value field maps; this package gives them typed
// accessors while keeping the raw fields for anything it does not know about.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Levels recognised on the wire.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelFatal    = "FATAL"
	LevelCritical = "CRITICAL"
)

// Event is an immutable record pulled from the broker.
type Event struct {
	StreamID     string         `json:"stream_id"`
	EventID      string         `json:"event_id"`
	Timestamp    time.Time      `json:"-"`
	RawTimestamp string         `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Source       string         `json:"source,omitempty"`
	Container    string         `json:"container,omitempty"`
	Level        string         `json:"level,omitempty"`
	Method       string         `json:"method,omitempty"`
	Path         string         `json:"path,omitempty"`
	Status       int            `json:"status,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`

	// Raw keeps every wire field, including ones without a typed accessor.
	Raw map[string]string `json:"-"`
}

// reserved wire field names with typed accessors.
const (
	fieldEventID   = "event_id"
	fieldTimestamp = "timestamp"
	fieldSessionID = "session_id"
	fieldRequestID = "request_id"
	fieldSource    = "source"
	fieldContainer = "container"
	fieldLevel     = "level"
	fieldMethod    = "method"
	fieldPath      = "path"
	fieldStatus    = "status"
	fieldPayload   = "payload"
	fieldMeta      = "meta"
)

// ParseFields builds an Event from a broker message's field map. The
// timestamp is parsed when present but a bad timestamp is not an error here;
// detection decides how to treat it. Status accepts integers or integer
// strings. Payload and meta are JSON documents when they parse, otherwise
// they stay in Raw only.
func ParseFields(streamID string, fields map[string]string) Event {
	ev := Event{
		StreamID:     streamID,
		EventID:      fields[fieldEventID],
		RawTimestamp: fields[fieldTimestamp],
		SessionID:    fields[fieldSessionID],
		RequestID:    fields[fieldRequestID],
		Source:       fields[fieldSource],
		Container:    fields[fieldContainer],
		Level:        fields[fieldLevel],
		Method:       fields[fieldMethod],
		Path:         fields[fieldPath],
		Raw:          fields,
	}

	if ts, err := ParseTimestamp(ev.RawTimestamp); err == nil {
		ev.Timestamp = ts
	}
	if s := fields[fieldStatus]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			ev.Status = n
		}
	}
	if raw := fields[fieldPayload]; raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			ev.Payload = m
		}
	}
	if raw := fields[fieldMeta]; raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			ev.Meta = m
		}
	}
	return ev
}

// ParseTimestamp parses an RFC3339 event timestamp. A trailing "Z" is
// normalised to an explicit UTC offset first, matching the wire format.
func ParseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ts, err := time.Parse(time.RFC3339, strings.Replace(raw, "Z", "+00:00", 1))
	if err != nil {
		// Some producers emit fractional seconds.
		ts, err = time.Parse(time.RFC3339Nano, raw)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// HasTimestamp reports whether the event carried a parseable timestamp.
func (e Event) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// StreamIDMillis extracts the millisecond epoch prefix from a broker id of
// the shape "<millis>-<seq>".
func StreamIDMillis(streamID string) (int64, error) {
	prefix, _, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", streamID)
	}
	millis, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream id %q: %w", streamID, err)
	}
	return millis, nil
}

// IDSkew returns the absolute difference between the broker-assigned id's
// embedded timestamp and the event's own timestamp. The two must agree to
// within one second; larger skews are reported by the detector, never
// rejected.
func (e Event) IDSkew() (time.Duration, error) {
	if !e.HasTimestamp() {
		return 0, fmt.Errorf("event %s has no parseable timestamp", e.EventID)
	}
	millis, err := StreamIDMillis(e.StreamID)
	if err != nil {
		return 0, err
	}
	skew := time.UnixMilli(millis).UTC().Sub(e.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	return skew, nil
}

// Classification buckets for the HTTP status fast path.
const (
	ClassSuccess = "success"
	ClassWarning = "warning"
	ClassError   = "error"
)

// Classify buckets an HTTP status code for dashboard event typing. It does
// not emit findings.
func Classify(status int) string {
	switch {
	case status >= 400:
		return ClassError
	case status >= 300:
		return ClassWarning
	default:
		return ClassSuccess
	}
}
