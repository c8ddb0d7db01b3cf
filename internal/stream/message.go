// SPDX-License-Identifier: MIT

// Package stream adapts the Redis Streams broker: consumer-group reads,
// range reads for replay, acknowledgements and ingest.
package stream

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/replayd/internal/event"
)

// Message is a single entry read from the broker stream.
type Message struct {
	StreamID  string
	Fields    map[string]string
	Timestamp time.Time // derived from the id's millisecond prefix, UTC
}

// EventID returns the producer-assigned event id, if present.
func (m Message) EventID() string { return m.Fields["event_id"] }

// SessionID returns the correlation session id, if present.
func (m Message) SessionID() string { return m.Fields["session_id"] }

// RequestID returns the request id, if present.
func (m Message) RequestID() string { return m.Fields["request_id"] }

// Event parses the message fields into a typed event record.
func (m Message) Event() event.Event {
	return event.ParseFields(m.StreamID, m.Fields)
}

func messageFromRedis(msg redis.XMessage) Message {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		fields[k] = fmt.Sprint(v)
	}
	out := Message{StreamID: msg.ID, Fields: fields}
	if millis, err := event.StreamIDMillis(msg.ID); err == nil {
		out.Timestamp = time.UnixMilli(millis).UTC()
	}
	return out
}
