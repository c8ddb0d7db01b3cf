// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTransport marks broker I/O failures; callers that must distinguish
// transport trouble from their own errors test with errors.Is.
var ErrTransport = errors.New("broker transport error")

// Config holds broker connection settings.
type Config struct {
	URL           string
	StreamKey     string
	ConsumerGroup string
	ConsumerName  string
}

// Adapter reads and acknowledges entries on a Redis stream through a
// consumer group. Transient broker errors degrade to empty results; only
// Connect failures are fatal to the caller.
type Adapter struct {
	cfg     Config
	client  *redis.Client
	breaker *breaker
	logger  zerolog.Logger
}

// Info is a best-effort observation of the stream. Err is populated instead
// of returned so callers can surface partial data.
type Info struct {
	Length     int64  `json:"length"`
	FirstID    string `json:"first_id,omitempty"`
	LastID     string `json:"last_id,omitempty"`
	GroupCount int64  `json:"group_count"`
	Err        string `json:"error,omitempty"`
}

// NewAdapter creates an adapter for the configured stream. No connection is
// made until Connect.
func NewAdapter(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	return &Adapter{
		cfg:     cfg,
		client:  redis.NewClient(opts),
		breaker: newBreaker(5, 10*time.Second),
		logger:  logger.With().Str("component", "stream").Str("stream_key", cfg.StreamKey).Logger(),
	}, nil
}

// NewAdapterWithClient wraps an existing client; used by tests and by callers
// that share one connection pool.
func NewAdapterWithClient(cfg Config, client *redis.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		client:  client,
		breaker: newBreaker(5, 10*time.Second),
		logger:  logger.With().Str("component", "stream").Str("stream_key", cfg.StreamKey).Logger(),
	}
}

// Connect verifies the broker is reachable and ensures the consumer group
// exists, creating the stream if absent. Safe to call repeatedly.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: connect failed: %v", ErrTransport, err)
	}

	err := a.client.XGroupCreateMkStream(ctx, a.cfg.StreamKey, a.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create consumer group %q: %v", ErrTransport, a.cfg.ConsumerGroup, err)
	}
	if err == nil {
		a.logger.Info().Str("group", a.cfg.ConsumerGroup).Msg("created consumer group")
	} else {
		a.logger.Debug().Str("group", a.cfg.ConsumerGroup).Msg("consumer group already exists")
	}
	return nil
}

// Disconnect closes the underlying connection pool. Idempotent.
func (a *Adapter) Disconnect() error {
	return a.client.Close()
}

// Ping reports broker reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// StreamInfo observes stream length, boundary ids and group count.
func (a *Adapter) StreamInfo(ctx context.Context) Info {
	res, err := a.client.XInfoStream(ctx, a.cfg.StreamKey).Result()
	if err != nil {
		a.logger.Warn().Err(err).Msg("stream info failed")
		return Info{Err: err.Error()}
	}
	return Info{
		Length:     res.Length,
		FirstID:    res.FirstEntry.ID,
		LastID:     res.LastEntry.ID,
		GroupCount: res.Groups,
	}
}

// ReadNew reads previously undelivered entries for this consumer group,
// blocking up to block when the stream is empty.
func (a *Adapter) ReadNew(ctx context.Context, batch int64, block time.Duration) []Message {
	var streams []redis.XStream
	err := a.breaker.execute(func() error {
		var readErr error
		streams, readErr = a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.cfg.ConsumerGroup,
			Consumer: a.cfg.ConsumerName,
			Streams:  []string{a.cfg.StreamKey, ">"},
			Count:    batch,
			Block:    block,
		}).Result()
		if errors.Is(readErr, redis.Nil) {
			// Block budget elapsed with no entries.
			return nil
		}
		return readErr
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("read new entries failed")
		return nil
	}

	var out []Message
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, messageFromRedis(msg))
		}
	}
	if len(out) > 0 {
		a.logger.Debug().Int("count", len(out)).Msg("read new entries")
	}
	return out
}

// ReadPending re-reads entries delivered to this consumer but not yet
// acknowledged.
func (a *Adapter) ReadPending(ctx context.Context, batch int64) []Message {
	var out []Message
	err := a.breaker.execute(func() error {
		pending, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   a.cfg.StreamKey,
			Group:    a.cfg.ConsumerGroup,
			Start:    "-",
			End:      "+",
			Count:    batch,
			Consumer: a.cfg.ConsumerName,
		}).Result()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make(map[string]struct{}, len(pending))
		for _, p := range pending {
			ids[p.ID] = struct{}{}
		}
		msgs, err := a.client.XRange(ctx, a.cfg.StreamKey, pending[0].ID, pending[len(pending)-1].ID).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if _, ok := ids[msg.ID]; ok {
				out = append(out, messageFromRedis(msg))
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("read pending entries failed")
		return nil
	}
	if len(out) > 0 {
		a.logger.Info().Int("count", len(out)).Msg("read pending entries")
	}
	return out
}

// ReadRange reads the inclusive id range [min, max]. Used for replay. A
// count of zero means no limit.
func (a *Adapter) ReadRange(ctx context.Context, minID, maxID string, count int64) []Message {
	var msgs []redis.XMessage
	err := a.breaker.execute(func() error {
		var readErr error
		if count > 0 {
			msgs, readErr = a.client.XRangeN(ctx, a.cfg.StreamKey, minID, maxID, count).Result()
		} else {
			msgs, readErr = a.client.XRange(ctx, a.cfg.StreamKey, minID, maxID).Result()
		}
		return readErr
	})
	if err != nil {
		a.logger.Error().Err(err).Str("min", minID).Str("max", maxID).Msg("range read failed")
		return nil
	}

	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageFromRedis(msg))
	}
	a.logger.Info().Int("count", len(out)).Str("min", minID).Str("max", maxID).Msg("read range")
	return out
}

// Ack acknowledges one or more entries and returns how many the broker
// accepted.
func (a *Adapter) Ack(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := a.client.XAck(ctx, a.cfg.StreamKey, a.cfg.ConsumerGroup, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("ack %d entries: %w", len(ids), err)
	}
	return n, nil
}

// Add appends an event to the stream and returns the broker-assigned id.
func (a *Adapter) Add(ctx context.Context, fields map[string]any) (string, error) {
	id, err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.cfg.StreamKey,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %q: %w", a.cfg.StreamKey, err)
	}
	return id, nil
}

// StreamKey returns the configured stream key.
func (a *Adapter) StreamKey() string { return a.cfg.StreamKey }
