// SPDX-License-Identifier: MIT

// Package checkpoint persists replay progress records in Redis so a later
// run can resume without reprocessing. Checkpoints are hints, not
// correctness-critical state: writes are last-writer-wins and there is no
// atomicity between kinds.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Checkpoint kinds.
const (
	KindMain     = "main"
	KindProgress = "progress"
)

// DefaultTTL bounds how long a checkpoint survives.
const DefaultTTL = 24 * time.Hour

const defaultPrefix = "replay:checkpoint"

// Store is a Redis-backed checkpoint store keyed by (replay_id, kind).
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a checkpoint store over the given client.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		prefix: defaultPrefix,
		ttl:    DefaultTTL,
		logger: logger.With().Str("component", "checkpoint").Logger(),
		now:    time.Now,
	}
}

func (s *Store) key(replayID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, replayID, kind)
}

// Save persists data under (replayID, kind), stamping saved_at, replay_id
// and kind, with the store TTL applied. Returns false on failure; callers
// treat a failed save as a lost hint, not an error.
func (s *Store) Save(ctx context.Context, replayID string, data map[string]any, kind string) bool {
	key := s.key(replayID, kind)

	record := make(map[string]any, len(data)+3)
	for k, v := range data {
		record[k] = v
	}
	savedAt := s.now().UTC().Format(time.RFC3339)
	record["saved_at"] = savedAt
	record["replay_id"] = replayID
	record["kind"] = kind

	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Msg("marshal checkpoint failed")
		return false
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", payload, "timestamp", savedAt)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Str("kind", kind).Msg("save checkpoint failed")
		return false
	}

	s.logger.Debug().Str("replay_id", replayID).Str("kind", kind).Msg("saved checkpoint")
	return true
}

// Load retrieves the most recent checkpoint for (replayID, kind), or nil
// when none exists.
func (s *Store) Load(ctx context.Context, replayID, kind string) map[string]any {
	key := s.key(replayID, kind)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Str("kind", kind).Msg("load checkpoint failed")
		return nil
	}
	raw, ok := fields["data"]
	if !ok {
		return nil
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Str("kind", kind).Msg("decode checkpoint failed")
		return nil
	}
	return record
}

// Delete removes the checkpoint for (replayID, kind). Returns true when a
// record was actually deleted.
func (s *Store) Delete(ctx context.Context, replayID, kind string) bool {
	n, err := s.client.Del(ctx, s.key(replayID, kind)).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Str("kind", kind).Msg("delete checkpoint failed")
		return false
	}
	return n > 0
}

// List returns the checkpoint kinds present for a replay.
func (s *Store) List(ctx context.Context, replayID string) []string {
	pattern := fmt.Sprintf("%s:%s:*", s.prefix, replayID)
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("replay_id", replayID).Msg("list checkpoints failed")
		return nil
	}
	kinds := make([]string, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, ":")
		kinds = append(kinds, parts[len(parts)-1])
	}
	return kinds
}

// ClearAll deletes every checkpoint for a replay. Returns true when all
// known kinds were removed.
func (s *Store) ClearAll(ctx context.Context, replayID string) bool {
	kinds := s.List(ctx, replayID)
	if len(kinds) == 0 {
		return true
	}
	deleted := 0
	for _, kind := range kinds {
		if s.Delete(ctx, replayID, kind) {
			deleted++
		}
	}
	return deleted == len(kinds)
}
