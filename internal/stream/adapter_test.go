// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupAdapter(t *testing.T) (*miniredis.Miniredis, *Adapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewAdapterWithClient(Config{
		URL:           "redis://" + mr.Addr(),
		StreamKey:     "logs:stream",
		ConsumerGroup: "replay_group",
		ConsumerName:  "replayer-1",
	}, client, zerolog.Nop())
	return mr, a
}

func TestConnectIdempotent(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	// Second connect hits BUSYGROUP and must still succeed.
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestAddAndReadRange(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		id, err := a.Add(ctx, map[string]any{"event_id": "evt-" + string(rune('a'+i)), "level": "INFO"})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if id == "" {
			t.Fatal("empty broker id")
		}
	}

	msgs := a.ReadRange(ctx, "-", "+", 0)
	if len(msgs) != 3 {
		t.Fatalf("read %d messages, want 3", len(msgs))
	}
	if msgs[0].EventID() != "evt-a" || msgs[2].EventID() != "evt-c" {
		t.Errorf("order = %q .. %q", msgs[0].EventID(), msgs[2].EventID())
	}

	limited := a.ReadRange(ctx, "-", "+", 2)
	if len(limited) != 2 {
		t.Errorf("limited read = %d messages, want 2", len(limited))
	}
}

func TestReadRangeExclusiveStart(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := a.Add(ctx, map[string]any{"event_id": "evt"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	// "(" excludes the cursor itself: resuming after ids[0] returns the rest.
	msgs := a.ReadRange(ctx, "("+ids[0], "+", 0)
	if len(msgs) != 2 {
		t.Fatalf("read %d messages, want 2", len(msgs))
	}
	if msgs[0].StreamID != ids[1] {
		t.Errorf("first id = %q, want %q", msgs[0].StreamID, ids[1])
	}
}

func TestAck(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := a.Add(ctx, map[string]any{"event_id": "evt-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Deliver to the group so the entry is pending.
	delivered := a.ReadNew(ctx, 10, 0)
	if len(delivered) != 1 {
		t.Fatalf("delivered %d, want 1", len(delivered))
	}

	n, err := a.Ack(ctx, delivered[0].StreamID)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n != 1 {
		t.Errorf("acked %d, want 1", n)
	}

	// Acked entries are no longer pending.
	if pending := a.ReadPending(ctx, 10); len(pending) != 0 {
		t.Errorf("pending after ack = %d", len(pending))
	}

	if n, err := a.Ack(ctx); err != nil || n != 0 {
		t.Errorf("empty ack = %d, %v", n, err)
	}
}

func TestReadPending(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	a.Add(ctx, map[string]any{"event_id": "evt-1"})
	a.Add(ctx, map[string]any{"event_id": "evt-2"})

	if got := a.ReadNew(ctx, 10, 0); len(got) != 2 {
		t.Fatalf("read new = %d", len(got))
	}

	pending := a.ReadPending(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].EventID() != "evt-1" {
		t.Errorf("first pending = %q", pending[0].EventID())
	}
}

func TestStreamInfo(t *testing.T) {
	_, a := setupAdapter(t)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.Add(ctx, map[string]any{"event_id": "evt-1"})
	a.Add(ctx, map[string]any{"event_id": "evt-2"})

	info := a.StreamInfo(ctx)
	if info.Err != "" {
		t.Fatalf("info error: %s", info.Err)
	}
	if info.Length != 2 {
		t.Errorf("length = %d, want 2", info.Length)
	}
	if info.FirstID == "" || info.LastID == "" {
		t.Errorf("boundary ids = %q / %q", info.FirstID, info.LastID)
	}
}

func TestMessageTimestampFromID(t *testing.T) {
	msg := messageFromRedis(redisXMessage("1700000000123-0", map[string]any{"event_id": "evt"}))
	want := time.UnixMilli(1700000000123).UTC()
	if !msg.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, want)
	}
}

func redisXMessage(id string, values map[string]any) redis.XMessage {
	return redis.XMessage{ID: id, Values: values}
}
