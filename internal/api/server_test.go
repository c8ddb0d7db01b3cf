// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/replayd/internal/checkpoint"
	"github.com/ManuGH/replayd/internal/detect"
	"github.com/ManuGH/replayd/internal/filestore"
	"github.com/ManuGH/replayd/internal/replay"
	"github.com/ManuGH/replayd/internal/report"
	"github.com/ManuGH/replayd/internal/session"
	"github.com/ManuGH/replayd/internal/stream"
)

type apiRig struct {
	mr       *miniredis.Miniredis
	server   *Server
	handler  http.Handler
	sessions *session.Registry
	cps      *checkpoint.Store
	adapter  *stream.Adapter
}

func newAPIRig(t *testing.T, authToken string) *apiRig {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	streamCfg := stream.Config{
		URL:           "redis://" + mr.Addr(),
		StreamKey:     "logs:stream",
		ConsumerGroup: "replay_group",
		ConsumerName:  "replayer-1",
	}
	adapter := stream.NewAdapterWithClient(streamCfg, client, zerolog.Nop())
	require.NoError(t, adapter.Connect(context.Background()))

	cps := checkpoint.NewStore(client, zerolog.Nop())
	sessions := session.NewRegistry(zerolog.Nop())

	reports, err := report.NewWriter(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(reports.Close)

	files, err := filestore.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	engine := replay.New(
		func() (*stream.Adapter, error) {
			runClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return stream.NewAdapterWithClient(streamCfg, runClient, zerolog.Nop()), nil
		},
		cps, sessions, reports, detect.DefaultConfig(), zerolog.Nop(),
	)

	server := NewServer(Options{
		AuthEnabled: authToken != "",
		SharedToken: authToken,
		Adapter:     adapter,
		Files:       files,
		Checkpoints: cps,
		Sessions:    sessions,
		Engine:      engine,
		Defaults:    ReplayDefaults{CheckpointEvery: 10, MaxEventsPerBatch: 1000, Speed: 1000},
		Logger:      zerolog.Nop(),
	})

	return &apiRig{
		mr:       mr,
		server:   server,
		handler:  server.Router(),
		sessions: sessions,
		cps:      cps,
		adapter:  adapter,
	}
}

func (rig *apiRig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthBrokerDown(t *testing.T) {
	rig := newAPIRig(t, "")
	rig.mr.Close()
	rec := rig.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	rig := newAPIRig(t, "secret")

	rec := rig.do(t, http.MethodGet, "/replay/status?replay_id=r-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodGet, "/replay/status?replay_id=r-1", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health and metrics stay public.
	rec = rig.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = rig.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTokenRotation(t *testing.T) {
	rig := newAPIRig(t, "old-token")

	rec := rig.do(t, http.MethodGet, "/replay/status?replay_id=r-x", "old-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "valid token reaches the handler")

	rig.server.SetToken("new-token")
	rec = rig.do(t, http.MethodGet, "/replay/status?replay_id=r-x", "old-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = rig.do(t, http.MethodGet, "/replay/status?replay_id=r-x", "new-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStatusLifecycle(t *testing.T) {
	rig := newAPIRig(t, "")

	// Seed three events so the replay has work.
	seed := redis.NewClient(&redis.Options{Addr: rig.mr.Addr()})
	defer seed.Close()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		_, err := seed.XAdd(context.Background(), &redis.XAddArgs{
			Stream: "logs:stream",
			ID:     "*",
			Values: map[string]any{"event_id": "evt", "timestamp": ts.Format(time.RFC3339)},
		}).Result()
		require.NoError(t, err)
	}

	rec := rig.do(t, http.MethodPost, "/replay/start", "", map[string]any{"mode": "dry-run"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[startResponse](t, rec)
	require.NotEmpty(t, started.ReplayID)
	assert.Equal(t, "started", started.Status)

	// Wait on the registry directly; the HTTP poll below is a single request
	// so the per-IP rate limit stays out of the picture.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := rig.sessions.Get(started.ReplayID)
		require.NoError(t, err)
		if sess.Status == session.StatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "replay never completed: %+v", sess)
		time.Sleep(10 * time.Millisecond)
	}

	rec = rig.do(t, http.MethodGet, "/replay/status?replay_id="+started.ReplayID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	assert.Equal(t, string(session.StatusCompleted), status.State)
	assert.Equal(t, 3, status.EventsProcessed)
	assert.Equal(t, 3, status.TotalEvents)
	assert.InDelta(t, 1.0, status.Progress, 1e-9)
}

func TestStartRejectsBadMode(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodPost, "/replay/start", "", map[string]any{"mode": "warp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownReplay(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodPost, "/replay/stop", "", map[string]any{"replay_id": "r-ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopMarksSessionStopped(t *testing.T) {
	rig := newAPIRig(t, "")
	_, err := rig.sessions.Create("r-1", session.Config{Mode: session.ModeDryRun, Speed: 1})
	require.NoError(t, err)
	rig.sessions.UpdateStatus("r-1", session.StatusRunning, "")

	rec := rig.do(t, http.MethodPost, "/replay/stop", "", map[string]any{"replay_id": "r-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := rig.sessions.Get("r-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, sess.Status)
}

func TestStatusUnknownReplay(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodGet, "/replay/status?replay_id=r-ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	rig := newAPIRig(t, "")
	ctx := context.Background()
	rig.cps.Save(ctx, "r-1", map[string]any{"events_processed": 5}, checkpoint.KindMain)
	rig.cps.Save(ctx, "r-1", map[string]any{"progress": 0.5}, checkpoint.KindProgress)

	rec := rig.do(t, http.MethodGet, "/replay/checkpoints?replay_id=r-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	cps, ok := body["checkpoints"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, cps, 2)

	rec = rig.do(t, http.MethodDelete, "/replay/checkpoints?replay_id=r-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rig.cps.List(ctx, "r-1"))

	// replay_id is mandatory both ways.
	rec = rig.do(t, http.MethodGet, "/replay/checkpoints", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = rig.do(t, http.MethodDelete, "/replay/checkpoints", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest(t *testing.T) {
	rig := newAPIRig(t, "")

	rec := rig.do(t, http.MethodPost, "/ingest", "", map[string]any{
		"event_id":  "evt-1",
		"timestamp": "2026-08-26T10:00:00Z",
		"level":     "INFO",
		"payload":   map[string]any{"message": "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "stored", body["status"])
	assert.NotEmpty(t, body["stream_id"])

	// The nested payload landed as a JSON string on the stream.
	msgs := rig.adapter.ReadRange(context.Background(), "-", "+", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt-1", msgs[0].EventID())
	assert.JSONEq(t, `{"message":"hello"}`, msgs[0].Fields["payload"])
}

func TestIngestRequiresEventID(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodPost, "/ingest", "", map[string]any{"level": "INFO"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestFallsBackToFileStore(t *testing.T) {
	rig := newAPIRig(t, "")
	rig.mr.Close()

	rec := rig.do(t, http.MethodPost, "/ingest", "", map[string]any{
		"event_id":  "evt-offline",
		"timestamp": "2026-08-26T10:00:00Z",
		"source":    "web",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "stored_fallback", body["status"])

	rec = rig.do(t, http.MethodGet, "/events?source=web", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, events["count"])
}

func TestEventStats(t *testing.T) {
	rig := newAPIRig(t, "")
	rig.mr.Close()
	rig.do(t, http.MethodPost, "/ingest", "", map[string]any{"event_id": "evt-1", "source": "web"})

	rec := rig.do(t, http.MethodGet, "/events/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	idx := decode[filestore.Index](t, rec)
	assert.Equal(t, 1, idx.TotalEvents)
}

func TestDashboardServed(t *testing.T) {
	rig := newAPIRig(t, "")
	rec := rig.do(t, http.MethodGet, "/dashboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "replayd")
}

func TestRequestIDHeader(t *testing.T) {
	rig := newAPIRig(t, "")

	rec := rig.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	out := httptest.NewRecorder()
	rig.handler.ServeHTTP(out, req)
	assert.Equal(t, "upstream-id", out.Header().Get("X-Request-ID"))
}
