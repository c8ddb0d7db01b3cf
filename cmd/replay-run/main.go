// SPDX-License-Identifier: MIT

// replay-run executes a single replay from the command line and exits. It is
// the scriptable counterpart to the replayd control surface: same engine,
// same checkpoints, no HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ManuGH/replayd/internal/checkpoint"
	"github.com/ManuGH/replayd/internal/config"
	"github.com/ManuGH/replayd/internal/detect"
	"github.com/ManuGH/replayd/internal/log"
	"github.com/ManuGH/replayd/internal/replay"
	"github.com/ManuGH/replayd/internal/report"
	"github.com/ManuGH/replayd/internal/session"
	"github.com/ManuGH/replayd/internal/stream"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	replayID := flag.String("replay-id", "", "replay id (default: generated)")
	sessionID := flag.String("session", "", "only replay events with this session_id")
	startTS := flag.String("start", "0", "start of the broker id range")
	endTS := flag.String("end", "+", "end of the broker id range")
	mode := flag.String("mode", string(session.ModeDryRun), "pacing mode: dry-run, timed or live")
	speed := flag.Float64("speed", 0, "pacing speed multiplier (default: from config)")
	clear := flag.Bool("clear-checkpoints", false, "delete existing checkpoints before running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay-run: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "replay-run"})
	logger := log.WithComponent("cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := *replayID
	if id == "" {
		id = "r-" + uuid.NewString()[:8]
	}

	opts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid broker url")
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	checkpoints := checkpoint.NewStore(client, log.Base())
	if *clear {
		checkpoints.ClearAll(ctx, id)
	}

	sessions := session.NewRegistry(log.Base())
	runSpeed := *speed
	if runSpeed <= 0 {
		runSpeed = cfg.Replay.Speed
	}
	if _, err := sessions.Create(id, session.Config{Mode: session.Mode(*mode), Speed: runSpeed}); err != nil {
		logger.Fatal().Err(err).Msg("register session")
	}

	reports, err := report.NewWriter(cfg.Reports.Dir, log.Base())
	if err != nil {
		logger.Fatal().Err(err).Msg("report writer init failed")
	}

	streamCfg := stream.Config{
		URL:           cfg.Broker.URL,
		StreamKey:     cfg.Broker.StreamKey,
		ConsumerGroup: cfg.Broker.ConsumerGroup,
		ConsumerName:  cfg.Broker.ConsumerName,
	}
	engine := replay.New(
		func() (*stream.Adapter, error) { return stream.NewAdapter(streamCfg, log.Base()) },
		checkpoints, sessions, reports,
		detect.Config{
			ErrorLevels:        cfg.BugDetection.ErrorLevels,
			GapThreshold:       time.Duration(cfg.BugDetection.GapThresholdSeconds) * time.Second,
			CorrelationTimeout: time.Duration(cfg.BugDetection.CorrelationTimeoutHours) * time.Hour,
		},
		log.Base(),
	)

	runErr := engine.Run(log.ContextWithReplayID(ctx, id), replay.Config{
		ReplayID:          id,
		SessionID:         *sessionID,
		StartTS:           *startTS,
		EndTS:             *endTS,
		Mode:              session.Mode(*mode),
		Speed:             runSpeed,
		CheckpointEvery:   cfg.Replay.CheckpointEvery,
		MaxEventsPerBatch: cfg.Replay.MaxEventsPerBatch,
	})
	reports.Close()

	sess, err := sessions.Get(id)
	if err == nil {
		out, _ := json.MarshalIndent(sess, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		logger.Error().Err(runErr).Str("replay_id", id).Msg("replay failed")
		os.Exit(1)
	}
}
