// SPDX-License-Identifier: MIT

// replayd is the long-running replay daemon: it exposes the HTTP control
// surface, runs replays against the event stream broker and maintains
// checkpoints, reports and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ManuGH/replayd/internal/api"
	"github.com/ManuGH/replayd/internal/checkpoint"
	"github.com/ManuGH/replayd/internal/config"
	"github.com/ManuGH/replayd/internal/detect"
	"github.com/ManuGH/replayd/internal/filestore"
	"github.com/ManuGH/replayd/internal/log"
	"github.com/ManuGH/replayd/internal/metrics"
	"github.com/ManuGH/replayd/internal/replay"
	"github.com/ManuGH/replayd/internal/report"
	"github.com/ManuGH/replayd/internal/session"
	"github.com/ManuGH/replayd/internal/stream"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL strips user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replayd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Service: "replayd",
		File:    cfg.Log.File,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Server.Listen).
		Str("broker", maskURL(cfg.Broker.URL)).
		Str("stream_key", cfg.Broker.StreamKey).
		Msg("starting replayd")
	if !cfg.Security.EnableAuth {
		logger.Warn().Str("security", "weak").Msg("auth disabled, set security.enable_auth and REPLAY_SHARED_TOKEN")
	}

	opts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "broker.config_invalid").Msg("invalid broker url")
	}
	client := redis.NewClient(opts)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("close broker client")
		}
	}()

	streamCfg := stream.Config{
		URL:           cfg.Broker.URL,
		StreamKey:     cfg.Broker.StreamKey,
		ConsumerGroup: cfg.Broker.ConsumerGroup,
		ConsumerName:  cfg.Broker.ConsumerName,
	}

	// Shared adapter for the control surface. Replay runs mint their own so
	// the engine's disconnect never tears down health or ingest.
	shared := stream.NewAdapterWithClient(streamCfg, client, log.Base())
	if err := shared.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("broker unreachable at startup, continuing degraded")
	}

	checkpoints := checkpoint.NewStore(client, log.Base())
	sessions := session.NewRegistry(log.Base())

	files, err := filestore.New(cfg.Storage.Dir, log.Base())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "storage.init_failed").Msg("file store init failed")
	}

	reports, err := report.NewWriter(cfg.Reports.Dir, log.Base())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "reports.init_failed").Msg("report writer init failed")
	}
	defer reports.Close()

	detectCfg := detect.Config{
		ErrorLevels:        cfg.BugDetection.ErrorLevels,
		GapThreshold:       time.Duration(cfg.BugDetection.GapThresholdSeconds) * time.Second,
		CorrelationTimeout: time.Duration(cfg.BugDetection.CorrelationTimeoutHours) * time.Hour,
	}

	engine := replay.New(
		func() (*stream.Adapter, error) { return stream.NewAdapter(streamCfg, log.Base()) },
		checkpoints, sessions, reports, detectCfg, log.Base(),
	)

	server := api.NewServer(api.Options{
		AuthEnabled: cfg.Security.EnableAuth,
		SharedToken: cfg.Security.SharedToken,
		Adapter:     shared,
		Files:       files,
		Checkpoints: checkpoints,
		Sessions:    sessions,
		Engine:      engine,
		Defaults: api.ReplayDefaults{
			CheckpointEvery:   cfg.Replay.CheckpointEvery,
			MaxEventsPerBatch: cfg.Replay.MaxEventsPerBatch,
			Speed:             cfg.Replay.Speed,
		},
		Logger: log.Base(),
	})

	// Background maintenance: stream length gauge and terminal-session purge.
	maint := cron.New()
	if _, err := maint.AddFunc("@every 30s", func() {
		info := shared.StreamInfo(context.Background())
		if info.Err == "" {
			metrics.UpdateStreamLength(cfg.Broker.StreamKey, info.Length)
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule stream gauge")
	}
	if _, err := maint.AddFunc("@hourly", func() {
		if n := sessions.PurgeTerminal(24 * time.Hour); n > 0 {
			logger.Info().Int("purged", n).Msg("purged terminal sessions")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule session purge")
	}
	maint.Start()
	defer maint.Stop()

	// Hot reload: a config rewrite swaps the shared token without restart.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, log.WithComponent("config"), func(next config.Config) {
				server.SetToken(next.Security.SharedToken)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Listen).Msg("control surface listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("event", "server.failed").Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	logger.Info().Msg("server exiting")
}
