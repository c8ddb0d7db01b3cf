// SPDX-License-Identifier: MIT

// Package config loads and validates the replayd configuration document.
// Configuration is an explicit record threaded through constructors; there
// is no process-wide mutable state.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors; they are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration document.
type Config struct {
	Broker       Broker       `yaml:"broker"`
	Replay       Replay       `yaml:"replay"`
	BugDetection BugDetection `yaml:"bug_detection"`
	Security     Security     `yaml:"security"`
	Server       Server       `yaml:"server"`
	Reports      Reports      `yaml:"reports"`
	Storage      Storage      `yaml:"storage"`
	Log          Log          `yaml:"log"`
}

// Broker configures the stream broker connection.
type Broker struct {
	URL           string `yaml:"url"`
	StreamKey     string `yaml:"stream_key"`
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
}

// Replay configures engine defaults.
type Replay struct {
	CheckpointEvery   int     `yaml:"checkpoint_every"`
	MaxEventsPerBatch int64   `yaml:"max_events_per_batch"`
	Speed             float64 `yaml:"speed"`
}

// BugDetection tunes the detector rules.
type BugDetection struct {
	ErrorLevels             []string `yaml:"error_levels"`
	GapThresholdSeconds     int      `yaml:"gap_threshold_seconds"`
	CorrelationTimeoutHours int      `yaml:"correlation_timeout_hours"`
}

// Security configures control-surface authentication.
type Security struct {
	EnableAuth  bool   `yaml:"enable_auth"`
	SharedToken string `yaml:"shared_token"`
}

// Server configures the HTTP listener.
type Server struct {
	Listen string `yaml:"listen"`
}

// Reports configures report artifact output.
type Reports struct {
	Dir string `yaml:"dir"`
}

// Storage configures the file-backed fallback event store.
type Storage struct {
	Dir string `yaml:"dir"`
}

// Log configures structured logging output.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Broker: Broker{
			URL:           "redis://localhost:6379",
			StreamKey:     "logs:stream",
			ConsumerGroup: "replay_group",
			ConsumerName:  "replayer-1",
		},
		Replay: Replay{
			CheckpointEvery:   10,
			MaxEventsPerBatch: 1000,
			Speed:             1.0,
		},
		BugDetection: BugDetection{
			ErrorLevels:             []string{"ERROR", "FATAL", "CRITICAL"},
			GapThresholdSeconds:     300,
			CorrelationTimeoutHours: 1,
		},
		Server:  Server{Listen: ":8080"},
		Reports: Reports{Dir: "reports"},
		Storage: Storage{Dir: "data"},
	}
}

// Load reads the YAML document at path (optional), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides recognised at load.
const (
	EnvBrokerURL   = "BROKER_URL"
	EnvStreamKey   = "STREAM_KEY"
	EnvSharedToken = "REPLAY_SHARED_TOKEN"
)

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBrokerURL); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv(EnvStreamKey); v != "" {
		cfg.Broker.StreamKey = v
	}
	if v := os.Getenv(EnvSharedToken); v != "" {
		cfg.Security.SharedToken = v
	}
}

// Validate checks the invariants the rest of the system relies on.
func (c Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker.url is required", ErrInvalid)
	}
	if c.Broker.StreamKey == "" {
		return fmt.Errorf("%w: broker.stream_key is required", ErrInvalid)
	}
	if c.Broker.ConsumerGroup == "" {
		return fmt.Errorf("%w: broker.consumer_group is required", ErrInvalid)
	}
	if c.Broker.ConsumerName == "" {
		return fmt.Errorf("%w: broker.consumer_name is required", ErrInvalid)
	}
	if c.Replay.CheckpointEvery <= 0 {
		return fmt.Errorf("%w: replay.checkpoint_every must be > 0", ErrInvalid)
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("%w: replay.speed must be > 0", ErrInvalid)
	}
	if c.BugDetection.GapThresholdSeconds <= 0 {
		return fmt.Errorf("%w: bug_detection.gap_threshold_seconds must be > 0", ErrInvalid)
	}
	if c.Security.EnableAuth && c.Security.SharedToken == "" {
		return fmt.Errorf("%w: security.shared_token is required when auth is enabled", ErrInvalid)
	}
	return nil
}
