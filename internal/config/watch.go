// SPDX-License-Identifier: MIT

package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the config file on write events and invokes onReload with
// each successfully validated result. It blocks until ctx is cancelled.
// Invalid intermediate states are logged and skipped, so a half-written file
// never reaches the callback.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Debug().Err(err).Msg("close config watcher")
		}
	}()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("watching config file")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload skipped")
				continue
			}
			logger.Info().Msg("config reloaded")
			onReload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
