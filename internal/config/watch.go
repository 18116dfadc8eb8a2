package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the new value
// to onChange. The parent directory is watched rather than the file so that
// editors which replace the file by rename are still seen. It blocks until
// the context is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	return watch(ctx, path, watchDebounce, logger, onChange)
}

func watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.Info("watching config for changes", "path", path)

	var debounceTimer *time.Timer
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("config file changed", "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				if ctx.Err() != nil {
					return
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					return
				}
				logger.Info("config reloaded")
				onChange(cfg)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
