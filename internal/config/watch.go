package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch watches path for writes and calls onChange with the freshly loaded
// configuration. It returns once the watcher is registered; the watch loop
// itself runs in a goroutine until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Error("config reload failed", slog.String("path", path), slog.String("error", err.Error()))
					continue
				}
				if errs := Validate(cfg); len(errs) > 0 {
					logger.Error("config reload produced invalid config, ignoring", slog.Any("errors", errs))
					continue
				}
				logger.Info("config reloaded", slog.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
