package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/downstairs/internal/logger"
)

// Watch reloads the file at path whenever it changes and passes every
// configuration that loads and validates to onChange. Invalid edits are
// logged and skipped. Watch returns when ctx is cancelled.
//
// Only settings that can change at runtime should be read from the reloaded
// configuration; the caller decides which (currently the log level).
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	path = filepath.Clean(path)
	// The directory is watched so that files replaced by rename are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Warn("ignoring invalid configuration change", logger.KeyPath, path, logger.KeyError, err)
				continue
			}
			logger.Debug("configuration reloaded", logger.KeyPath, path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config watcher error: %w", err)
		}
	}
}
