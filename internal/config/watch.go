package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"ouroboros/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the new config to
// onChange. It blocks until ctx is done. The parent directory is watched so
// editors that replace the file by rename are seen. Only runtime-safe
// settings should be applied by onChange.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}
	logging.Config("watching %s", abs)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evAbs, _ := filepath.Abs(event.Name); evAbs != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors emit several events per save
			pending = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.ConfigWarn("watch error: %v", err)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logging.ConfigWarn("reload of %s failed, keeping previous settings: %v", path, err)
				continue
			}
			logging.Config("reloaded %s", path)
			onChange(cfg)
		}
	}
}
