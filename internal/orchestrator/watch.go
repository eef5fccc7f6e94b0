package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the watcher waits for writes to settle.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchProfiles reloads the profile file at path whenever it changes, until
// ctx is cancelled. The parent directory is watched so editors that replace
// the file by rename are handled. Failed reloads keep the previous profiles.
func (o *Orchestrator) WatchProfiles(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	o.logger.Info("watching profiles", "path", abs)

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	var (
		dirty   bool
		lastHit time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				dirty = true
				lastHit = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("profile watcher error", "error", err)

		case <-ticker.C:
			if !dirty || time.Since(lastHit) < debounce {
				continue
			}
			dirty = false
			// Errors are published and logged by LoadProfiles.
			_, _ = o.LoadProfiles(ctx, abs)
		}
	}
}
