package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of write events editors and
// atomic-rename saves produce for a single change.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// hands the parsed result to a callback. Parse or validation failures
// are logged and the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine for every successfully loaded change.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger.With("component", "config.watcher"),
		onChange: onChange,
	}
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself so atomic renames keep working.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous configuration", "error", err)
				continue
			}
			w.logger.Info("configuration reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
