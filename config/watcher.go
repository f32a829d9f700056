package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the routing file when it changes and hands every valid
// version to onChange. Invalid files are logged and skipped, so the last
// good configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	onChange func(*RoutingConfig)
}

// NewWatcher creates a watcher for the routing file at path.
func NewWatcher(path string, logger *zap.Logger, onChange func(*RoutingConfig)) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   logger,
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that editors replacing the file via rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("Watching routing config", zap.String("path", w.path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Routing config watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadRouting(w.path)
	if err != nil {
		w.logger.Error("Ignoring invalid routing config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("Routing config reloaded",
		zap.String("path", w.path),
		zap.Int("endpoints", len(cfg.Endpoints)))
	w.onChange(cfg)
}
