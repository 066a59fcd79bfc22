package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the on-disk config file (the provider/model policy
// layer loaded by Load) and invokes onChange with the freshly parsed
// Config whenever it changes. Grounded on the teacher's plugin.Loader
// (internal/infrastructure/plugin/loader.go): same fsnotify.Watcher field,
// same StartWatching/handleWatchEvent/Close shape, adapted from watching a
// plugin directory for plugin.json changes to watching a single config
// file's parent directory for writes to that file.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange func(*Config)
}

// NewWatcher creates a Watcher for the config file at path. The watch
// itself does not start until StartWatching is called.
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: create: %w", err)
	}
	return &Watcher{path: path, watcher: w, logger: logger, onChange: onChange}, nil
}

// StartWatching watches path's parent directory (editors typically
// replace a file rather than write it in place, which fsnotify only
// reports as an event on the containing directory) and reloads the
// config whenever the watched file itself is written or created.
func (w *Watcher) StartWatching(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleWatchEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", zap.Error(err))
			}
		}
	}()

	w.logger.Info("config hot-reload watching started", zap.String("path", w.path))
	return nil
}

func (w *Watcher) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	cfg, err := Load()
	if err != nil {
		w.logger.Error("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
