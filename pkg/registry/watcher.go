package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/snow-ghost/dispatch/pkg/logging"
)

// Watcher hot-reloads the registry when the config file changes. It watches
// the file's directory (editors replace files by rename) and debounces
// bursts of write events into one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	registry *Registry
	logger   *logging.Logger
	debounce time.Duration
	cancel   context.CancelFunc
}

// NewWatcher creates a config watcher for the loader's path.
func NewWatcher(loader *Loader, registry *Registry, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fw,
		loader:   loader,
		registry: registry,
		logger:   logger,
		debounce: debounce,
	}, nil
}

// Watch starts watching for config changes.
func (w *Watcher) Watch() error {
	dir := filepath.Dir(w.loader.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.processEvents(ctx)
	return nil
}

// processEvents folds matching events into debounced reloads.
func (w *Watcher) processEvents(ctx context.Context) {
	target := filepath.Clean(w.loader.Path())

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err.Error())
		}
	}
}

// reload replaces the registry from disk; a broken file keeps the old set.
func (w *Watcher) reload() {
	providers, err := w.loader.LoadProviders()
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous providers", "error", err.Error())
		return
	}
	if err := w.registry.Replace(providers); err != nil {
		w.logger.Error("Config reload rejected, keeping previous providers", "error", err.Error())
		return
	}
	w.logger.Info("Provider registry reloaded", "providers", w.registry.Len(), "path", w.loader.Path())
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}
