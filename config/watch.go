package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads scheduling overrides from a JSON file. Bad files are
// rejected and logged; the last good config stays active.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Scheduling
	onSwap  func(Scheduling)

	stopCh chan struct{}
}

// NewWatcher starts watching path. initial is the config used until the
// first successful load; onSwap fires after each successful swap.
func NewWatcher(path string, initial Scheduling, onSwap func(Scheduling)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		onSwap:  onSwap,
		stopCh:  make(chan struct{}),
	}

	// Pick up a pre-existing file before the first event.
	if _, err := os.Stat(path); err == nil {
		w.reload()
	}

	go w.loop()
	return w, nil
}

// Current returns the active scheduling config.
func (w *Watcher) Current() Scheduling {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config reload read failed", "path", w.path, logging.Err(err))
		return
	}

	next := w.Current()
	if err := json.Unmarshal(data, &next); err != nil {
		slog.Warn("config reload rejected: bad json", "path", w.path, logging.Err(err))
		return
	}
	if err := next.Validate(); err != nil {
		slog.Warn("config reload rejected", "path", w.path, logging.Err(err))
		return
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	slog.Info("scheduling config reloaded", "path", w.path, "algorithm", next.Algorithm)
	if w.onSwap != nil {
		w.onSwap(next)
	}
}
