package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nanoagent/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. The parent directory is watched so editors
// that replace the file on save are handled.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(*Config)
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine after each settled change that parses successfully.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		watcher:     fw,
		path:        abs,
		onChange:    onChange,
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher: failed to create %s: %v", dir, err)
	}
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher: watch failed: %v", err)
	} else {
		logging.Config("config watcher: watching %s", w.path)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("config watcher: close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Error("config watcher error: %v", err)
		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	if _, err := os.Stat(w.path); err != nil {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("config reload failed, keeping previous: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("reloaded config invalid, keeping previous: %v", err)
		return
	}
	logging.Config("config reloaded from %s", w.path)
	w.onChange(cfg)
}
