package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = time.Second

// Watcher watches a policy file and triggers a reload callback when it changes.
type Watcher struct {
	path       string
	watcher    *fsnotify.Watcher
	reloadFunc func(string) error
	logger     *slog.Logger
	debounce   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for path. Debounce collapses bursts of events
// (editors often write then rename); zero selects one second.
func NewWatcher(path string, debounce time.Duration, reloadFunc func(string) error, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	return &Watcher{
		path:       path,
		watcher:    watcher,
		reloadFunc: reloadFunc,
		logger:     logger,
		debounce:   debounce,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched because editors
// frequently replace files instead of writing them in place.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("Policy watcher started", "policy_path", w.path)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

// IsRunning returns whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isPolicyFileEvent(event) {
				continue
			}

			w.logger.Debug("Policy file event detected", "event", event.Op.String(), "file", event.Name)

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			w.triggerReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Policy watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Policy watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Policy watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) isPolicyFileEvent(event fsnotify.Event) bool {
	eventPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	policyPath, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return eventPath == policyPath
}

func (w *Watcher) triggerReload() {
	w.logger.Info("Policy file changed, triggering reload", "policy_path", w.path)

	start := time.Now()
	if err := w.reloadFunc(w.path); err != nil {
		w.logger.Error("Policy reload failed", "error", err, "duration", time.Since(start))
		return
	}
	w.logger.Info("Policy reload completed successfully", "duration", time.Since(start))
}
