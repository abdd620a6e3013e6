package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"auditkb/internal/logging"
)

// Watcher monitors an inbox directory and runs every new or rewritten
// checklist CSV through the pipeline. Rapid saves are debounced so a
// file is processed once after it settles.
type Watcher struct {
	mu          sync.Mutex
	pipeline    *Pipeline
	watcher     *fsnotify.Watcher
	inboxDir    string
	opts        Options
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// OnResult, when set, receives the outcome of every processed file.
	OnResult func(path string, out *Outcome, err error)
}

// NewWatcher creates a watcher over the inbox directory.
func NewWatcher(p *Pipeline, inboxDir string, opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		pipeline:    p,
		watcher:     fw,
		inboxDir:    inboxDir,
		opts:        opts,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a
// goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.inboxDir, 0755); err != nil {
		logging.Get(logging.CategoryWatch).Warn("Failed to create inbox dir %s: %v", w.inboxDir, err)
	}
	if err := w.watcher.Add(w.inboxDir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Watch("Watching inbox: %s", w.inboxDir)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
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
		logging.Get(logging.CategoryWatch).Error("Error closing watcher: %v", err)
	}
	logging.Watch("Inbox watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("Inbox watcher: context cancelled")
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
			logging.Get(logging.CategoryWatch).Error("Watcher error: %v", err)

		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(event.Name), ".csv") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	logging.Get(logging.CategoryWatch).Debug("Inbox event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled runs files whose last event is older than the debounce
// window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range w.debounceMap {
		if now.Sub(last) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		logging.Watch("Processing inbox file: %s", path)
		out, err := w.pipeline.ProcessFile(ctx, path, w.opts)
		if err != nil {
			logging.Get(logging.CategoryWatch).Error("Failed to process %s: %v", path, err)
		}
		if w.OnResult != nil {
			w.OnResult(path, out, err)
		}
	}
}
