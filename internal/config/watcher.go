package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentcore/internal/bus"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
)

// Watcher reloads the settings file when it changes on disk, swaps the
// active policy rules, and announces the update on the bus. Editors often
// write a file several times in quick succession, so events are debounced.
type Watcher struct {
	path    string
	engine  *policy.Engine
	msgBus  *bus.Bus
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	pending     map[string]time.Time
	debounceDur time.Duration
	running     bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a Watcher for the given settings file.
func NewWatcher(path string, engine *policy.Engine, msgBus *bus.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:        path,
		engine:      engine,
		msgBus:      msgBus,
		watcher:     fw,
		pending:     make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// The directory is watched rather than the file itself so atomic
// rename-style saves keep working.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Config("watching settings file: %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
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
		logging.Get(logging.CategoryConfig).Errorf("error closing settings watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

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
			logging.Get(logging.CategoryConfig).Errorf("settings watcher error: %v", err)

		case <-debounceTicker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	logging.ConfigDebug("settings change event: %s", event.Op)

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	reload := false
	for path, eventTime := range w.pending {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.pending, path)
			reload = true
		}
	}
	w.mu.Unlock()

	if reload {
		w.Reload()
	}
}

// Reload re-reads the settings file and applies the policy section. Called
// by the event loop after changes settle, and usable directly for an
// explicit refresh.
func (w *Watcher) Reload() {
	settings, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warnf("settings reload failed, keeping previous rules: %v", err)
		return
	}

	rules := settings.Policy.CompileRules()
	w.engine.ReplaceRules(rules)
	logging.Config("policy rules reloaded: %d active", len(rules))

	if w.msgBus != nil {
		w.msgBus.Publish(bus.Message{
			Type: bus.MessagePolicyUpdate,
			PolicyUpdate: &bus.PolicyUpdateNotice{
				Source:    w.path,
				RuleCount: len(rules),
			},
		})
	}
}
