package config

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RulesWatcher reloads the side-effect rules file whenever it changes.
// Invalid edits are logged and the previous rules stay in effect.
type RulesWatcher struct {
	path     string
	debounce time.Duration
	onReload func(SideEffectRules)
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRulesWatcher prepares a watcher for path. debounce collapses bursts of
// writes into one reload (default 200ms).
func NewRulesWatcher(path string, debounce time.Duration, logger *log.Logger, onReload func(SideEffectRules)) (*RulesWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("rules watcher: reload callback required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &RulesWatcher{
		path:     abs,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		watcher:  w,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so editors that replace the file by
// rename are still noticed. It returns once the watch is installed.
func (w *RulesWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("rules watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.running = true
	go w.loop(ctx)
	w.logger.Printf("watching side-effect rules %s", w.path)
	return nil
}

func (w *RulesWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("rules watcher error: %v", err)
		}
	}
}

func (w *RulesWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *RulesWatcher) reload() {
	rules, err := LoadSideEffectRules(w.path)
	if err != nil {
		w.logger.Printf("rules reload rejected, keeping previous rules: %v", err)
		return
	}
	w.logger.Printf("side-effect rules reloaded: %d exclusion(s)", len(rules.Exclusions))
	w.onReload(rules)
}

// Stop ends watching and waits for the event loop to exit.
func (w *RulesWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}
