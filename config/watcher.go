package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 100 * time.Millisecond

// Watcher reloads config.toml when it changes on disk and notifies
// registered callbacks with the validated new config.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	current  *Config
	onChange []func(old, new *Config)

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher seeded with the already loaded config.
func NewWatcher(path string, current *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		debounce: defaultReloadDebounce,
		logger:   logger.Named("config"),
		current:  current,
		done:     make(chan struct{}),
	}
}

// OnChange registers a callback invoked after each successful reload.
// Register callbacks before calling Start.
func (w *Watcher) OnChange(cb func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, cb)
}

// Config returns the most recently loaded config.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the config directory.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("reload config failed", zap.Error(err))
		return
	}
	if err := next.Validate(); err != nil {
		w.logger.Warn("reloaded config rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	if old != nil && next.Identity.DeviceID == "" {
		next.Identity = old.Identity
	}
	w.current = next
	callbacks := append([]func(old, new *Config){}, w.onChange...)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(old, next)
	}
}
