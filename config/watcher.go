package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/logger"
)

// ReloadCallback receives the freshly loaded config after a file change.
type ReloadCallback func(*Config) error

// Watcher reloads config.toml when the operator edits it. Changes are
// debounced, backup rotations are ignored, and writes issued by this
// process never trigger a reload.
type Watcher struct {
	home    Home
	watcher *fsnotify.Watcher

	mu            sync.RWMutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
}

const debouncePeriod = 500 * time.Millisecond

// globalWatcher lets Write suppress the reload its own file write would
// otherwise trigger.
var (
	globalWatcher   *Watcher
	globalWatcherMu sync.Mutex
)

// NewWatcher creates a watcher over the home's config.toml. The file
// must exist (first boot writes it before the watcher starts).
func NewWatcher(home Home) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	// Watch the directory, not the file: editors that replace the file
	// atomically (rename-over) would otherwise drop the watch.
	if err := fw.Add(home.Dir()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", home.Dir())
	}

	w := &Watcher{home: home, watcher: fw}

	globalWatcherMu.Lock()
	globalWatcher = w
	globalWatcherMu.Unlock()

	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching.
func (w *Watcher) Start() {
	go w.watchLoop()
	logger.Infow("Config watcher started", "path", w.home.ConfigPath())
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	globalWatcherMu.Lock()
	if globalWatcher == w {
		globalWatcher = nil
	}
	globalWatcherMu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.home.ConfigPath()) {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			if checkOwnWrite() {
				logger.Debugw("Config watcher ignoring own write", "file", event.Name)
				continue
			}

			logger.Infow("Config watcher detected change",
				"file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid successive writes into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debouncePeriod, func() {
		if err := w.reload(); err != nil {
			logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.home)
	if err != nil {
		return err
	}
	logger.Infow("Config reloaded", "path", w.home.ConfigPath())

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// ownWrite flags the next file event as self-inflicted.
var (
	ownWrite   bool
	ownWriteMu sync.Mutex
)

// markOwnWrite is called by Write just before it touches config.toml.
func markOwnWrite() {
	ownWriteMu.Lock()
	ownWrite = true
	ownWriteMu.Unlock()
}

func checkOwnWrite() bool {
	ownWriteMu.Lock()
	defer ownWriteMu.Unlock()
	if ownWrite {
		ownWrite = false
		return true
	}
	return false
}

func isBackupFile(path string) bool {
	return strings.Contains(filepath.Base(path), ".back")
}
