package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for coalescing file system events.
const DebounceDelay = 100 * time.Millisecond

// ReloadFunc receives each successfully reloaded config.
type ReloadFunc func(*Config)

// Watcher reloads the config file when it changes on disk. A reload that
// fails to parse or validate is logged and dropped; the caller keeps whatever
// config it had.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are still seen.
type Watcher struct {
	path     string
	lookup   LookupFunc
	onReload ReloadFunc
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for path. Call Start to begin and Close when done.
func NewWatcher(path string, lookup LookupFunc, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:          abs,
		lookup:        lookup,
		onReload:      onReload,
		logger:        logger,
		watcher:       fw,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay changes the debounce delay. Call before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceDelay = d
}

// Start begins the event loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No reloads are delivered after Close returns.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config_watch_error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.ApplyEnv(w.lookup)
	}
	if err != nil {
		w.logger.Error("config_reload_failed",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.logger.Info("config_reloaded",
		"path", w.path,
		"mode", cfg.Mode,
	)
	w.onReload(cfg)
}
