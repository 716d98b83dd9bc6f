package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the config file watcher
type WatcherConfig struct {
	// Path is the config file to watch
	Path string

	// DebounceDelay is how long to wait for more writes before reloading
	DebounceDelay time.Duration

	// Logger for logging events
	Logger *slog.Logger
}

// Watcher watches a config file and emits validated reloads. Writes
// that fail to parse or validate are logged and skipped, so a half
// written file never replaces a good configuration.
type Watcher struct {
	config  WatcherConfig
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   bool

	reloads  chan *Config
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.DebounceDelay == 0 {
		config.DebounceDelay = 500 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		path:    filepath.Clean(config.Path),
		watcher: fsw,
		logger:  logger,
		reloads: make(chan *Config, 1),
	}, nil
}

// Reloads returns the channel of reloaded configurations.
func (w *Watcher) Reloads() <-chan *Config {
	return w.reloads
}

// Start begins watching the config file for changes
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory, not the file: editors replace config files
	// by renaming a temp file over them, which drops a file watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.run(ctx)

	w.logger.Info("Config watcher started",
		"path", w.path,
		"debounce", w.config.DebounceDelay)

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}

// run handles fsnotify events with debouncing
func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks the file dirty when the watched path changes
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Config change detected", "op", event.Op.String())
}

// flushPending reloads the file if a change has accumulated
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	config, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload config",
			"path", w.path,
			"error", err)
		return
	}
	if err := config.Validate(); err != nil {
		w.logger.Warn("Ignoring invalid config",
			"path", w.path,
			"error", err)
		return
	}

	w.publish(config)
	w.logger.Info("Config reloaded", "path", w.path)
}

// publish replaces any undelivered reload so the latest config wins
func (w *Watcher) publish(config *Config) {
	select {
	case <-w.reloads:
	default:
	}
	select {
	case w.reloads <- config:
	default:
	}
}
