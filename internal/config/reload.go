package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

// Reload triggers, used as the metric label.
const (
	TriggerWatch  = "watch"
	TriggerSignal = "signal"
	TriggerAdmin  = "admin"
)

// Reloader re-reads the config file on demand and swaps the active config
// when the new file validates. Reloads are triggered by fsnotify file
// watching, SIGHUP (Unix only, registered in reload_unix.go), or the admin
// API. A failed reload leaves the previous config active.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback invoked with the new config after every
// successful reload. Callbacks must be registered before Start.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// SIGHUP (on Unix). Must be called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	// SIGHUP is a no-op on Windows.
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads the config from disk, validates it, and if valid swaps it in
// and notifies registered callbacks. On failure the previous config stays
// active and the validation error is returned so the caller (admin API,
// signal handler) can report the reason.
func (r *Reloader) Reload(trigger string) error {
	r.logger.Info("reloading configuration", "path", r.path, "trigger", trigger)

	newCfg, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failure", trigger).Inc()
		r.logger.Error("config reload rejected, keeping current tables",
			"path", r.path, "trigger", trigger, "error", err)
		return fmt.Errorf("reload rejected: %w", err)
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("success", trigger).Inc()
	r.logger.Info("configuration reloaded",
		"routes", len(newCfg.Routes), "mocks", len(newCfg.Mocks))
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	// Editors often write multiple events on save.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload(TriggerWatch) //nolint:errcheck
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if len(old.Routes) != len(new.Routes) {
		r.logger.Info("route count changed", "old", len(old.Routes), "new", len(new.Routes))
	}
	if len(old.Mocks) != len(new.Mocks) {
		r.logger.Info("mock count changed", "old", len(old.Mocks), "new", len(new.Mocks))
	}
	if old.RateLimit != new.RateLimit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}
	if old.Auth.Enabled != new.Auth.Enabled {
		r.logger.Info("auth enabled changed", "old", old.Auth.Enabled, "new", new.Auth.Enabled)
	}
}
