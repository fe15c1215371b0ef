// Package config provides configuration watching and hot-reload functionality
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches a configuration file and reloads it when it changes
type Watcher struct {
	// Configuration file path
	configFile string

	// Configuration loader
	loader *Loader

	// Current configuration
	config   *Config
	configMu sync.RWMutex

	// File system watcher
	fsWatcher *fsnotify.Watcher

	// Event callbacks
	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	// Quiet period before reloading
	debounce time.Duration

	logger *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a new configuration watcher and loads the initial
// configuration
func NewWatcher(configFile string, loader *Loader, logger *zap.Logger) (*Watcher, error) {
	if _, err := FormatFromPath(configFile); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config, err := loader.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	return &Watcher{
		configFile: filepath.Clean(configFile),
		loader:     loader,
		config:     config,
		fsWatcher:  fsWatcher,
		debounce:   500 * time.Millisecond,
		logger:     logger.Named("config"),
		done:       make(chan struct{}),
	}, nil
}

// SetDebounce sets the quiet period before a change is reloaded
func (w *Watcher) SetDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Start starts watching the configuration file
func (w *Watcher) Start() error {
	// Watch the directory so editors that replace the file are noticed
	err := w.fsWatcher.Add(filepath.Dir(w.configFile))
	if err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

// watchLoop watches for file system events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Debounce timer to avoid multiple reloads for rapid file changes
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

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.configFile {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if err := w.reloadConfig(); err != nil {
						w.logger.Error("failed to reload config", zap.Error(err))
					}
				})
			} else if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Warn("config file removed or renamed", zap.String("path", w.configFile))
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.Load(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.notifyCallbacks(oldConfig, newConfig)

	w.logger.Info("configuration reloaded", zap.String("path", w.configFile))
	return nil
}

// notifyCallbacks notifies all registered callbacks of configuration changes
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", zap.Any("panic", r))
				}
			}()
			callback(oldConfig, newConfig)
		}()
	}
}
