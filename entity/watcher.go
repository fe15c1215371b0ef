package entity

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/najoast/hive/core"
)

// watcher turns file system notifications below the root directory into
// messages for the entity system. It never touches the system's state.
type watcher struct {
	fsWatcher *fsnotify.Watcher
	addr      *core.Address[Msg]
	debounce  time.Duration
	logger    *zap.Logger

	// Pending reloads per path
	mu     sync.Mutex
	timers map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// newWatcher watches root and all of its subdirectories. It takes ownership
// of addr.
func newWatcher(root string, addr *core.Address[Msg], debounce time.Duration, logger *zap.Logger) (*watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		addr.Release()
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	w := &watcher{
		fsWatcher: fsWatcher,
		addr:      addr,
		debounce:  debounce,
		logger:    logger.Named("watcher"),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}

	if err := w.addTree(root, false); err != nil {
		fsWatcher.Close()
		addr.Release()
		return nil, err
	}

	w.wg.Add(1)
	go w.watchLoop()

	return w, nil
}

// addTree watches dir and every directory below it. With notify set, every
// regular file found is scheduled for loading, since files created before
// the watch was added produce no event.
func (w *watcher) addTree(dir string, notify bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("cannot traverse", zap.String("path", path), zap.Error(err))
			return nil
		}

		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			w.logger.Debug("watching", zap.String("path", path))
			return nil
		}

		if notify && d.Type().IsRegular() {
			w.schedule(path)
		}
		return nil
	})
}

// watchLoop watches for file system events
func (w *watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			if err := w.addTree(path, true); err != nil {
				w.logger.Warn("cannot watch new directory", zap.String("path", path), zap.Error(err))
			}
			return
		}
		w.schedule(path)

	case event.Has(fsnotify.Write):
		w.schedule(path)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancel(path)
		if err := w.addr.Send(fileRemoved{path: path}); err != nil {
			w.logger.Debug("removal not delivered", zap.String("path", path), zap.Error(err))
		}
	}
}

// schedule sends fileChanged for path once it stayed quiet for the debounce
// period.
func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.scheduleLocked(path)
}

// scheduleLocked replaces the pending timer of path. A replaced timer whose
// callback already fired finds itself superseded and sends nothing.
func (w *watcher) scheduleLocked(path string) {
	if old, ok := w.timers[path]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.timers[path] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		w.mu.Unlock()

		if err := w.addr.Send(fileChanged{path: path}); err != nil {
			w.logger.Debug("change not delivered", zap.String("path", path), zap.Error(err))
		}
	})
	w.timers[path] = timer
}

func (w *watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

// close stops the watcher and releases its address.
func (w *watcher) close() {
	close(w.done)
	if err := w.fsWatcher.Close(); err != nil {
		w.logger.Warn("failed to close watcher", zap.Error(err))
	}
	w.wg.Wait()

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.addr.Release()
}
