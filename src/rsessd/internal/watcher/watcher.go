// Package watcher provides a debounced file change watcher, used to reload
// the render preview when an output document is rewritten in place.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _debounceTimeout = 300 * time.Millisecond

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// FileWatcher invokes a callback when a watched file is created or written.
// Bursts of writes to the same file are coalesced into a single callback.
type FileWatcher interface {
	Watch(path string, onChange func(path string)) error
	Unwatch(path string) error
	Close() error
}

type fileWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.SugaredLogger

	mu             sync.Mutex
	callbacks      map[string]func(string)
	dirRefs        map[string]int
	debounceTimers map[string]*time.Timer
	closed         bool
}

// New creates a FileWatcher and starts its event loop.
func New(logger *zap.SugaredLogger) (FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	fw := &fileWatcher{
		watcher:        w,
		logger:         logger,
		callbacks:      make(map[string]func(string)),
		dirRefs:        make(map[string]int),
		debounceTimers: make(map[string]*time.Timer),
	}
	go fw.handleChanges()
	return fw, nil
}

// Watch registers onChange for path. fsnotify tracks directories, so the
// parent directory is watched and events are filtered to the exact path.
func (fw *fileWatcher) Watch(path string, onChange func(path string)) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return fmt.Errorf("watcher is closed")
	}

	if fw.dirRefs[dir] == 0 {
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %q: %w", dir, err)
		}
	}
	fw.dirRefs[dir]++
	fw.callbacks[path] = onChange
	return nil
}

// Unwatch removes a registration. Unknown paths are a no-op.
func (fw *fileWatcher) Unwatch(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.callbacks[path]; !ok {
		return nil
	}
	delete(fw.callbacks, path)
	if timer, ok := fw.debounceTimers[path]; ok {
		timer.Stop()
		delete(fw.debounceTimers, path)
	}

	fw.dirRefs[dir]--
	if fw.dirRefs[dir] <= 0 {
		delete(fw.dirRefs, dir)
		if err := fw.watcher.Remove(dir); err != nil {
			return fmt.Errorf("unwatching %q: %w", dir, err)
		}
	}
	return nil
}

// Close stops the event loop and cancels pending debounce timers.
func (fw *fileWatcher) Close() error {
	fw.mu.Lock()
	fw.closed = true
	for _, timer := range fw.debounceTimers {
		timer.Stop()
	}
	fw.debounceTimers = make(map[string]*time.Timer)
	fw.mu.Unlock()

	return fw.watcher.Close()
}

func (fw *fileWatcher) handleChanges() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			fw.handleDebounce(filepath.Clean(event.Name))

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warnf("failure in file change watcher: %v", err)
		}
	}
}

func (fw *fileWatcher) handleDebounce(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	callback, ok := fw.callbacks[path]
	if !ok {
		return
	}

	if timer, exists := fw.debounceTimers[path]; exists {
		timer.Stop()
	}
	fw.debounceTimers[path] = time.AfterFunc(_debounceTimeout, func() {
		fw.mu.Lock()
		delete(fw.debounceTimers, path)
		// Registration may have been removed while the timer was pending.
		_, stillWatched := fw.callbacks[path]
		fw.mu.Unlock()

		if stillWatched {
			callback(path)
		}
	})
}
