// Package watcher turns OS-level filesystem notifications on the
// projects root into debounced change batches for the indexer.
package watcher

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one debounced path notification.
type Change struct {
	Path    string
	Removed bool
}

type pendingChange struct {
	at      time.Time
	removed bool
}

// Watcher watches the projects root recursively and calls
// onChange with batches of settled paths after the debounce
// period elapses.
type Watcher struct {
	onChange func(changes []Change)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]pendingChange
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates a watcher. Call WatchRecursive then Start.
func New(
	debounce time.Duration, onChange func(changes []Change),
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf(
			"onChange callback is nil: %w", os.ErrInvalid,
		)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]pendingChange),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// WatchRecursive walks a directory tree and adds every
// subdirectory to the watch list. Returns the number of
// directories watched and those that failed to add.
func (w *Watcher) WatchRecursive(root string) (watched, unwatched int, err error) {
	err = filepath.WalkDir(root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip inaccessible dirs
			}
			if d.IsDir() {
				if addErr := w.watcher.Add(path); addErr != nil {
					unwatched++
				} else {
					watched++
				}
			}
			return nil
		})
	return watched, unwatched, err
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for the loop to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
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
			log.Printf("watcher error: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending change, auto-watching newly
// created directories. A removal replaces any pending write for
// the same path; a later write clears a pending removal (the
// path came back).
func (w *Watcher) handleEvent(event fsnotify.Event) {
	const writeOps = fsnotify.Write | fsnotify.Create
	const removeOps = fsnotify.Remove | fsnotify.Rename
	if event.Op&(writeOps|removeOps) == 0 {
		return
	}

	removed := event.Op&removeOps != 0
	if !removed && event.Op&fsnotify.Create != 0 {
		w.watchIfDir(event.Name)
	}

	w.mu.Lock()
	w.pending[event.Name] = pendingChange{
		at:      w.now(),
		removed: removed,
	}
	w.mu.Unlock()
}

// watchIfDir adds a path to the watch list if it is a directory.
func (w *Watcher) watchIfDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = w.watcher.Add(path)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := w.now()
	var ready []Change
	for path, pc := range w.pending {
		if now.Sub(pc.at) >= w.debounce {
			ready = append(ready, Change{
				Path:    path,
				Removed: pc.removed,
			})
		}
	}
	for _, c := range ready {
		delete(w.pending, c.Path)
	}
	w.mu.Unlock()

	if len(ready) > 0 {
		w.onChange(ready)
	}
}
