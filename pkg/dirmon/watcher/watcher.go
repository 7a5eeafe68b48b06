// Package watcher turns fsnotify events for one scan root into a stream of
// directory changes. Every directory below the root is watched, and
// directories created later are added as they appear.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
)

// Kind is the kind of a change notification.
type Kind int

const (
	// Created reports a new file or directory.
	Created Kind = iota
	// Modified reports a content change.
	Modified
	// Deleted reports a removal. Renames report the old name as deleted.
	Deleted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is one notification: the affected path and what happened to it.
type Change struct {
	Path string
	Kind Kind
}

// changeBuffer is the capacity of the Changes channel.
const changeBuffer = 1024

// ErrNotDirectory is returned when the watch root is not a directory.
var ErrNotDirectory = errors.New("watch root is not a directory")

// deviceOf reports the device holding a directory.
var deviceOf = walker.DeviceOf

// Watcher watches one root recursively.
type Watcher struct {
	root    string
	rootDev uint64
	haveDev bool
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu     sync.RWMutex
	paths  map[string]bool
	closed bool

	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup
}

// New watches root and every directory below it and starts delivering
// changes. Symlinks are not followed.
func New(root string) (*Watcher, error) {
	absRoot, err := types.Canonical(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    absRoot,
		watcher: fsw,
		logger:  logging.Get("watcher"),
		paths:   make(map[string]bool),
		changes: make(chan Change, changeBuffer),
		done:    make(chan struct{}),
	}
	w.rootDev, w.haveDev = deviceOf(info)

	if err := w.addTree(absRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info("watching", "root", absRoot, "directories", w.WatchCount())
	return w, nil
}

// Root returns the watched root.
func (w *Watcher) Root() string { return w.root }

// Changes returns the change stream. It is closed by Close.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// WatchCount returns the number of watched directories.
func (w *Watcher) WatchCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.paths)
}

// addTree watches dir and every directory below it that lives on the
// root's device.
func (w *Watcher) addTree(dir string) error {
	conf := fastwalk.Config{
		Follow: false,
	}

	return fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable directories are simply not watched
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.foreign(d) {
			return fastwalk.SkipDir
		}
		if err := w.addWatch(path); err != nil && path == dir {
			return err
		}
		return nil
	})
}

// foreign reports whether a directory sits on another device than the root.
func (w *Watcher) foreign(d fs.DirEntry) bool {
	if !w.haveDev {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	dev, ok := deviceOf(info)
	return ok && dev != w.rootDev
}

func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.paths[path] {
		return nil
	}

	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn("failed to add watch", "path", path, "error", err)
		return err
	}

	w.paths[path] = true
	return nil
}

// dropWatches forgets path and every watched directory below it.
func (w *Watcher) dropWatches(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for p := range w.paths {
		if p == path || types.IsSubPath(p, path) {
			_ = w.watcher.Remove(p)
			delete(w.paths, p)
		}
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
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
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create != 0:
		w.handleCreate(event.Name)
	case event.Op&fsnotify.Write != 0:
		w.emit(Change{Path: event.Name, Kind: Modified})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.dropWatches(event.Name)
		w.emit(Change{Path: event.Name, Kind: Deleted})
	}
}

func (w *Watcher) handleCreate(path string) {
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&fs.ModeSymlink == 0 && info.IsDir() {
		_ = w.addTree(path)
	}
	w.emit(Change{Path: path, Kind: Created})
}

func (w *Watcher) emit(c Change) {
	select {
	case w.changes <- c:
	case <-w.done:
	}
}

// Close stops watching and closes the change stream. Safe to call more
// than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.paths = make(map[string]bool)
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.changes)
	return err
}
