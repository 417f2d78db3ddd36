// This file contains the StorageWatcher. When a managed data file changes
// on disk outside a save (an operator edits it, another process rewrites
// it), every connected client gets a system notification telling it the
// data changed.
package gridsync

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StorageWatcher watches the storage directory and broadcasts a
// system-notification when a data file is written. Events for the same
// file within the debounce window collapse into one notification, which
// also absorbs the temp-file rename dance of an atomic save.
type StorageWatcher struct {
	watcher  *fsnotify.Watcher
	gateway  *Gateway
	hooks    *Hooks
	debounce time.Duration
	lastSeen map[string]time.Time
	done     chan struct{}
	once     sync.Once
	mutex    sync.Mutex
}

// NewStorageWatcher builds a watcher over dir. Call Start to begin
// delivering notifications.
func NewStorageWatcher(dir string, gateway *Gateway, hooks *Hooks) (*StorageWatcher, error) {
	fsw, err := fsnotify.NewWatcher()

	if err != nil {
		return nil, wrapF(err, "failed to create storage watcher")
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()

		return nil, wrapF(err, "failed to watch %s", dir)
	}
	return &StorageWatcher{
		watcher:  fsw,
		gateway:  gateway,
		hooks:    hooks,
		debounce: 2 * time.Second,
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the event loop.
func (w *StorageWatcher) Start() {
	go w.run()
}

func (w *StorageWatcher) run() {
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
			w.reportError(err)
		}
	}
}

func (w *StorageWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	name := filepath.Base(event.Name)

	if !strings.HasSuffix(name, ".csv") {
		return
	}
	fileId := strings.TrimSuffix(name, ".csv")

	if !w.shouldNotify(fileId) {
		return
	}
	w.gateway.BroadcastSystemNotification("Data in file "+fileId+" changed on disk, consider refreshing", NoticeWarning)
}

func (w *StorageWatcher) shouldNotify(fileId string) bool {
	w.mutex.Lock()

	defer w.mutex.Unlock()

	now := time.Now()

	if last, ok := w.lastSeen[fileId]; ok && now.Sub(last) < w.debounce {
		return false
	}
	w.lastSeen[fileId] = now
	return true
}

// Close stops the event loop and releases the underlying watcher.
func (w *StorageWatcher) Close() {
	w.once.Do(func() {
		close(w.done)

		_ = w.watcher.Close()
	})
}

func (w *StorageWatcher) reportError(err error) {
	if err == nil || w.hooks == nil || w.hooks.Metrics == nil {
		return
	}
	w.hooks.Metrics.Error("storage_watcher", err)
}
