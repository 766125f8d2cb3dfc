package vfs

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/pkg/kernel"
)

const watchDebounce = 250 * time.Millisecond

// SharedWatcher watches the shared subtree and emits debounced fs.changed
// events so multiple clients stay in sync without polling.
type SharedWatcher struct {
	fs       *FS
	eventBus bus.EventBus
	logger   *logger.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	done    chan struct{}
}

// NewSharedWatcher starts watching the shared directory.
func NewSharedWatcher(fs *FS, eventBus bus.EventBus, log *logger.Logger) (*SharedWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	sharedDir := filepath.Join(fs.Root(), "shared")
	if err := w.Add(sharedDir); err != nil {
		w.Close()
		return nil, err
	}

	sw := &SharedWatcher{
		fs:       fs,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "shared-watcher")),
		watcher:  w,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go sw.loop(sharedDir)
	return sw, nil
}

func (sw *SharedWatcher) loop(sharedDir string) {
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(sharedDir, ev.Name)
			if err != nil {
				continue
			}
			sw.enqueue(path.Join(SharedPrefix, filepath.ToSlash(rel)))
			// New subdirectories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				_ = sw.watcher.Add(ev.Name)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.WithError(err).Warn("shared watcher error")
		case <-sw.done:
			return
		}
	}
}

func (sw *SharedWatcher) enqueue(p string) {
	if strings.Contains(p, "/.") {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pending[p] = struct{}{}
	if sw.timer == nil {
		sw.timer = time.AfterFunc(watchDebounce, sw.flush)
	}
}

func (sw *SharedWatcher) flush() {
	sw.mu.Lock()
	paths := make([]string, 0, len(sw.pending))
	for p := range sw.pending {
		paths = append(paths, p)
	}
	sw.pending = make(map[string]struct{})
	sw.timer = nil
	sw.mu.Unlock()

	for _, p := range paths {
		bus.Emit(context.Background(), sw.eventBus, "shared-watcher", kernel.EvtFSChanged, map[string]any{
			"path":   p,
			"shared": true,
		})
	}
}

// Close stops the watcher.
func (sw *SharedWatcher) Close() error {
	close(sw.done)
	return sw.watcher.Close()
}
