// Package watch maintains the process-wide table of filesystem watchers.
//
// One OS watcher exists per distinct watched root, no matter how many
// projects are interested in it. Events fan out to per-project callbacks
// through a bounded dispatch queue so the watcher goroutine is never
// blocked by a slow consumer. Backends whose filesystems the OS cannot
// observe synthesize equivalent events through Emit.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
	"github.com/appforge/sandboxd/internal/sandbox"
)

const dispatchQueueSize = 256

// registration is one watched root shared by every project interested in it.
type registration struct {
	watcher  *fsnotify.Watcher
	projects map[string]sandbox.WatchCallback
	dirs     map[string]struct{}
	done     chan struct{}
}

type event struct {
	typ       sandbox.EventType
	path      string
	projectID string
	cb        sandbox.WatchCallback
}

// Registry fans OS filesystem notifications out to per-project callbacks.
// It is process-wide mutable state; a multi-replica deployment would need
// external coordination this registry does not attempt.
type Registry struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	roots map[string]*registration
	subs  map[string]sandbox.WatchCallback

	dispatch chan event
	done     chan struct{}
	closed   bool
}

// NewRegistry creates the registry and starts its dispatcher.
func NewRegistry(log *logging.Logger) *Registry {
	r := &Registry{
		log:      log.Named("watch"),
		roots:    make(map[string]*registration),
		subs:     make(map[string]sandbox.WatchCallback),
		dispatch: make(chan event, dispatchQueueSize),
		done:     make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *monitoring.Metrics) *Registry {
	r.metrics = m
	return r
}

// Watch registers a project's callback for a watched root. The first project
// for a root creates the OS watcher; later projects share it.
func (r *Registry) Watch(root, projectID string, cb sandbox.WatchCallback) error {
	root = filepath.Clean(root)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("watch registry is closed")
	}

	if reg, ok := r.roots[root]; ok {
		reg.projects[projectID] = cb
		r.log.Debug("Project joined existing watcher",
			zap.String("root", root),
			zap.String("project_id", projectID),
		)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher for %s: %w", root, err)
	}

	reg := &registration{
		watcher:  watcher,
		projects: map[string]sandbox.WatchCallback{projectID: cb},
		dirs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	// fsnotify is not recursive; the root and every existing subdirectory
	// are added individually, and new directories join in the read loop.
	if err := addTree(watcher, root, reg.dirs); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	r.roots[root] = reg
	go r.readLoop(root, reg)

	r.log.Info("Watcher started",
		zap.String("root", root),
		zap.String("project_id", projectID),
	)
	return nil
}

// Unwatch removes one project's interest in a root. The OS watcher is torn
// down only when no project remains interested.
func (r *Registry) Unwatch(root, projectID string) {
	root = filepath.Clean(root)

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.roots[root]
	if !ok {
		return
	}
	delete(reg.projects, projectID)
	if len(reg.projects) > 0 {
		return
	}

	close(reg.done)
	reg.watcher.Close()
	delete(r.roots, root)
	r.log.Info("Watcher stopped", zap.String("root", root))
}

// Subscribe registers a project-level callback for manually synthesized
// events. Used by backends with no host-visible filesystem.
func (r *Registry) Subscribe(projectID string, cb sandbox.WatchCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[projectID] = cb
}

// Unsubscribe removes a project-level callback.
func (r *Registry) Unsubscribe(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, projectID)
}

// Emit delivers a manually synthesized event for a project. Delivery is
// synchronous and at-least-once: unlike OS-observed events it is never
// coalesced or dropped.
func (r *Registry) Emit(eventType sandbox.EventType, absPath, projectID string) {
	r.mu.Lock()
	cb, ok := r.subs[projectID]
	if !ok {
		// Fall back to a root registration covering this project.
		for _, reg := range r.roots {
			if c, found := reg.projects[projectID]; found {
				cb, ok = c, true
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("Manual event with no registered callback",
			zap.String("project_id", projectID),
			zap.String("path", absPath),
		)
		return
	}

	cb(eventType, absPath, projectID)
	if r.metrics != nil {
		r.metrics.WatchEventsDispatched.Inc()
	}
}

// WatcherCount returns the number of live OS watchers. Used by status
// snapshots and tests.
func (r *Registry) WatcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roots)
}

// Close tears down every watcher and the dispatcher.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for root, reg := range r.roots {
		close(reg.done)
		reg.watcher.Close()
		delete(r.roots, root)
	}
	r.mu.Unlock()

	close(r.done)
}

// readLoop translates one watcher's raw notifications into typed events and
// hands them to the dispatcher. It must never block: a full dispatch queue
// drops the event with a warning.
func (r *Registry) readLoop(root string, reg *registration) {
	for {
		select {
		case <-reg.done:
			return
		case err, ok := <-reg.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("Watcher error", zap.String("root", root), zap.Error(err))
		case ev, ok := <-reg.watcher.Events:
			if !ok {
				return
			}
			typ, skip := r.translate(reg, ev)
			if skip {
				continue
			}
			r.fanOut(reg, typ, ev.Name)
		}
	}
}

// translate maps an fsnotify op to an event kind, maintaining the directory
// set so new directories are watched and removed ones are tagged correctly.
func (r *Registry) translate(reg *registration, ev fsnotify.Event) (sandbox.EventType, bool) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			reg.dirs[ev.Name] = struct{}{}
			if err := reg.watcher.Add(ev.Name); err != nil {
				r.log.Warn("Failed to watch new directory",
					zap.String("path", ev.Name),
					zap.Error(err),
				)
			}
			return sandbox.EventFolderCreated, false
		}
		return sandbox.EventCreated, false
	case ev.Op.Has(fsnotify.Write):
		return sandbox.EventModified, false
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if _, wasDir := reg.dirs[ev.Name]; wasDir {
			delete(reg.dirs, ev.Name)
			return sandbox.EventFolderDeleted, false
		}
		return sandbox.EventDeleted, false
	default:
		// Chmod and friends carry no content change.
		return "", true
	}
}

// fanOut queues the event once per interested project.
func (r *Registry) fanOut(reg *registration, typ sandbox.EventType, path string) {
	r.mu.Lock()
	targets := make([]event, 0, len(reg.projects))
	for projectID, cb := range reg.projects {
		targets = append(targets, event{typ: typ, path: path, projectID: projectID, cb: cb})
	}
	r.mu.Unlock()

	for _, ev := range targets {
		select {
		case r.dispatch <- ev:
		default:
			if r.metrics != nil {
				r.metrics.WatchEventsDropped.Inc()
			}
			r.log.Warn("Dropping watch event, dispatch queue full",
				zap.String("path", ev.path),
				zap.String("project_id", ev.projectID),
			)
		}
	}
}

// dispatchLoop invokes callbacks off the watcher goroutine.
func (r *Registry) dispatchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.dispatch:
			ev.cb(ev.typ, ev.path, ev.projectID)
			if r.metrics != nil {
				r.metrics.WatchEventsDispatched.Inc()
			}
		}
	}
}

// addTree adds a directory and all its subdirectories to the watcher.
func addTree(watcher *fsnotify.Watcher, root string, dirs map[string]struct{}) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return err
		}
		dirs[path] = struct{}{}
		return nil
	})
}
