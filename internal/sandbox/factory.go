package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
)

// WatchRegistry is the slice of the file-watch registry backends depend on.
// Watch/Unwatch cover host-visible workspaces observed by the OS watcher;
// Subscribe/Emit cover manual event synthesis for backends without one.
type WatchRegistry interface {
	Watch(root, projectID string, cb WatchCallback) error
	Unwatch(root, projectID string)
	Subscribe(projectID string, cb WatchCallback)
	Unsubscribe(projectID string)
	Emit(event EventType, absPath, projectID string)
}

// Deps carries the shared collaborators injected into every backend.
// Metrics may be nil.
type Deps struct {
	Logger  *logging.Logger
	Watches WatchRegistry
	Metrics *monitoring.Metrics
}

// Builder constructs one backend from configuration.
type Builder func(cfg *config.Config, deps Deps) (Provider, error)

// Factory selects the single process-wide provider instance from
// configuration. Backends register under a name; an unknown name is a fatal
// startup error at the call site.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewFactory creates an empty backend factory.
func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register adds a backend builder. Registering a duplicate name is a
// programming error.
func (f *Factory) Register(name string, b Builder) error {
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[name]; exists {
		return fmt.Errorf("backend already registered: %s", name)
	}
	f.builders[name] = b
	return nil
}

// Build constructs the provider named by cfg.VM.Backend.
func (f *Factory) Build(cfg *config.Config, deps Deps) (Provider, error) {
	f.mu.RLock()
	builder, ok := f.builders[cfg.VM.Backend]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownBackend, cfg.VM.Backend, f.Backends())
	}

	provider, err := builder(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build %q backend: %w", cfg.VM.Backend, err)
	}
	return provider, nil
}

// Backends returns the registered backend names, sorted.
func (f *Factory) Backends() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
