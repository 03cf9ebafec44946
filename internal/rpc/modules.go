package rpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kreteshq/huncwot/internal/errors"
)

// Factory creates a fresh service implementation.
type Factory func() (any, error)

// Modules is the registry of service implementations. Factories are
// registered by service name; instances are created lazily and cached until
// the module they were built from is evicted.
type Modules struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]any
	dirs      map[string]string // module dir -> service name
	loads     map[string]int
}

// NewModules creates an empty registry.
func NewModules() *Modules {
	return &Modules{
		factories: make(map[string]Factory),
		instances: make(map[string]any),
		dirs:      make(map[string]string),
		loads:     make(map[string]int),
	}
}

// Register sets the factory for a service, dropping any cached instance.
func (m *Modules) Register(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
	delete(m.instances, name)
}

// Bind records that the service is implemented in the module at dir
// (slash-separated, relative to the project).
func (m *Modules) Bind(dir, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dir] = name
}

// Instance returns the cached instance of a service, creating it with the
// registered factory when needed.
func (m *Modules) Instance(name string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[name]; ok {
		return inst, nil
	}
	f, ok := m.factories[name]
	if !ok {
		return nil, errors.Newf(errors.CategoryRPC, "no implementation registered for service %s", name).
			WithSuggestion(fmt.Sprintf("Call huncwot.RegisterService(%q, ...) in the service package", name))
	}
	inst, err := f()
	if err != nil {
		return nil, errors.Newf(errors.CategoryRPC, "creating service %s", name).Wrap(err)
	}
	if inst == nil {
		return nil, errors.Newf(errors.CategoryRPC, "factory for service %s returned nil", name)
	}
	m.instances[name] = inst
	m.loads[name]++
	return inst, nil
}

// Evict drops the cached instance of the service bound to dir. It reports
// whether anything was evicted.
func (m *Modules) Evict(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.dirs[dir]
	if !ok {
		return false
	}
	_, cached := m.instances[name]
	delete(m.instances, name)
	return cached
}

// EvictService drops the cached instance of a service by name.
func (m *Modules) EvictService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, name)
}

// Loads returns how many times the service has been instantiated.
func (m *Modules) Loads(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[name]
}

// Names returns the registered service names.
func (m *Modules) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
