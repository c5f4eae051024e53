// Package task manages registration and lookup of task definitions.
package task

import (
	"fmt"
	"sync"

	"github.com/ezarowny/celery/pkg/types"
)

// Registry manages task definition registration and lookup. It is shared,
// read-mostly state: workers register task types once at startup and look
// them up per invocation.
type Registry struct {
	tasks map[string]*types.Task
	mu    sync.RWMutex
}

// NewRegistry creates a new task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*types.Task),
	}
}

// Register registers a task definition under its name.
// Returns an error if the name is already taken.
func (r *Registry) Register(t *types.Task) error {
	if t == nil {
		return fmt.Errorf("cannot register nil task")
	}
	if t.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.Name]; exists {
		return fmt.Errorf("task already registered: %s", t.Name)
	}

	r.tasks[t.Name] = t
	return nil
}

// MustRegister registers a task definition and panics on error.
func (r *Registry) MustRegister(t *types.Task) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Unregister removes the task definition with the given name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
}

// Get returns the task definition with the given name, or nil.
func (r *Registry) Get(name string) *types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[name]
}

// GetOrError returns the task definition with the given name, or an error
// if it is not registered.
func (r *Registry) GetOrError(name string) (*types.Task, error) {
	t := r.Get(name)
	if t == nil {
		return nil, NewNotRegisteredError(name)
	}
	return t, nil
}

// Has reports whether a task with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tasks[name]
	return exists
}

// Names returns the names of all registered tasks.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Each calls fn for every registered task.
func (r *Registry) Each(fn func(t *types.Task)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		fn(t)
	}
}

// DefaultRegistry is the global default task registry.
var DefaultRegistry = NewRegistry()

// Register registers a task definition in the default registry.
func Register(t *types.Task) error {
	return DefaultRegistry.Register(t)
}

// MustRegister registers a task definition in the default registry and
// panics on error.
func MustRegister(t *types.Task) {
	DefaultRegistry.MustRegister(t)
}

// Get returns a task definition from the default registry, or nil.
func Get(name string) *types.Task {
	return DefaultRegistry.Get(name)
}

// GetOrError returns a task definition from the default registry, or an
// error if it is not registered.
func GetOrError(name string) (*types.Task, error) {
	return DefaultRegistry.GetOrError(name)
}
