package trace

import (
	"context"
	"sync"

	"github.com/ezarowny/celery/internal/task"
	"github.com/ezarowny/celery/pkg/types"
)

type eagerKey struct{}

// WithinEager marks the context as being inside an eager invocation. The
// marker is scoped to the call chain: independent top-level invocations
// never observe each other's eager state.
func WithinEager(ctx context.Context) context.Context {
	return context.WithValue(ctx, eagerKey{}, true)
}

// InsideEager reports whether the current call chain is already inside an
// eager invocation.
func InsideEager(ctx context.Context) bool {
	v, _ := ctx.Value(eagerKey{}).(bool)
	return v
}

// Optimizations is the explicit registry of worker-wide optimized dispatch
// state: the fast-path tracer cache and the eager-call stack guard. All
// mutation goes through Setup and Reset; there is no hidden module state.
type Optimizations struct {
	mu        sync.RWMutex
	enabled   bool
	installed []string
}

// NewOptimizations creates a disabled Optimizations registry.
func NewOptimizations() *Optimizations {
	return &Optimizations{}
}

// Enabled reports whether the eager-call stack guard is active.
func (o *Optimizations) Enabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

// SetStackProtection toggles the eager-call stack guard on its own, leaving
// installed tracers untouched.
func (o *Optimizations) SetStackProtection(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = on
}

// Setup compiles and caches a tracer for every task in the registry and
// enables the eager-call stack guard. Already-running invocations are not
// affected beyond instrumentation.
func (o *Optimizations) Setup(reg *task.Registry, opts Options) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	opts.Optimizations = o

	var installed []string
	var buildErr error
	reg.Each(func(t *types.Task) {
		if buildErr != nil {
			return
		}
		fn, err := Build(t, opts)
		if err != nil {
			buildErr = err
			return
		}
		t.SetTracer(fn)
		installed = append(installed, t.Name)
	})
	if buildErr != nil {
		return buildErr
	}

	o.installed = installed
	o.enabled = true
	return nil
}

// Reset drops the cached tracers installed by Setup and disables the stack
// guard, restoring default dispatch.
func (o *Optimizations) Reset(reg *task.Registry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, name := range o.installed {
		if t := reg.Get(name); t != nil {
			t.SetTracer(nil)
		}
	}
	o.installed = nil
	o.enabled = false
}

// DefaultOptimizations is the process-wide optimization registry.
var DefaultOptimizations = NewOptimizations()

// SetupWorkerOptimizations enables the optimized dispatch path on the
// default registry.
func SetupWorkerOptimizations(reg *task.Registry, opts Options) error {
	return DefaultOptimizations.Setup(reg, opts)
}

// ResetWorkerOptimizations restores default dispatch on the default
// registry.
func ResetWorkerOptimizations(reg *task.Registry) {
	DefaultOptimizations.Reset(reg)
}
