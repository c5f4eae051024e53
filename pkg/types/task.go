package types

import (
	"context"
	"errors"
	"sync"
)

// Body is the callable a task definition wraps. It receives the effective
// request for the invocation so it can introspect lineage and the
// CalledDirectly flag.
type Body func(ctx context.Context, req *Request, args []any, kwargs map[string]any) (any, error)

// Hooks holds the optional lifecycle hooks of a task. Every slot is present
// but may be nil; whether a hook fires is decided once at tracer-build time.
type Hooks struct {
	// OnSuccess runs after a successful invocation, before continuations.
	OnSuccess func(ctx context.Context, retval any, id string, args []any, kwargs map[string]any)
	// OnFailure runs after a failed invocation.
	OnFailure func(ctx context.Context, err error, id string, args []any, kwargs map[string]any, traceback string)
	// OnRetry runs when the invocation requests a retry.
	OnRetry func(ctx context.Context, retry *Retry, id string, args []any, kwargs map[string]any)
	// AfterReturn runs unconditionally after outcome handling and cleanup,
	// receiving the final state and retval.
	AfterReturn func(ctx context.Context, state State, retval any, err error, id string, args []any, kwargs map[string]any)
}

// Empty reports whether no hook slot is set.
func (h *Hooks) Empty() bool {
	if h == nil {
		return true
	}
	return h.OnSuccess == nil && h.OnFailure == nil && h.OnRetry == nil && h.AfterReturn == nil
}

// Task is a task definition: shared, read-mostly across all concurrent
// invocations of the same task type. The tracer never mutates it except for
// the build-time compiled-tracer cache.
type Task struct {
	// Name is the registered name of the task.
	Name string
	// Body is the callable executed per invocation.
	Body Body
	// Throws is the allow-list of expected errors; failures matching one
	// of these are logged at the expected policy.
	Throws []error
	// IgnoreResult disables result persistence for this task.
	IgnoreResult bool
	// StoreErrorsEvenIfIgnored persists failures even when IgnoreResult
	// is set.
	StoreErrorsEvenIfIgnored bool
	// Hooks are the optional lifecycle hooks.
	Hooks Hooks
	// Backend is the result backend collaborator.
	Backend Backend

	mu     sync.RWMutex
	tracer TraceFunc
}

// Expected reports whether err matches the task's expected-error allow-list.
func (t *Task) Expected(err error) bool {
	for _, throw := range t.Throws {
		if errors.Is(err, throw) {
			return true
		}
	}
	return false
}

// SetTracer caches the compiled tracer for this task type.
func (t *Task) SetTracer(fn TraceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracer = fn
}

// Tracer returns the cached compiled tracer, or nil if none was built.
func (t *Task) Tracer() TraceFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tracer
}
