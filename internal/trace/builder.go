package trace

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/ezarowny/celery/internal/dispatch"
	"github.com/ezarowny/celery/internal/metrics"
	"github.com/ezarowny/celery/internal/signal"
	"github.com/ezarowny/celery/internal/task"
	"github.com/ezarowny/celery/pkg/types"
)

// Options configure a tracer build.
type Options struct {
	// Eager marks invocations as running synchronously in-process,
	// bypassing the transport.
	Eager bool
	// Propagate re-raises failures to the immediate caller instead of
	// only recording them; used for inline execution and tests. The
	// FAILURE state is still persisted first.
	Propagate bool
	// Strict reports return values to the external result backend exactly
	// rather than only internally.
	Strict bool
	// Bus is the signal bus to notify; nil selects signal.DefaultBus.
	Bus *signal.Bus
	// Recorder receives invocation runtimes; nil selects
	// metrics.DefaultRecorder.
	Recorder *metrics.RuntimeRecorder
	// Optimizations is the worker optimization registry governing the
	// eager-call stack guard; nil selects DefaultOptimizations.
	Optimizations *Optimizations
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Bus == nil {
		opts.Bus = signal.DefaultBus
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.DefaultRecorder
	}
	if opts.Optimizations == nil {
		opts.Optimizations = DefaultOptimizations
	}
	return opts
}

// Build compiles a reusable invocation closure for the task. The task's
// configuration is read once here, not per call; a missing or invalid task
// definition is reported now rather than at first call.
//
// When the task has no hooks, ignores results, and the bus has no
// subscribers, a reduced fast-path variant is returned that skips
// everything except the body call, the failure safety net, follow-on
// dispatch, and backend cleanup.
func Build(t *types.Task, opts Options) (types.TraceFunc, error) {
	if t == nil {
		return nil, NewBuildError("", "nil task definition")
	}
	if t.Name == "" {
		return nil, NewBuildError("", "task has no name")
	}
	if t.Body == nil {
		return nil, NewBuildError(t.Name, "task has no body")
	}

	o := opts.withDefaults()
	tr := &tracer{
		task:       t,
		bus:        o.Bus,
		dispatcher: dispatch.NewDispatcher(),
		recorder:   o.Recorder,
		opts:       o,

		storeResult: t.Backend != nil && !t.IgnoreResult,
		storeErrors: t.Backend != nil && (!t.IgnoreResult || t.StoreErrorsEvenIfIgnored),
		hasSignals:  !o.Bus.Empty(),
		onSuccess:   t.Hooks.OnSuccess != nil,
		onFailure:   t.Hooks.OnFailure != nil,
		onRetry:     t.Hooks.OnRetry != nil,
		afterRet:    t.Hooks.AfterReturn != nil,
	}

	if t.Hooks.Empty() && o.Bus.Empty() && t.IgnoreResult {
		return tr.fastTrace, nil
	}
	return tr.trace, nil
}

// TraceTask executes one invocation through the task's cached tracer,
// building and caching one on demand. Errors in the machinery around the
// built tracer are reported through the internal error channel instead of
// escaping; fatal errors still propagate.
func TraceTask(ctx context.Context, t *types.Task, id string, args []any, kwargs map[string]any, req *types.Request, opts Options) (out *types.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && types.IsFatal(e) {
				panic(r)
			}
			ierr := fmt.Errorf("error tracing task: %v", r)
			tb := string(debug.Stack())
			ReportInternalError(t, id, ierr, tb)
			out = types.NewOutcome()
			out.Fail(ierr, tb)
			out.Internal = true
			err = nil
		}
	}()

	fn := t.Tracer()
	if fn == nil {
		fn, err = Build(t, opts)
		if err != nil {
			ReportInternalError(t, id, err, "")
			o := types.NewOutcome()
			o.Fail(err, "")
			o.Internal = true
			return o, nil
		}
		t.SetTracer(fn)
	}
	return fn(ctx, id, args, kwargs, req)
}

// TraceTaskByName resolves the task in the registry and traces one
// invocation through it. An unregistered name is a build-time error.
func TraceTaskByName(ctx context.Context, reg *task.Registry, name, id string, args []any, kwargs map[string]any, req *types.Request, opts Options) (*types.Outcome, error) {
	t, err := reg.GetOrError(name)
	if err != nil {
		return nil, err
	}
	return TraceTask(ctx, t, id, args, kwargs, req, opts)
}
