package trace

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ezarowny/celery/internal/dispatch"
	"github.com/ezarowny/celery/internal/metrics"
	"github.com/ezarowny/celery/internal/signal"
	"github.com/ezarowny/celery/pkg/logger"
	"github.com/ezarowny/celery/pkg/types"
)

// tracer is the compiled per-task-type invocation machinery. All task
// configuration is read once at build time; per-call work is limited to the
// execute, classify, handle, notify, persist sequence.
type tracer struct {
	task       *types.Task
	bus        *signal.Bus
	dispatcher *dispatch.Dispatcher
	recorder   *metrics.RuntimeRecorder
	opts       Options

	// Build-time decisions.
	storeResult bool
	storeErrors bool
	hasSignals  bool
	onSuccess   bool
	onFailure   bool
	onRetry     bool
	afterRet    bool
}

// trace is the standard invocation path.
func (tr *tracer) trace(ctx context.Context, id string, args []any, kwargs map[string]any, req *types.Request) (out *types.Outcome, err error) {
	start := time.Now()
	if id == "" {
		id = uuid.NewString()
	}
	out = types.NewOutcome()
	out.Strict = tr.opts.Strict

	effReq := tr.effectiveRequest(ctx, id, req)
	bodyCtx := ctx
	if effReq.Eager && tr.guardEnabled() {
		bodyCtx = WithinEager(ctx)
	}

	cleanedUp := false
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && types.IsFatal(e) {
				panic(r)
			}
			ierr := fmt.Errorf("error in tracer machinery: %v", r)
			out.Fail(ierr, string(debug.Stack()))
			out.Internal = true
			ReportInternalError(tr.task, id, ierr, out.Traceback)
		}
		if !cleanedUp {
			if cerr := tr.cleanup(ctx); cerr != nil {
				err = cerr
			}
		}
		out.Runtime = time.Since(start)
		if out.IsSuccess() && tr.recorder != nil {
			tr.recorder.Record(tr.task.Name, out.Runtime)
		}
	}()

	if tr.hasSignals {
		tr.bus.Send(ctx, &signal.TaskEvent{
			Event: signal.EventTaskPrerun, TaskID: id, Task: tr.task,
			Args: args, Kwargs: kwargs,
		})
	}

	retval, bodyErr := tr.runBody(bodyCtx, effReq, args, kwargs)

	if bodyErr == nil {
		err = tr.handleSuccess(ctx, out, id, args, kwargs, effReq, retval)
	} else {
		var (
			retry  *types.Retry
			ignore *types.Ignore
			reject *types.Reject
		)
		switch {
		case errors.As(bodyErr, &retry):
			tr.handleRetry(ctx, out, id, args, kwargs, retry)
		case errors.As(bodyErr, &ignore):
			tr.handleIgnore(out, id, ignore)
		case errors.As(bodyErr, &reject):
			err = tr.handleReject(out, id, effReq, reject)
		case types.IsFatal(bodyErr):
			// Terminate-the-process errors pass through every layer
			// unmodified; cleanup still runs in the deferred block.
			out.Err = bodyErr
			return out, bodyErr
		default:
			err = tr.handleFailure(ctx, out, id, args, kwargs, bodyErr)
		}
	}

	if cerr := tr.cleanup(ctx); cerr != nil {
		cleanedUp = true
		return out, cerr
	}
	cleanedUp = true

	if tr.afterRet {
		tr.task.Hooks.AfterReturn(ctx, out.State, out.Retval, out.Err, id, args, kwargs)
	}

	if tr.hasSignals {
		tr.bus.Send(ctx, &signal.TaskEvent{
			Event: signal.EventTaskPostrun, TaskID: id, Task: tr.task,
			Args: args, Kwargs: kwargs,
			State: out.State, Retval: out.Retval, Err: out.Err,
		})
	}

	return out, err
}

// fastTrace skips signal dispatch, hook invocation, and result storage; it
// was chosen at build time because none of those are configured. The
// failure safety net, the fatal-propagation rule, follow-on dispatch, and
// backend cleanup still apply.
func (tr *tracer) fastTrace(ctx context.Context, id string, args []any, kwargs map[string]any, req *types.Request) (out *types.Outcome, err error) {
	start := time.Now()
	if id == "" {
		id = uuid.NewString()
	}
	out = types.NewOutcome()
	out.Strict = tr.opts.Strict

	effReq := tr.effectiveRequest(ctx, id, req)
	bodyCtx := ctx
	if effReq.Eager && tr.guardEnabled() {
		bodyCtx = WithinEager(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && types.IsFatal(e) {
				panic(r)
			}
			ierr := fmt.Errorf("error in tracer machinery: %v", r)
			out.Fail(ierr, string(debug.Stack()))
			out.Internal = true
			ReportInternalError(tr.task, id, ierr, out.Traceback)
		}
		if cerr := tr.cleanup(ctx); cerr != nil {
			err = cerr
		}
		out.Runtime = time.Since(start)
	}()

	retval, bodyErr := tr.runBody(bodyCtx, effReq, args, kwargs)

	if bodyErr == nil {
		out.State = types.StateSuccess
		out.Retval = retval
		if effReq.Chord != "" || len(effReq.Callbacks) > 0 || len(effReq.Chain) > 0 {
			if derr := tr.dispatcher.OnSuccess(ctx, tr.task.Backend, effReq, id, retval); derr != nil {
				err = tr.convertDispatchError(ctx, out, id, args, kwargs, derr)
			}
		}
		return out, err
	}

	var (
		retry  *types.Retry
		ignore *types.Ignore
		reject *types.Reject
	)
	switch {
	case errors.As(bodyErr, &retry):
		out.State = types.StateRetry
		out.Err = retry
		logger.Info("task %s[%s] retry: %v", tr.task.Name, id, retry)
	case errors.As(bodyErr, &ignore):
		tr.handleIgnore(out, id, ignore)
	case errors.As(bodyErr, &reject):
		err = tr.handleReject(out, id, effReq, reject)
	case types.IsFatal(bodyErr):
		out.Err = bodyErr
		return out, bodyErr
	default:
		err = tr.handleFailure(ctx, out, id, args, kwargs, bodyErr)
	}
	return out, err
}

// runBody executes the task body, recovering non-fatal panics into a
// PanicError so a single bad task cannot take down the worker.
func (tr *tracer) runBody(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (retval any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && types.IsFatal(e) {
				panic(r)
			}
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return tr.task.Body(ctx, req, args, kwargs)
}

func (tr *tracer) handleSuccess(ctx context.Context, out *types.Outcome, id string, args []any, kwargs map[string]any, req *types.Request, retval any) error {
	if derr := tr.dispatcher.OnSuccess(ctx, tr.task.Backend, req, id, retval); derr != nil {
		return tr.convertDispatchError(ctx, out, id, args, kwargs, derr)
	}

	out.State = types.StateSuccess
	out.Retval = retval

	if tr.storeResult {
		if serr := tr.task.Backend.StoreResult(ctx, id, retval, types.StateSuccess); serr != nil {
			if types.IsFatal(serr) {
				return serr
			}
			out.Internal = true
			out.Fail(serr, tracebackFor(serr))
			ReportInternalError(tr.task, id, serr, out.Traceback)
			return nil
		}
	}

	if tr.onSuccess {
		tr.task.Hooks.OnSuccess(ctx, retval, id, args, kwargs)
	}
	if tr.hasSignals {
		tr.bus.Send(ctx, &signal.TaskEvent{
			Event: signal.EventTaskSuccess, TaskID: id, Task: tr.task,
			Args: args, Kwargs: kwargs,
			State: types.StateSuccess, Retval: retval,
		})
	}
	logger.Info("task %s[%s] succeeded: %v", tr.task.Name, id, retval)
	return nil
}

// convertDispatchError applies the follow-on failure contract: a
// serialization-class error means this invocation failed to hand off its
// result and becomes a local FAILURE; anything else is a machinery error.
func (tr *tracer) convertDispatchError(ctx context.Context, out *types.Outcome, id string, args []any, kwargs map[string]any, derr error) error {
	if types.IsFatal(derr) {
		out.Err = derr
		return derr
	}
	if types.IsEncodeError(derr) {
		return tr.handleFailure(ctx, out, id, args, kwargs, derr)
	}
	out.Internal = true
	out.Fail(derr, tracebackFor(derr))
	ReportInternalError(tr.task, id, derr, out.Traceback)
	return nil
}

// handleFailure persists the failure, runs the failure hook and signal, and
// logs at the selected policy. The error is re-raised to the caller only
// under the propagate option, after the persisted-state side effect.
func (tr *tracer) handleFailure(ctx context.Context, out *types.Outcome, id string, args []any, kwargs map[string]any, ferr error) error {
	tb := tracebackFor(ferr)
	out.Fail(ferr, tb)

	if tr.storeErrors {
		if serr := tr.task.Backend.StoreResult(ctx, id, ferr, types.StateFailure); serr != nil {
			if types.IsFatal(serr) {
				return serr
			}
			ReportInternalError(tr.task, id, serr, tracebackFor(serr))
		}
	}

	if tr.onFailure {
		tr.task.Hooks.OnFailure(ctx, ferr, id, args, kwargs, tb)
	}
	if tr.hasSignals {
		tr.bus.Send(ctx, &signal.TaskEvent{
			Event: signal.EventTaskFailure, TaskID: id, Task: tr.task,
			Args: args, Kwargs: kwargs,
			State: types.StateFailure, Err: ferr,
		})
	}

	policy := GetLogPolicy(tr.task, out, ferr)
	logError(policy, tr.task.Name, id, ferr, tb)

	if tr.opts.Propagate {
		return ferr
	}
	return nil
}

// handleRetry records the retry request. RETRY is not a terminal result:
// nothing is persisted as final, and no follow-on continuations fire.
func (tr *tracer) handleRetry(ctx context.Context, out *types.Outcome, id string, args []any, kwargs map[string]any, retry *types.Retry) {
	out.State = types.StateRetry
	out.Err = retry

	if tr.task.Backend != nil {
		// Best effort; the caller re-schedules regardless.
		if serr := tr.task.Backend.StoreResult(ctx, id, retry.Error(), types.StateRetry); serr != nil && !types.IsFatal(serr) {
			logger.Debug("storing RETRY state for task %s[%s] failed: %v", tr.task.Name, id, serr)
		}
	}

	if tr.onRetry {
		tr.task.Hooks.OnRetry(ctx, retry, id, args, kwargs)
	}
	if tr.hasSignals {
		tr.bus.Send(ctx, &signal.TaskEvent{
			Event: signal.EventTaskRetry, TaskID: id, Task: tr.task,
			Args: args, Kwargs: kwargs,
			State: types.StateRetry, Err: retry,
		})
	}
	logger.Info("task %s[%s] retry: %v", tr.task.Name, id, retry)
}

// handleIgnore discards the result without persisting anything.
func (tr *tracer) handleIgnore(out *types.Outcome, id string, ignore *types.Ignore) {
	out.State = types.StateIgnored
	out.Err = ignore
	logError(PolicyIgnore, tr.task.Name, id, ignore, "")
}

// handleReject records the rejection without persisting anything. The
// signal is re-raised to an immediate eager caller so an outer scheduling
// layer can decide whether to requeue.
func (tr *tracer) handleReject(out *types.Outcome, id string, req *types.Request, reject *types.Reject) error {
	out.State = types.StateRejected
	out.Err = reject
	logError(PolicyReject, tr.task.Name, id, reject, "")

	if req.Eager || tr.opts.Propagate {
		return reject
	}
	return nil
}

// cleanup invokes the backend's process cleanup hook. Recoverable failures
// are logged and swallowed; fatal ones propagate.
func (tr *tracer) cleanup(ctx context.Context) error {
	if tr.task.Backend == nil {
		return nil
	}
	if cerr := tr.task.Backend.ProcessCleanup(ctx); cerr != nil {
		if types.IsFatal(cerr) {
			return cerr
		}
		logger.Error("process cleanup after task %s failed: %v", tr.task.Name, cerr)
	}
	return nil
}

// effectiveRequest derives the read-only request seen by the task body. The
// caller's request is never mutated; the copy carries the resolved
// CalledDirectly flag from the eager-call stack guard.
func (tr *tracer) effectiveRequest(ctx context.Context, id string, req *types.Request) *types.Request {
	eff := &types.Request{ID: id}
	if req != nil {
		cp := *req
		eff = &cp
		if eff.ID == "" {
			eff.ID = id
		}
	}
	eff.Eager = eff.Eager || tr.opts.Eager
	eff.CalledDirectly = eff.Eager || (tr.guardEnabled() && InsideEager(ctx))
	return eff
}

func (tr *tracer) guardEnabled() bool {
	return tr.opts.Optimizations != nil && tr.opts.Optimizations.Enabled()
}
