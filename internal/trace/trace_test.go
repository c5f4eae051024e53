package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezarowny/celery/internal/metrics"
	"github.com/ezarowny/celery/internal/signal"
	"github.com/ezarowny/celery/internal/task"
	"github.com/ezarowny/celery/pkg/types"
)

type storedResult struct {
	TaskID string
	Value  any
	State  types.State
}

type chordCall struct {
	ChordID     string
	TaskID      string
	Value       any
	Req         *types.Request
	StoreResult bool
}

// mockBackend is a mock result backend for testing.
type mockBackend struct {
	mu           sync.Mutex
	stored       []storedResult
	chordCalls   []chordCall
	cleanupCalls int
	storeErr     error
	chordErr     error
	cleanupErr   error
}

func newMockBackend() *mockBackend {
	return &mockBackend{}
}

func (b *mockBackend) StoreResult(ctx context.Context, taskID string, value any, state types.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storeErr != nil {
		return b.storeErr
	}
	b.stored = append(b.stored, storedResult{TaskID: taskID, Value: value, State: state})
	return nil
}

func (b *mockBackend) MarkChordPartDone(ctx context.Context, chordID, taskID string, value any, req *types.Request, storeResult bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chordErr != nil {
		return b.chordErr
	}
	b.chordCalls = append(b.chordCalls, chordCall{
		ChordID: chordID, TaskID: taskID, Value: value, Req: req, StoreResult: storeResult,
	})
	return nil
}

func (b *mockBackend) ProcessCleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupCalls++
	return b.cleanupErr
}

func (b *mockBackend) storedResults() []storedResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]storedResult(nil), b.stored...)
}

func (b *mockBackend) cleanups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanupCalls
}

// mockTransport records continuation dispatches.
type mockTransport struct {
	mu         sync.Mutex
	sendErr    error
	taskCalls  []sentTask
	groupCalls []sentGroup
}

type sentTask struct {
	Name string
	Args []any
	Opts types.CallOptions
}

type sentGroup struct {
	Names []string
	Args  []any
	Opts  types.CallOptions
}

func (tp *mockTransport) SendTask(ctx context.Context, name string, args []any, opts types.CallOptions) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.sendErr != nil {
		return tp.sendErr
	}
	tp.taskCalls = append(tp.taskCalls, sentTask{Name: name, Args: args, Opts: opts})
	return nil
}

func (tp *mockTransport) SendGroup(ctx context.Context, names []string, args []any, opts types.CallOptions) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.sendErr != nil {
		return tp.sendErr
	}
	tp.groupCalls = append(tp.groupCalls, sentGroup{Names: names, Args: args, Opts: opts})
	return nil
}

func addTask(backend types.Backend) *types.Task {
	return &types.Task{
		Name: "tasks.add",
		Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		},
		Backend: backend,
	}
}

func raisesTask(backend types.Backend) *types.Task {
	return &types.Task{
		Name: "tasks.raises",
		Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			return nil, args[0].(error)
		},
		Backend: backend,
	}
}

func traceIt(t *testing.T, tk *types.Task, args []any, req *types.Request, opts Options) (*types.Outcome, error) {
	t.Helper()
	if opts.Bus == nil {
		opts.Bus = signal.NewBus()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NewRuntimeRecorder()
	}
	if opts.Optimizations == nil {
		opts.Optimizations = NewOptimizations()
	}
	fn, err := Build(tk, opts)
	require.NoError(t, err)
	return fn(context.Background(), "id-1", args, nil, req)
}

func TestTraceSuccessful(t *testing.T) {
	backend := newMockBackend()
	out, err := traceIt(t, addTask(backend), []any{2, 2}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, out.State)
	assert.Equal(t, 4, out.Retval)
	assert.Nil(t, out.Err)

	stored := backend.storedResults()
	require.Len(t, stored, 1)
	assert.Equal(t, "id-1", stored[0].TaskID)
	assert.Equal(t, 4, stored[0].Value)
	assert.Equal(t, types.StateSuccess, stored[0].State)
	assert.Equal(t, 1, backend.cleanups())
}

func TestTraceOnSuccessHook(t *testing.T) {
	called := false
	tk := addTask(newMockBackend())
	tk.Hooks.OnSuccess = func(ctx context.Context, retval any, id string, args []any, kwargs map[string]any) {
		called = true
		assert.Equal(t, 4, retval)
	}
	out, err := traceIt(t, tk, []any{2, 2}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, out.State)
	assert.True(t, called)
}

func TestTraceAfterReturnHook(t *testing.T) {
	var gotState types.State
	called := false
	tk := addTask(newMockBackend())
	tk.Hooks.AfterReturn = func(ctx context.Context, state types.State, retval any, err error, id string, args []any, kwargs map[string]any) {
		called = true
		gotState = state
	}
	_, err := traceIt(t, tk, []any{2, 2}, nil, Options{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, types.StateSuccess, gotState)
}

func TestTraceSignals(t *testing.T) {
	t.Run("prerun receivers", func(t *testing.T) {
		bus := signal.NewBus()
		called := false
		bus.Connect(signal.EventTaskPrerun, func(ctx context.Context, e *signal.TaskEvent) {
			called = true
		})
		_, err := traceIt(t, addTask(newMockBackend()), []any{2, 2}, nil, Options{Bus: bus})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("postrun receivers", func(t *testing.T) {
		bus := signal.NewBus()
		var got *signal.TaskEvent
		bus.Connect(signal.EventTaskPostrun, func(ctx context.Context, e *signal.TaskEvent) {
			got = e
		})
		_, err := traceIt(t, addTask(newMockBackend()), []any{2, 2}, nil, Options{Bus: bus})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, types.StateSuccess, got.State)
		assert.Equal(t, 4, got.Retval)
	})

	t.Run("success receivers", func(t *testing.T) {
		bus := signal.NewBus()
		called := false
		bus.Connect(signal.EventTaskSuccess, func(ctx context.Context, e *signal.TaskEvent) {
			called = true
		})
		_, err := traceIt(t, addTask(newMockBackend()), []any{2, 2}, nil, Options{Bus: bus})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("panicking subscriber does not fail the invocation", func(t *testing.T) {
		bus := signal.NewBus()
		bus.Connect(signal.EventTaskPrerun, func(ctx context.Context, e *signal.TaskEvent) {
			panic("subscriber bug")
		})
		out, err := traceIt(t, addTask(newMockBackend()), []any{2, 2}, nil, Options{Bus: bus})
		require.NoError(t, err)
		assert.Equal(t, types.StateSuccess, out.State)
	})
}

func TestTraceChordPart(t *testing.T) {
	backend := newMockBackend()
	chordID := uuid.NewString()
	req := &types.Request{Chord: chordID}

	out, err := traceIt(t, addTask(backend), []any{2, 2}, req, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, out.State)

	require.Len(t, backend.chordCalls, 1)
	call := backend.chordCalls[0]
	assert.Equal(t, chordID, call.ChordID)
	assert.Equal(t, "id-1", call.TaskID)
	assert.Equal(t, 4, call.Value)
	assert.Equal(t, chordID, call.Req.Chord)
	assert.False(t, call.StoreResult)
}

func TestBackendCleanup(t *testing.T) {
	t.Run("invoked exactly once per invocation", func(t *testing.T) {
		backend := newMockBackend()
		_, err := traceIt(t, addTask(backend), []any{2, 2}, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, backend.cleanups())
	})

	t.Run("recoverable error is swallowed", func(t *testing.T) {
		backend := newMockBackend()
		backend.cleanupErr = errors.New("connection reset")
		out, err := traceIt(t, addTask(backend), []any{2, 2}, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.StateSuccess, out.State)
	})

	t.Run("fatal error propagates", func(t *testing.T) {
		backend := newMockBackend()
		backend.cleanupErr = types.NewFatalError("out of memory", nil)
		_, err := traceIt(t, addTask(backend), []any{2, 2}, nil, Options{})
		require.Error(t, err)
		assert.True(t, types.IsFatal(err))
	})
}

func TestTraceIgnore(t *testing.T) {
	backend := newMockBackend()
	tk := &types.Task{
		Name: "tasks.ignored",
		Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			return nil, types.NewIgnore("")
		},
		Backend: backend,
	}
	out, err := traceIt(t, tk, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateIgnored, out.State)
	assert.Empty(t, backend.storedResults())
	assert.Equal(t, 1, backend.cleanups())
}

func TestTraceReject(t *testing.T) {
	newRejecting := func(backend types.Backend) *types.Task {
		return &types.Task{
			Name: "tasks.rejecting",
			Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
				return nil, types.NewReject("bad message", true)
			},
			Backend: backend,
		}
	}

	t.Run("records REJECTED without persisting", func(t *testing.T) {
		backend := newMockBackend()
		out, err := traceIt(t, newRejecting(backend), nil, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.StateRejected, out.State)
		assert.Empty(t, backend.storedResults())
	})

	t.Run("re-raises to an eager caller", func(t *testing.T) {
		out, err := traceIt(t, newRejecting(newMockBackend()), nil, nil, Options{Eager: true})
		require.Error(t, err)
		var reject *types.Reject
		require.ErrorAs(t, err, &reject)
		assert.True(t, reject.Requeue)
		assert.Equal(t, types.StateRejected, out.State)
	})

	t.Run("re-raises when the request itself is eager", func(t *testing.T) {
		req := &types.Request{Eager: true}
		out, err := traceIt(t, newRejecting(newMockBackend()), nil, req, Options{})
		require.Error(t, err)
		var reject *types.Reject
		require.ErrorAs(t, err, &reject)
		assert.Equal(t, types.StateRejected, out.State)
	})
}

func TestTraceRetry(t *testing.T) {
	retry := types.NewRetry("temporary outage", errors.New("dial tcp: refused"))
	transport := &mockTransport{}
	backend := newMockBackend()
	req := &types.Request{
		Callbacks: []types.Continuation{&types.Single{Name: "tasks.callback", Transport: transport}},
		Chord:     uuid.NewString(),
	}

	out, err := traceIt(t, raisesTask(backend), []any{error(retry)}, req, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateRetry, out.State)
	assert.Same(t, retry, out.Err)

	// RETRY is non-terminal: no continuation fires and no chord part is marked.
	assert.Empty(t, transport.taskCalls)
	assert.Empty(t, transport.groupCalls)
	assert.Empty(t, backend.chordCalls)
}

func TestTraceFailure(t *testing.T) {
	keyErr := fmt.Errorf("key not found: %q", "x")

	t.Run("captures the error as FAILURE", func(t *testing.T) {
		backend := newMockBackend()
		out, err := traceIt(t, raisesTask(backend), []any{keyErr}, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.StateFailure, out.State)
		assert.Same(t, keyErr, out.Err)

		stored := backend.storedResults()
		require.Len(t, stored, 1)
		assert.Equal(t, types.StateFailure, stored[0].State)
	})

	t.Run("propagate re-raises after persisting", func(t *testing.T) {
		backend := newMockBackend()
		out, err := traceIt(t, raisesTask(backend), []any{keyErr}, nil, Options{Propagate: true})
		require.Error(t, err)
		assert.Same(t, keyErr, err)
		assert.Equal(t, types.StateFailure, out.State)
		require.Len(t, backend.storedResults(), 1)
	})

	t.Run("failure hook and signal fire", func(t *testing.T) {
		bus := signal.NewBus()
		signalled := false
		bus.Connect(signal.EventTaskFailure, func(ctx context.Context, e *signal.TaskEvent) {
			signalled = true
		})
		hooked := false
		tk := raisesTask(newMockBackend())
		tk.Hooks.OnFailure = func(ctx context.Context, err error, id string, args []any, kwargs map[string]any, traceback string) {
			hooked = true
		}
		_, err := traceIt(t, tk, []any{keyErr}, nil, Options{Bus: bus})
		require.NoError(t, err)
		assert.True(t, hooked)
		assert.True(t, signalled)
	})

	t.Run("ignore_result skips persistence", func(t *testing.T) {
		backend := newMockBackend()
		tk := raisesTask(backend)
		tk.IgnoreResult = true
		_, err := traceIt(t, tk, []any{keyErr}, nil, Options{})
		require.NoError(t, err)
		assert.Empty(t, backend.storedResults())
	})

	t.Run("store_errors_even_if_ignored persists anyway", func(t *testing.T) {
		backend := newMockBackend()
		tk := raisesTask(backend)
		tk.IgnoreResult = true
		tk.StoreErrorsEvenIfIgnored = true
		_, err := traceIt(t, tk, []any{keyErr}, nil, Options{})
		require.NoError(t, err)
		require.Len(t, backend.storedResults(), 1)
		assert.Equal(t, types.StateFailure, backend.storedResults()[0].State)
	})
}

func TestTraceStoreResultFailure(t *testing.T) {
	backend := newMockBackend()
	backend.storeErr = errors.New("result backend unavailable")

	out, err := traceIt(t, addTask(backend), []any{2, 2}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailure, out.State)
	assert.True(t, out.Internal)
	// The overridden success does not leak its return value.
	assert.Nil(t, out.Retval)
	assert.Same(t, backend.storeErr, out.Err)
}

func TestTraceGeneratesInvocationID(t *testing.T) {
	backend := newMockBackend()
	tk := addTask(backend)
	fn, err := Build(tk, Options{Bus: signal.NewBus(), Optimizations: NewOptimizations(), Recorder: metrics.NewRuntimeRecorder()})
	require.NoError(t, err)

	out, err := fn(context.Background(), "", []any{2, 2}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, out.State)

	stored := backend.storedResults()
	require.Len(t, stored, 1)
	_, parseErr := uuid.Parse(stored[0].TaskID)
	assert.NoError(t, parseErr)
}

func TestTraceBodyPanic(t *testing.T) {
	backend := newMockBackend()
	tk := &types.Task{
		Name: "tasks.panicky",
		Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			panic("boom")
		},
		Backend: backend,
	}
	out, err := traceIt(t, tk, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailure, out.State)

	var perr *PanicError
	require.ErrorAs(t, out.Err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, 1, backend.cleanups())
}

func TestTraceFatal(t *testing.T) {
	fatal := types.NewFatalError("shutdown requested", nil)
	backend := newMockBackend()

	t.Run("returned fatal error propagates unchanged", func(t *testing.T) {
		_, err := traceIt(t, raisesTask(backend), []any{error(fatal)}, nil, Options{})
		require.Error(t, err)
		assert.Same(t, error(fatal), err)
		// Cleanup still runs on the way out.
		assert.Equal(t, 1, backend.cleanups())
	})

	t.Run("fatal panic is not recovered", func(t *testing.T) {
		tk := &types.Task{
			Name: "tasks.fatalpanic",
			Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
				panic(error(types.NewFatalError("torn down", nil)))
			},
		}
		fn, err := Build(tk, Options{Bus: signal.NewBus(), Optimizations: NewOptimizations(), Recorder: metrics.NewRuntimeRecorder()})
		require.NoError(t, err)
		assert.Panics(t, func() {
			_, _ = fn(context.Background(), "id-1", nil, nil, nil)
		})
	})
}

func TestTraceEncodeError(t *testing.T) {
	transport := &mockTransport{sendErr: types.NewEncodeError("unserializable payload", nil)}
	req := &types.Request{
		Callbacks: []types.Continuation{&types.Single{Name: "tasks.callback", Transport: transport}},
		RootID:    "root",
	}
	backend := newMockBackend()

	out, err := traceIt(t, addTask(backend), []any{2, 2}, req, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailure, out.State)
	assert.True(t, types.IsEncodeError(out.Err))

	stored := backend.storedResults()
	require.Len(t, stored, 1)
	assert.Equal(t, types.StateFailure, stored[0].State)
}

func TestFastPath(t *testing.T) {
	t.Run("success skips storage but keeps cleanup", func(t *testing.T) {
		backend := newMockBackend()
		tk := addTask(backend)
		tk.IgnoreResult = true
		out, err := traceIt(t, tk, []any{2, 2}, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.StateSuccess, out.State)
		assert.Equal(t, 4, out.Retval)
		assert.Empty(t, backend.storedResults())
		assert.Equal(t, 1, backend.cleanups())
	})

	t.Run("still notifies the chord barrier", func(t *testing.T) {
		backend := newMockBackend()
		tk := addTask(backend)
		tk.IgnoreResult = true
		req := &types.Request{Chord: uuid.NewString()}
		_, err := traceIt(t, tk, []any{2, 2}, req, Options{})
		require.NoError(t, err)
		require.Len(t, backend.chordCalls, 1)
	})

	t.Run("failure safety net still applies", func(t *testing.T) {
		tk := &types.Task{
			Name:         "tasks.fastpanic",
			IgnoreResult: true,
			Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
				panic("boom")
			},
		}
		out, err := traceIt(t, tk, nil, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, types.StateFailure, out.State)
	})
}

func TestTraceOutsideBodyError(t *testing.T) {
	var reported error
	prev := SetInternalErrorReporter(func(tk *types.Task, id string, err error, traceback string) {
		reported = err
	})
	defer SetInternalErrorReporter(prev)

	tk := addTask(newMockBackend())
	tk.SetTracer(func(ctx context.Context, id string, args []any, kwargs map[string]any, req *types.Request) (*types.Outcome, error) {
		panic("machinery bug")
	})

	out, err := TraceTask(context.Background(), tk, "id-1", []any{2, 2}, nil, nil, Options{
		Bus: signal.NewBus(), Optimizations: NewOptimizations(), Recorder: metrics.NewRuntimeRecorder(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateFailure, out.State)
	assert.True(t, out.Internal)
	require.Error(t, reported)
}

func TestBuildErrors(t *testing.T) {
	t.Run("nil task", func(t *testing.T) {
		_, err := Build(nil, Options{})
		require.Error(t, err)
		var berr *BuildError
		assert.ErrorAs(t, err, &berr)
	})

	t.Run("unnamed task", func(t *testing.T) {
		_, err := Build(&types.Task{Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}}, Options{})
		require.Error(t, err)
	})

	t.Run("task without body", func(t *testing.T) {
		_, err := Build(&types.Task{Name: "tasks.empty"}, Options{})
		require.Error(t, err)
	})
}

func TestTraceTaskCachesTracer(t *testing.T) {
	tk := addTask(newMockBackend())
	require.Nil(t, tk.Tracer())

	opts := Options{Bus: signal.NewBus(), Optimizations: NewOptimizations(), Recorder: metrics.NewRuntimeRecorder()}
	out, err := TraceTask(context.Background(), tk, "id-1", []any{2, 2}, nil, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Retval)
	assert.NotNil(t, tk.Tracer())
}

func TestStackProtection(t *testing.T) {
	reg := task.NewRegistry()
	opt := NewOptimizations()
	opts := Options{Bus: signal.NewBus(), Optimizations: opt, Recorder: metrics.NewRuntimeRecorder()}

	reg.MustRegister(&types.Task{
		Name: "tasks.foo",
		Body: func(ctx context.Context, req *types.Request, args []any, kwargs map[string]any) (any, error) {
			if args[0].(int) > 0 {
				// Re-invoke ourselves in-process; the guard must tell the
				// nested call it was made directly.
				return TraceTaskByName(ctx, reg, "tasks.foo", uuid.NewString(), []any{0}, nil, nil, opts)
			}
			return req.CalledDirectly, nil
		},
	})

	require.NoError(t, opt.Setup(reg, opts))
	defer opt.Reset(reg)

	out, err := TraceTaskByName(context.Background(), reg, "tasks.foo", "id-1", []any{1}, nil, &types.Request{Eager: true}, opts)
	require.NoError(t, err)
	inner, ok := out.Retval.(*types.Outcome)
	require.True(t, ok)
	assert.Equal(t, true, inner.Retval)
}

func TestWorkerOptimizationsReset(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustRegister(addTask(newMockBackend()))

	opt := NewOptimizations()
	opts := Options{Bus: signal.NewBus(), Optimizations: opt, Recorder: metrics.NewRuntimeRecorder()}
	require.NoError(t, opt.Setup(reg, opts))
	assert.True(t, opt.Enabled())
	assert.NotNil(t, reg.Get("tasks.add").Tracer())

	opt.Reset(reg)
	assert.False(t, opt.Enabled())
	assert.Nil(t, reg.Get("tasks.add").Tracer())
}

func TestSetStackProtection(t *testing.T) {
	reg := task.NewRegistry()
	reg.MustRegister(addTask(newMockBackend()))

	opt := NewOptimizations()
	opts := Options{Bus: signal.NewBus(), Optimizations: opt, Recorder: metrics.NewRuntimeRecorder()}
	require.NoError(t, opt.Setup(reg, opts))

	// The guard toggles independently of the installed tracers.
	opt.SetStackProtection(false)
	assert.False(t, opt.Enabled())
	assert.NotNil(t, reg.Get("tasks.add").Tracer())

	opt.SetStackProtection(true)
	assert.True(t, opt.Enabled())
}
