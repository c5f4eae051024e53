// Package signal provides the in-process signal bus for task lifecycle
// notifications.
package signal

import (
	"context"
	"sync"

	"github.com/ezarowny/celery/pkg/logger"
	"github.com/ezarowny/celery/pkg/types"
)

// Event discriminates between the task lifecycle notifications the tracer
// emits.
type Event string

const (
	// EventTaskPrerun fires before the task body executes.
	EventTaskPrerun Event = "task-prerun"
	// EventTaskPostrun fires after outcome handling, regardless of state.
	EventTaskPostrun Event = "task-postrun"
	// EventTaskSuccess fires when an invocation succeeds.
	EventTaskSuccess Event = "task-success"
	// EventTaskFailure fires when an invocation fails.
	EventTaskFailure Event = "task-failure"
	// EventTaskRetry fires when an invocation requests a retry.
	EventTaskRetry Event = "task-retry"
	// EventTaskInternalError fires when the tracer machinery itself fails.
	EventTaskInternalError Event = "task-internal-error"
)

// TaskEvent captures contextual information about a task lifecycle event.
type TaskEvent struct {
	Event  Event
	TaskID string
	Task   *types.Task
	Args   []any
	Kwargs map[string]any
	State  types.State
	Retval any
	Err    error
}

// Handler consumes task lifecycle events. Handlers are fire-and-forget:
// they must not block, and a panicking handler does not crash the dispatch
// loop.
type Handler func(ctx context.Context, e *TaskEvent)

// Bus routes task lifecycle events to zero or more subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewBus creates a new signal bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Event][]Handler),
	}
}

// Connect subscribes a handler to an event.
func (b *Bus) Connect(event Event, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// Disconnect removes all handlers for an event.
func (b *Bus) Disconnect(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, event)
}

// HasSubscribers reports whether any handler is connected to the event.
// The tracer builder consults this when deciding on the fast path.
func (b *Bus) HasSubscribers(event Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event]) > 0
}

// Empty reports whether no handler is connected to any event.
func (b *Bus) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, hs := range b.handlers {
		if len(hs) > 0 {
			return false
		}
	}
	return true
}

// Send dispatches the event to every subscriber in connection order.
// Subscriber panics are logged and do not interrupt the dispatch loop or
// the invocation.
func (b *Bus) Send(ctx context.Context, e *TaskEvent) {
	b.mu.RLock()
	handlers := b.handlers[e.Event]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.send(ctx, h, e)
	}
}

func (b *Bus) send(ctx context.Context, h Handler, e *TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("signal subscriber for %s panicked: %v", e.Event, r)
		}
	}()
	h(ctx, e)
}

// DefaultBus is the global default signal bus.
var DefaultBus = NewBus()
