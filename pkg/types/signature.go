package types

import "context"

// CallOptions carries the lineage and chain information forwarded to a
// continuation when it is dispatched.
type CallOptions struct {
	// ParentID is the id of the invocation whose output is being forwarded.
	ParentID string
	// RootID is the id of the first invocation in the tree, if any.
	RootID string
	// Chain holds the remaining continuations attached to a chain step.
	Chain []Continuation
}

// Transport dispatches resolved continuations to the message transport.
// Implementations may fail with an EncodeError when the payload cannot be
// serialized; the dispatcher converts that into a local FAILURE.
type Transport interface {
	// SendTask dispatches a single task invocation.
	SendTask(ctx context.Context, name string, args []any, opts CallOptions) error

	// SendGroup dispatches a batch of task invocations as one call.
	SendGroup(ctx context.Context, names []string, args []any, opts CallOptions) error
}

// Continuation is a task invocation queued to run after the current one,
// carrying forwarded output. It is a closed variant: the only
// implementations are Single and Group, resolved before dispatch so the
// coalescing logic can be a straightforward fold.
type Continuation interface {
	// ApplyAsync dispatches the continuation with the forwarded arguments.
	ApplyAsync(ctx context.Context, args []any, opts CallOptions) error

	continuation()
}

// Single is a continuation referencing one task invocation.
type Single struct {
	// Name is the registered name of the task to invoke.
	Name string
	// Transport dispatches the invocation.
	Transport Transport
}

// ApplyAsync dispatches the single continuation.
func (s *Single) ApplyAsync(ctx context.Context, args []any, opts CallOptions) error {
	return s.Transport.SendTask(ctx, s.Name, args, opts)
}

func (s *Single) continuation() {}

// Group is a continuation referencing a batch of task invocations that fire
// as one dispatch.
type Group struct {
	// Members are the tasks in the group.
	Members []*Single
	// Transport dispatches the batched invocation.
	Transport Transport
}

// ApplyAsync dispatches the whole group as a single batched call.
func (g *Group) ApplyAsync(ctx context.Context, args []any, opts CallOptions) error {
	names := make([]string, len(g.Members))
	for i, m := range g.Members {
		names[i] = m.Name
	}
	return g.Transport.SendGroup(ctx, names, args, opts)
}

func (g *Group) continuation() {}
