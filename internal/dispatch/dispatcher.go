// Package dispatch resolves and fires follow-on work after a successful
// task invocation: linked callbacks, chain continuations, and chord
// completion notifications.
package dispatch

import (
	"context"
	"fmt"

	"github.com/ezarowny/celery/pkg/types"
)

// Dispatcher fires the continuations attached to a request. It holds no
// invocation-spanning state; one Dispatcher is shared across concurrent
// invocations.
type Dispatcher struct{}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnSuccess runs the full follow-on sequence for a successful invocation:
// chord part completion, callbacks, then the next chain step. It is never
// called for RETRY or failure states. A returned error wrapping
// types.EncodeError means the downstream transport rejected a payload; the
// caller converts that into a local FAILURE.
func (d *Dispatcher) OnSuccess(ctx context.Context, backend types.Backend, req *types.Request, id string, retval any) error {
	if req == nil {
		return nil
	}

	if req.Chord != "" && backend != nil {
		// The chord barrier is notified even when the task has no
		// explicit callbacks. The value is not stored as a standalone
		// result here.
		if err := backend.MarkChordPartDone(ctx, req.Chord, id, retval, req, false); err != nil {
			return fmt.Errorf("chord part completion for %s failed: %w", req.Chord, err)
		}
	}

	if err := d.FireCallbacks(ctx, req, id, retval); err != nil {
		return err
	}

	return d.FireChain(ctx, req, id, retval)
}

// FireCallbacks dispatches the request's callback continuations. Singles
// fire individually in declared order; group members are coalesced into a
// single batched dispatch that fires once, at the position of the first
// group entry.
func (d *Dispatcher) FireCallbacks(ctx context.Context, req *types.Request, id string, retval any) error {
	if len(req.Callbacks) == 0 {
		return nil
	}

	parentID, rootID := req.Lineage(id)
	opts := types.CallOptions{ParentID: parentID, RootID: rootID}
	args := []any{retval}

	merged := coalesce(req.Callbacks)
	for _, cont := range merged {
		if err := cont.ApplyAsync(ctx, args, opts); err != nil {
			return fmt.Errorf("callback dispatch failed: %w", err)
		}
	}
	return nil
}

// coalesce folds the callback list into its dispatch plan: the relative
// order of singles is preserved, and all group members collapse into one
// Group placed where the first group appeared.
func coalesce(callbacks []types.Continuation) []types.Continuation {
	var members []*types.Single
	var transport types.Transport
	for _, cont := range callbacks {
		if g, ok := cont.(*types.Group); ok {
			members = append(members, g.Members...)
			if transport == nil {
				transport = g.Transport
			}
		}
	}

	if len(members) == 0 {
		return callbacks
	}

	plan := make([]types.Continuation, 0, len(callbacks))
	placed := false
	for _, cont := range callbacks {
		if _, ok := cont.(*types.Group); ok {
			if !placed {
				plan = append(plan, &types.Group{Members: members, Transport: transport})
				placed = true
			}
			continue
		}
		plan = append(plan, cont)
	}
	return plan
}

// FireChain pops the next step off the request's chain, attaches the
// remainder, and dispatches it with the return value as its argument. The
// next step is the last element of the chain.
func (d *Dispatcher) FireChain(ctx context.Context, req *types.Request, id string, retval any) error {
	if len(req.Chain) == 0 {
		return nil
	}

	next := req.Chain[len(req.Chain)-1]
	rest := req.Chain[:len(req.Chain)-1]

	parentID, rootID := req.Lineage(id)
	opts := types.CallOptions{ParentID: parentID, RootID: rootID, Chain: rest}

	if err := next.ApplyAsync(ctx, []any{retval}, opts); err != nil {
		return fmt.Errorf("chain dispatch failed: %w", err)
	}
	return nil
}
