package types

// Request identifies one task invocation. It is owned by the caller,
// immutable for the duration of the invocation, and read-only to the tracer.
type Request struct {
	// ID is the unique id of this invocation.
	ID string
	// ParentID is the id of the invocation that spawned this one, if any.
	ParentID string
	// RootID is the id of the first invocation in the chain/tree, if any.
	RootID string
	// Retries counts how many times this invocation has been retried.
	Retries int
	// Chord is the chord-group id this invocation contributes to, if any.
	Chord string
	// Callbacks are continuations fired after a successful invocation.
	Callbacks []Continuation
	// Chain is the ordered sequence of subsequent steps; the next step is
	// the last element.
	Chain []Continuation
	// GroupIndex is this invocation's position within its chord group,
	// when it is a chord part of N.
	GroupIndex int
	// Eager marks an invocation running synchronously in-process,
	// bypassing the transport.
	Eager bool
	// CalledDirectly reports whether the call was made directly in-process
	// rather than dispatched through the transport. Task bodies introspect
	// this to break eager self-recursion.
	CalledDirectly bool
}

// Lineage returns the parent and root ids to forward to continuations.
func (r *Request) Lineage(invocationID string) (parentID, rootID string) {
	if r == nil {
		return invocationID, ""
	}
	return invocationID, r.RootID
}
