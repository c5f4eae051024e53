package types

import "context"

// Backend is the persistent result backend collaborator. The tracer calls
// it after every invocation; its storage implementation is external to this
// core.
type Backend interface {
	// StoreResult persists the result of an invocation under the given
	// state.
	StoreResult(ctx context.Context, taskID string, value any, state State) error

	// MarkChordPartDone notifies the backend that this invocation's
	// contribution to the chord is complete. storeResult reports whether
	// the value should also be stored as a standalone result.
	MarkChordPartDone(ctx context.Context, chordID, taskID string, value any, req *Request, storeResult bool) error

	// ProcessCleanup runs after each invocation regardless of outcome.
	ProcessCleanup(ctx context.Context) error
}
