package types

// State represents the result state of a task invocation.
type State string

const (
	// StatePending indicates the task state is unknown (assumed pending).
	StatePending State = "PENDING"
	// StateReceived indicates the task was received by a worker.
	StateReceived State = "RECEIVED"
	// StateStarted indicates the task was started by a worker.
	StateStarted State = "STARTED"
	// StateSuccess indicates the task completed successfully.
	StateSuccess State = "SUCCESS"
	// StateFailure indicates the task failed with an error.
	StateFailure State = "FAILURE"
	// StateRetry indicates the task requested to be retried. This is the
	// only non-terminal result state: the caller re-schedules the task.
	StateRetry State = "RETRY"
	// StateIgnored indicates the task asked for its result to be discarded.
	StateIgnored State = "IGNORED"
	// StateRejected indicates the task rejected the message; the outer
	// scheduling layer decides whether to requeue it.
	StateRejected State = "REJECTED"
	// StateRevoked indicates the task was revoked before or during execution.
	StateRevoked State = "REVOKED"
)

// IsTerminal reports whether the state is terminal. Every invocation ends in
// exactly one terminal-or-retry state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateIgnored, StateRejected, StateRevoked:
		return true
	}
	return false
}

// IsException reports whether the state carries a captured error rather than
// a return value.
func (s State) IsException() bool {
	switch s {
	case StateFailure, StateRetry, StateRejected, StateRevoked:
		return true
	}
	return false
}
