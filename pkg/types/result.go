package types

import (
	"context"
	"time"
)

// Outcome is the in-memory record of a single task invocation's result. It
// is created fresh per invocation, mutated exactly once to its terminal (or
// retry) state, handed to the caller, and discarded.
type Outcome struct {
	// State is the final state of the invocation.
	State State
	// Retval is the task's return value when State is SUCCESS.
	Retval any
	// Err is the captured failure or control signal when State carries an
	// error. Tagged by State.
	Err error
	// Traceback is the captured stack for failure states.
	Traceback string
	// Internal marks errors raised by the tracer's own machinery rather
	// than the task body.
	Internal bool
	// Runtime is the wall time spent in the invocation.
	Runtime time.Duration
	// Strict reports whether the return value is reported to an external
	// result backend exactly rather than only internally.
	Strict bool
}

// NewOutcome creates an Outcome in the pending state.
func NewOutcome() *Outcome {
	return &Outcome{State: StatePending}
}

// Fail moves the outcome to FAILURE with the captured error. Any retval
// from an overridden success is dropped; Retval is tagged by State.
func (o *Outcome) Fail(err error, traceback string) {
	o.State = StateFailure
	o.Retval = nil
	o.Err = err
	o.Traceback = traceback
}

// IsSuccess reports whether the invocation succeeded.
func (o *Outcome) IsSuccess() bool {
	return o.State == StateSuccess
}

// TraceFunc executes one task invocation end-to-end and returns its outcome.
// The error return is non-nil only for fatal errors, for reject signals
// re-raised to an eager caller, and for failures re-raised under the
// propagate option; the persisted-state side effect always happens first.
type TraceFunc func(ctx context.Context, id string, args []any, kwargs map[string]any, req *Request) (*Outcome, error)

// ResultMeta is the persisted form of a task result.
type ResultMeta struct {
	TaskID    string `json:"task_id"`
	Status    State  `json:"status"`
	Result    any    `json:"result"`
	Traceback string `json:"traceback"`
	DateDone  string `json:"date_done"`
}
