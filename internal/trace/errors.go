package trace

import (
	"fmt"
	"strings"
)

// PanicError captures a panic recovered from a task body, together with the
// stack at the panic site.
type PanicError struct {
	Value any
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task body panicked: %v", e.Value)
}

// BuildError indicates a tracer could not be built for a task definition.
// Build problems are reported at build time, never deferred to first call.
type BuildError struct {
	TaskName string
	Message  string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.TaskName == "" {
		return fmt.Sprintf("cannot build tracer: %s", e.Message)
	}
	return fmt.Sprintf("cannot build tracer for %s: %s", e.TaskName, e.Message)
}

// NewBuildError creates a BuildError.
func NewBuildError(taskName, message string) *BuildError {
	return &BuildError{TaskName: taskName, Message: message}
}

// tracebackFor renders diagnostic detail for a captured failure: the panic
// stack when the failure was a recovered panic, otherwise the unwrapped
// error chain.
func tracebackFor(err error) string {
	if p, ok := err.(*PanicError); ok {
		return p.Stack
	}

	var sb strings.Builder
	for e := err; e != nil; e = unwrap(e) {
		if sb.Len() > 0 {
			sb.WriteString("\ncaused by: ")
		}
		sb.WriteString(e.Error())
	}
	return sb.String()
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
