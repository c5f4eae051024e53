package types

import (
	"errors"
	"fmt"
)

// Control signals are cooperative state-transition requests returned by task
// bodies. They are not errors in the failure sense and are classified before
// generic failure handling.

// Retry signals that the task should be re-scheduled for another attempt.
// The surrounding worker owns the back-off/ETA policy; the tracer only
// records the request.
type Retry struct {
	// Message describes why the retry was requested.
	Message string
	// Cause is the error that triggered the retry, if any.
	Cause error
}

// Error implements the error interface.
func (r *Retry) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("retry: %s: %v", r.Message, r.Cause)
	}
	return fmt.Sprintf("retry: %s", r.Message)
}

// Unwrap returns the underlying error.
func (r *Retry) Unwrap() error {
	return r.Cause
}

// NewRetry creates a Retry signal.
func NewRetry(message string, cause error) *Retry {
	return &Retry{Message: message, Cause: cause}
}

// Ignore signals that no result should be stored for this invocation.
type Ignore struct {
	Message string
}

// Error implements the error interface.
func (i *Ignore) Error() string {
	if i.Message == "" {
		return "ignore"
	}
	return fmt.Sprintf("ignore: %s", i.Message)
}

// NewIgnore creates an Ignore signal.
func NewIgnore(message string) *Ignore {
	return &Ignore{Message: message}
}

// Reject signals that the task rejects the message. No retry happens here;
// the signal is re-raised to an immediate non-worker caller so an outer
// scheduling layer can decide whether to requeue.
type Reject struct {
	Message string
	// Requeue asks the outer layer to put the message back on the queue.
	Requeue bool
}

// Error implements the error interface.
func (r *Reject) Error() string {
	if r.Message == "" {
		return "reject"
	}
	return fmt.Sprintf("reject: %s", r.Message)
}

// NewReject creates a Reject signal.
func NewReject(message string, requeue bool) *Reject {
	return &Reject{Message: message, Requeue: requeue}
}

// FatalError wraps errors that mean "the process should terminate". The
// tracer never catches, classifies, or converts these; they propagate
// through every layer unmodified.
type FatalError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (f *FatalError) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", f.Message, f.Cause)
	}
	return fmt.Sprintf("fatal: %s", f.Message)
}

// Unwrap returns the underlying error.
func (f *FatalError) Unwrap() error {
	return f.Cause
}

// NewFatalError creates a FatalError.
func NewFatalError(message string, cause error) *FatalError {
	return &FatalError{Message: message, Cause: cause}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// EncodeError wraps serialization failures raised by the downstream
// transport when it rejects a payload. The dispatcher converts these into a
// local FAILURE outcome instead of letting them escape.
type EncodeError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *EncodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encode error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("encode error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *EncodeError) Unwrap() error {
	return e.Cause
}

// NewEncodeError creates an EncodeError.
func NewEncodeError(message string, cause error) *EncodeError {
	return &EncodeError{Message: message, Cause: cause}
}

// IsEncodeError reports whether err is, or wraps, an EncodeError.
func IsEncodeError(err error) bool {
	var enc *EncodeError
	return errors.As(err, &enc)
}
