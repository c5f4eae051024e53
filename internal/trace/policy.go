package trace

import (
	"errors"

	"github.com/ezarowny/celery/pkg/logger"
	"github.com/ezarowny/celery/pkg/types"
)

// LogPolicy decides the severity and verbosity used when reporting a failed
// or signalled invocation.
type LogPolicy struct {
	// Name identifies the policy.
	Name string
	// Severity is the log level used.
	Severity logger.Level
	// Traceback reports whether the captured stack is included.
	Traceback bool
	// Description is the message template prefix.
	Description string
}

var (
	// PolicyReject applies when the task rejected the message: quiet, no
	// traceback by default.
	PolicyReject = &LogPolicy{Name: "reject", Severity: logger.LevelWarn, Traceback: false, Description: "task rejected"}
	// PolicyIgnore applies when the task asked to be ignored: silent.
	PolicyIgnore = &LogPolicy{Name: "ignore", Severity: logger.LevelDebug, Traceback: false, Description: "task ignored"}
	// PolicyInternal applies to tracer machinery errors: always an error,
	// always with traceback, regardless of task configuration.
	PolicyInternal = &LogPolicy{Name: "internal", Severity: logger.LevelError, Traceback: true, Description: "internal error"}
	// PolicyExpected applies to failures declared in the task's
	// expected-error allow-list.
	PolicyExpected = &LogPolicy{Name: "expected", Severity: logger.LevelWarn, Traceback: false, Description: "task raised expected error"}
	// PolicyUnexpected applies to all other failures.
	PolicyUnexpected = &LogPolicy{Name: "unexpected", Severity: logger.LevelError, Traceback: true, Description: "task raised unexpected error"}
)

// GetLogPolicy maps (task definition, outcome diagnostics, error) to a log
// policy. Pure function with no side effects; each branch is independently
// testable.
func GetLogPolicy(t *types.Task, o *types.Outcome, err error) *LogPolicy {
	if o != nil && o.Internal {
		return PolicyInternal
	}
	var reject *types.Reject
	if errors.As(err, &reject) {
		return PolicyReject
	}
	var ignore *types.Ignore
	if errors.As(err, &ignore) {
		return PolicyIgnore
	}
	if t != nil && t.Expected(err) {
		return PolicyExpected
	}
	return PolicyUnexpected
}

// logError reports an error through the selected policy.
func logError(policy *LogPolicy, taskName, id string, err error, traceback string) {
	if policy.Traceback && traceback != "" {
		logger.Log(policy.Severity, "%s: task %s[%s]: %v\n%s", policy.Description, taskName, id, err, traceback)
		return
	}
	logger.Log(policy.Severity, "%s: task %s[%s]: %v", policy.Description, taskName, id, err)
}
