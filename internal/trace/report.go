package trace

import (
	"context"
	"sync"

	"github.com/ezarowny/celery/internal/signal"
	"github.com/ezarowny/celery/pkg/types"
)

// InternalErrorReporter receives errors raised by the tracer's own
// machinery, as opposed to task body failures, so operators can tell
// framework bugs from task bugs.
type InternalErrorReporter func(t *types.Task, id string, err error, traceback string)

var (
	reporterMu sync.RWMutex
	reporter   InternalErrorReporter
)

// SetInternalErrorReporter installs the reporter for internal errors and
// returns the previous one. A nil reporter disables the channel; internal
// errors are still logged at the internal policy.
func SetInternalErrorReporter(r InternalErrorReporter) InternalErrorReporter {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	prev := reporter
	reporter = r
	return prev
}

// ReportInternalError logs err at the internal policy, unconditionally, and
// forwards it to the installed reporter and the default signal bus.
func ReportInternalError(t *types.Task, id string, err error, traceback string) {
	name := "?"
	if t != nil {
		name = t.Name
	}
	logError(PolicyInternal, name, id, err, traceback)

	if signal.DefaultBus.HasSubscribers(signal.EventTaskInternalError) {
		signal.DefaultBus.Send(context.Background(), &signal.TaskEvent{
			Event: signal.EventTaskInternalError, TaskID: id, Task: t, Err: err,
		})
	}

	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r != nil {
		r(t, id, err, traceback)
	}
}
