// Package metrics aggregates per-task runtime distributions for completed
// invocations.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Runtime histograms track microseconds from 1us up to one hour.
const (
	runtimeMin     = 1
	runtimeMax     = int64(time.Hour / time.Microsecond)
	runtimeSigFigs = 3
)

// RuntimeRecorder records the wall time of task invocations, keyed by task
// name. Safe for concurrent use across invocations. Recording starts
// enabled and can be switched off through SetEnabled.
type RuntimeRecorder struct {
	mu      sync.Mutex
	enabled bool
	hists   map[string]*hdrhistogram.Histogram
}

// NewRuntimeRecorder creates an empty, enabled RuntimeRecorder.
func NewRuntimeRecorder() *RuntimeRecorder {
	return &RuntimeRecorder{
		enabled: true,
		hists:   make(map[string]*hdrhistogram.Histogram),
	}
}

// SetEnabled switches runtime recording on or off. Already-recorded data is
// kept.
func (r *RuntimeRecorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// Enabled reports whether the recorder accepts new recordings.
func (r *RuntimeRecorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *RuntimeRecorder) hist(taskName string) *hdrhistogram.Histogram {
	h, ok := r.hists[taskName]
	if !ok {
		h = hdrhistogram.New(runtimeMin, runtimeMax, runtimeSigFigs)
		r.hists[taskName] = h
	}
	return h
}

// Record adds one invocation runtime for the task.
func (r *RuntimeRecorder) Record(taskName string, d time.Duration) {
	us := d.Microseconds()
	if us < runtimeMin {
		us = runtimeMin
	}
	if us > runtimeMax {
		us = runtimeMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	// RecordValue only fails for values outside the configured range,
	// which the clamp above rules out.
	_ = r.hist(taskName).RecordValue(us)
}

// Count returns the number of recorded invocations for the task.
func (r *RuntimeRecorder) Count(taskName string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hists[taskName]
	if !ok {
		return 0
	}
	return h.TotalCount()
}

// Percentile returns the runtime at the given percentile (0-100) for the
// task, or zero if nothing was recorded.
func (r *RuntimeRecorder) Percentile(taskName string, q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hists[taskName]
	if !ok {
		return 0
	}
	return time.Duration(h.ValueAtQuantile(q)) * time.Microsecond
}

// Mean returns the mean runtime for the task, or zero if nothing was
// recorded.
func (r *RuntimeRecorder) Mean(taskName string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hists[taskName]
	if !ok {
		return 0
	}
	return time.Duration(h.Mean()) * time.Microsecond
}

// TaskNames returns the names of all tasks with recorded runtimes, sorted.
func (r *RuntimeRecorder) TaskNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.hists))
	for name := range r.hists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all recorded runtimes.
func (r *RuntimeRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists = make(map[string]*hdrhistogram.Histogram)
}

// DefaultRecorder is the process-wide runtime recorder.
var DefaultRecorder = NewRuntimeRecorder()
