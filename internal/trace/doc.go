// Package trace executes single task invocations end-to-end: it runs the
// task body, classifies the result through the state machine, invokes the
// matching outcome handler, fires follow-on continuations, notifies signal
// subscribers, persists through the backend collaborator, and returns an
// execution outcome.
//
// Tracers are compiled once per task type by Build; a reduced fast path is
// chosen when a task has no optional hooks, no signal subscribers, and
// ignores results. Worker-wide optimizations (tracer caching and the
// eager-call stack guard) live in an explicit Optimizations registry with
// defined setup and reset operations.
package trace
