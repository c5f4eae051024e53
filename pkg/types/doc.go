// Package types defines the core data structures for task execution tracing.
//
// This package contains all the fundamental types shared between the tracer
// and its collaborators, including:
//   - The result state enumeration and Outcome record
//   - The per-invocation Request context
//   - Control signals (Retry, Ignore, Reject) and error classes
//   - Task definitions with their optional lifecycle hooks
//   - Continuations (single and group) and the transport/backend contracts
package types
