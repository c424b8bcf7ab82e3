// Package cluster defines what a coordinator and its workers say to each
// other: the fixed-size frame wire format, the shared data types exchanged
// over it, and the error taxonomy both sides use to classify failures.
//
// # Overview
//
// A montepi cluster is one coordinator and a fixed group of N workers. The
// coordinator waits until exactly N workers have identified themselves, tells
// each worker how many points to sample, collects one π estimate from each,
// and reports the mean. This package owns the vocabulary of that exchange;
// the coordinator-side state machine lives in internal/coordinator and the
// worker-side client in internal/worker.
//
// # Architecture
//
// The package follows a hub-and-spoke model:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Gate       │
//	              │ - Aggregator │
//	              └──────┬───────┘
//	                     │ TCP, 32-byte frames
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│ Worker 1  │ │ Worker 2  │ │ Worker N  │
//	│ name      │ │ name      │ │ name      │
//	│ estimate  │ │ estimate  │ │ estimate  │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Communication Protocol
//
// Every message is exactly FrameSize bytes, NUL-padded, so a reader never has
// to look for a delimiter and a short read is always a lost connection:
//
//  1. Worker → Coordinator: display name, 2-31 printable characters.
//  2. Coordinator → Worker: decimal task size (points to sample), sent once
//     the Nth worker has identified itself.
//  3. Worker → Coordinator: decimal estimate with 8 fractional digits.
//  4. Worker → Coordinator (optional): the LeaveToken. Closing the
//     connection is equivalent.
//
// # Failure Handling
//
// Failures are classified with sentinel errors (see errors.go) and wrapped
// with context using fmt.Errorf("...: %w"). Callers test the class with
// errors.Is:
//
//	if errors.Is(err, cluster.ErrConnectionLost) {
//	    // peer went away, not a protocol bug
//	}
//
// # Result Parsing Policy
//
// A result payload that is not a number can either be coerced to zero, which
// is how the first C implementation behaved, or rejected as a protocol
// violation. ResultPolicy makes the choice explicit; PolicyCoerce is the
// default so that a full group always produces a mean.
package cluster
