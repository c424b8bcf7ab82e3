// Package coordinator implements the coordinator side of a montepi round:
// accepting worker connections, waiting until the group is complete,
// dispatching work, and aggregating the estimates into one mean.
//
// # Overview
//
// A round needs exactly N workers (the group size). Workers connect over TCP
// and identify themselves with a display name. When the Nth worker has
// identified itself, the coordinator tells every worker to sample
// totalPoints/N points. Each worker answers with one π estimate, and when the
// Nth estimate arrives the coordinator reports their arithmetic mean.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Server                      │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  accept loop ──► session (1/conn)   │
//	│                    │                │
//	│  ┌─────────────────▼────────────┐   │
//	│  │   Registry                   │   │
//	│  │   - N fixed slots            │   │
//	│  │   - add / remove / broadcast │   │
//	│  └─────────────────┬────────────┘   │
//	│                    │ occupancy      │
//	│  ┌─────────────────▼────────────┐   │
//	│  │   Gate                       │   │
//	│  │   - fires once at N          │   │
//	│  └─────────────────┬────────────┘   │
//	│                    │ dispatch       │
//	│  ┌─────────────────▼────────────┐   │
//	│  │   Aggregator                 │   │
//	│  │   - sum / count / mean       │   │
//	│  │   - ledger of contributions  │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	│  StallMonitor, StatusHandler        │
//	└─────────────────────────────────────┘
//
// # Session Lifecycle
//
// Each connection is served by one goroutine running a session:
//
//	Connected ──identity──► Identified ──gate──► AwaitingTask
//	                                                  │ task size
//	                                                  ▼
//	Closed ◄── ReportedOrAborted ◄──result────── Computing
//
// Any read error, timeout, or protocol violation moves the session straight
// to ReportedOrAborted. Cleanup (closing the socket, freeing the registry
// slot) is deferred and runs on every path.
//
// # Concurrency Model
//
// The registry slot table and the aggregator's sum and count are the only
// state shared between sessions. Each has one mutex, held only for O(N) work.
// The gate is a single atomic flag.
//
// The dispatch broadcast is the only writer of task frames, so no session can
// read a task before the gate fires. Members are moved to Computing before
// their task frame is written, so a result read by a session always finds its
// member in Computing; a result from a member in any other state is a
// protocol violation.
//
// # Failure Handling
//
// Everything that goes wrong with one worker stays with that worker's
// session:
//   - Invalid identity: the session closes, the registry is never touched.
//   - Registry full: the session closes with cluster.ErrCapacityExceeded.
//   - Broadcast write failure: logged, delivery continues to the others.
//   - Unparsable result: recorded as 0 or rejected, per ResultPolicy.
//   - Disconnect after reporting: normal; the estimate stays recorded.
//
// # Limitations
//
// The coordinator runs a single round. Once the gate has fired it never fires
// again, so a worker that takes a slot freed after dispatch waits until it
// leaves or its read timeout expires. Without a read timeout, a worker that
// never reports keeps the round from completing; the StallMonitor logs it.
package coordinator
