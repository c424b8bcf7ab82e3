// Package ledger keeps the per-worker contributions of the current round so
// that operators can see who reported what, alongside the aggregate mean.
//
// # Overview
//
// The aggregator in internal/coordinator only needs a running sum and count
// to compute the mean. The ledger records the individual estimates next to
// it, keyed by worker ID, for the status API and the final log line.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Aggregator                  │
//	└─────────────────────────────────────┘
//	                 │ Record
//	                 ▼
//	┌─────────────────────────────────────┐
//	│         Store interface             │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│         MemoryStore                 │
//	│  map[workerID]Contribution + RWMutex│
//	└─────────────────────────────────────┘
//
// # Lifetime
//
// Contents live for one process. Persisting results across runs is out of
// scope, so there is no on-disk implementation.
//
// # Thread Safety
//
// MemoryStore is safe for concurrent use. Every read returns copies.
package ledger
