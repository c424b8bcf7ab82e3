package ledger

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/montepi/internal/cluster"
)

// ErrNotFound is returned when a worker has no recorded contribution.
var ErrNotFound = errors.New("contribution not found")

// Store records worker contributions.
// All implementations must be safe for concurrent access.
type Store interface {
	// Record stores c under c.WorkerID, replacing any previous entry.
	Record(c cluster.Contribution) error

	// Get returns the contribution of a worker.
	// Returns ErrNotFound if the worker has not reported.
	Get(workerID uint64) (cluster.Contribution, error)

	// List returns all contributions ordered by arrival.
	List() []cluster.Contribution

	// Stats summarises the recorded estimates.
	Stats() Stats
}

// Stats summarises recorded contributions.
type Stats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uint64]cluster.Contribution
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uint64]cluster.Contribution),
	}
}

// Record stores a contribution.
func (m *MemoryStore) Record(c cluster.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[c.WorkerID] = c
	return nil
}

// Get returns the contribution recorded for workerID.
func (m *MemoryStore) Get(workerID uint64) (cluster.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.entries[workerID]
	if !ok {
		return cluster.Contribution{}, ErrNotFound
	}
	return c, nil
}

// List returns contributions sorted by RecordedAt, then WorkerID.
func (m *MemoryStore) List() []cluster.Contribution {
	m.mu.RLock()
	out := make([]cluster.Contribution, 0, len(m.entries))
	for _, c := range m.entries {
		out = append(out, c)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.Contribution) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		switch {
		case a.WorkerID < b.WorkerID:
			return -1
		case a.WorkerID > b.WorkerID:
			return 1
		}
		return 0
	})
	return out
}

// Stats returns count, sum, min and max of recorded estimates.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, c := range m.entries {
		if s.Count == 0 || c.Estimate < s.Min {
			s.Min = c.Estimate
		}
		if s.Count == 0 || c.Estimate > s.Max {
			s.Max = c.Estimate
		}
		s.Sum += c.Estimate
		s.Count++
	}
	return s
}
