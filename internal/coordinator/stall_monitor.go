// Package coordinator runs the coordinator side of a montepi round.
// This file implements idle-worker detection for registered workers.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/montepi/internal/cluster"
)

// StallMonitor periodically looks at the registered workers and flags those
// that have been idle for longer than a threshold while the round still
// needs something from them.
//
// It only observes. Aborting a stalled session is the job of the read
// timeout (config.Coordinator.ReadTimeout); without one, a stalled worker
// holds the round open and the monitor's warnings are how an operator finds
// out which one.
//
// Thread-safe: All methods are safe for concurrent access.
type StallMonitor struct {
	stalled   map[uint64]time.Time     // Worker ID -> when it was flagged
	logger    *zap.Logger              // Destination for stall warnings
	onStalled func(cluster.WorkerInfo) // Callback when a worker becomes stalled
	now       func() time.Time         // Clock, replaceable in tests
	interval  time.Duration            // How often to scan
	threshold time.Duration            // Idle time before a worker is stalled
	mu        sync.RWMutex             // Protects stalled and onStalled
}

// NewStallMonitor creates a monitor that scans every interval and flags
// workers idle for at least threshold.
//
// Example:
//
//	monitor := NewStallMonitor(5*time.Second, 30*time.Second, logger)
//	go monitor.Start(ctx, srv.Registry().Snapshot)
func NewStallMonitor(interval, threshold time.Duration, logger *zap.Logger) *StallMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StallMonitor{
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		stalled:   make(map[uint64]time.Time),
		now:       time.Now,
	}
}

// SetOnStalled sets the function invoked once each time a worker becomes
// stalled. It runs on the monitor goroutine.
func (m *StallMonitor) SetOnStalled(fn func(cluster.WorkerInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStalled = fn
}

// Start scans the workers returned by provider every interval until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (m *StallMonitor) Start(ctx context.Context, provider func() []cluster.WorkerInfo) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("stall monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("threshold", m.threshold))

	m.check(provider())
	for {
		select {
		case <-ticker.C:
			m.check(provider())
		case <-ctx.Done():
			return
		}
	}
}

// check flags newly stalled workers, clears workers that became active
// again, and forgets workers that are no longer registered.
func (m *StallMonitor) check(workers []cluster.WorkerInfo) {
	now := m.now()
	current := make(map[uint64]bool, len(workers))
	var newlyStalled []cluster.WorkerInfo

	m.mu.Lock()
	for _, w := range workers {
		current[w.ID] = true
		if !waitingOnWorker(w.State) {
			delete(m.stalled, w.ID)
			continue
		}

		idle := now.Sub(w.LastActivity)
		_, flagged := m.stalled[w.ID]
		switch {
		case idle >= m.threshold && !flagged:
			m.stalled[w.ID] = now
			newlyStalled = append(newlyStalled, w)
		case idle < m.threshold && flagged:
			delete(m.stalled, w.ID)
			m.logger.Info("worker active again", zap.Uint64("worker_id", w.ID), zap.String("name", w.Name))
		}
	}
	for id := range m.stalled {
		if !current[id] {
			delete(m.stalled, id)
		}
	}
	onStalled := m.onStalled
	m.mu.Unlock()

	for _, w := range newlyStalled {
		m.logger.Warn("worker stalled",
			zap.Uint64("worker_id", w.ID),
			zap.String("name", w.Name),
			zap.String("state", w.State),
			zap.Duration("idle", now.Sub(w.LastActivity)))
		if onStalled != nil {
			onStalled(w)
		}
	}
}

// waitingOnWorker reports whether a worker in state owes the round its
// result. Workers still waiting for the group, or that already reported,
// are idle through no fault of their own.
func waitingOnWorker(state string) bool {
	return state == StateComputing.String()
}

// IsStalled reports whether the worker is currently flagged.
func (m *StallMonitor) IsStalled(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stalled[id]
	return ok
}

// Stalled returns the IDs of all currently flagged workers in ascending
// order.
func (m *StallMonitor) Stalled() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.stalled))
	for id := range m.stalled {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
