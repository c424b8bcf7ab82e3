// Package coordinator runs the coordinator side of a montepi round.
// See doc.go for complete package documentation.
package coordinator

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/montepi/internal/cluster"
)

// NoExclusion is passed to Broadcast to deliver to every member.
// Worker IDs start at 1, so 0 never matches a member.
const NoExclusion uint64 = 0

// Member is a registered worker: the identity a session established plus a
// non-owning reference to its connection. The session that created the
// member owns the connection's lifetime; the registry only writes to it.
type Member struct {
	connectedAt time.Time
	conn        net.Conn
	name        string
	id          uint64

	// lastActivity is guarded by the registry lock.
	lastActivity time.Time

	state atomic.Int32
}

// NewMember creates a member in the Identified state.
func NewMember(id uint64, name string, conn net.Conn, connectedAt time.Time) *Member {
	m := &Member{
		id:           id,
		name:         name,
		conn:         conn,
		connectedAt:  connectedAt,
		lastActivity: connectedAt,
	}
	m.state.Store(int32(StateIdentified))
	return m
}

// ID returns the worker ID.
func (m *Member) ID() uint64 { return m.id }

// Name returns the worker display name.
func (m *Member) Name() string { return m.name }

// State returns the member's current protocol state.
func (m *Member) State() State { return State(m.state.Load()) }

func (m *Member) setState(s State) { m.state.Store(int32(s)) }

// advance moves the member from any of the from states to to. It returns
// false if the member was in none of them.
func (m *Member) advance(to State, from ...State) bool {
	for _, f := range from {
		if m.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

// Registry is the fixed-capacity slot table of identified workers.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         Registry                    │
//	├─────────────────────────────────────┤
//	│  slots: [N]*Member (nil = free)     │
//	│  mu: one Mutex for every operation  │
//	├─────────────────────────────────────┤
//	│  slot 0 → #1 "alice"                │
//	│  slot 1 → (free)                    │
//	└─────────────────────────────────────┘
//
// Every operation scans the table linearly. N is the group size, which is
// small, so the O(N) scan under the lock is intended.
//
// Broadcast writes to sockets while holding the lock so that no Add or
// Remove can interleave with a delivery. Each write carries a deadline
// (writeTimeout) so a stalled peer cannot hold the lock indefinitely.
type Registry struct {
	logger       *zap.Logger
	slots        []*Member
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewRegistry creates a registry with capacity slots. A zero writeTimeout
// disables write deadlines.
func NewRegistry(capacity int, writeTimeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		slots:        make([]*Member, capacity),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Add places m in the first free slot and returns the slot index together
// with the occupancy after the insert. Both are computed under the same lock,
// so exactly one caller ever sees occupancy reach Capacity.
//
// Returns cluster.ErrCapacityExceeded when every slot is taken.
func (r *Registry) Add(m *Member) (slot, occupied int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot = slices.IndexFunc(r.slots, func(s *Member) bool { return s == nil })
	if slot < 0 {
		return -1, len(r.slots), cluster.ErrCapacityExceeded
	}
	r.slots[slot] = m
	return slot, r.occupiedLocked(), nil
}

// Remove frees the slot held by id. Removing an unknown id is a no-op.
// It reports whether a slot was freed.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.slots[i] = nil
	return true
}

// OccupiedCount returns the number of occupied slots.
func (r *Registry) OccupiedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.occupiedLocked()
}

// Touch records activity for id, resetting its idle time.
func (r *Registry) Touch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(id); i >= 0 {
		r.slots[i].lastActivity = time.Now()
	}
}

// Broadcast sends payload as one frame to every member except excludeID and
// returns how many deliveries succeeded. A failed write is logged and does
// not stop delivery to the remaining members.
//
// Broadcast carries the task size, so a member still waiting for its task is
// moved to StateComputing before the frame is written; its result can then
// never be read ahead of that transition.
func (r *Registry) Broadcast(payload string, excludeID uint64) int {
	frame, err := cluster.EncodeFrame(payload)
	if err != nil {
		r.logger.Error("broadcast payload rejected", zap.Error(err))
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	now := time.Now()
	for slot, m := range r.slots {
		if m == nil || m.id == excludeID {
			continue
		}

		m.advance(StateComputing, StateIdentified, StateAwaitingTask)

		if r.writeTimeout > 0 {
			_ = m.conn.SetWriteDeadline(now.Add(r.writeTimeout))
		}
		if _, err := m.conn.Write(frame); err != nil {
			r.logger.Warn("broadcast write failed",
				zap.Uint64("worker_id", m.id),
				zap.String("name", m.name),
				zap.Int("slot", slot),
				zap.Error(err))
			continue
		}
		m.lastActivity = now
		delivered++
	}
	return delivered
}

// Snapshot returns a copy of every occupied slot, ordered by slot.
func (r *Registry) Snapshot() []cluster.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]cluster.WorkerInfo, 0, len(r.slots))
	for slot, m := range r.slots {
		if m == nil {
			continue
		}
		info := cluster.WorkerInfo{
			ID:           m.id,
			Name:         m.name,
			Slot:         slot,
			State:        m.State().String(),
			ConnectedAt:  m.connectedAt,
			LastActivity: m.lastActivity,
		}
		if addr := m.conn.RemoteAddr(); addr != nil {
			info.Addr = addr.String()
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) indexLocked(id uint64) int {
	return slices.IndexFunc(r.slots, func(s *Member) bool { return s != nil && s.id == id })
}

func (r *Registry) occupiedLocked() int {
	n := 0
	for _, m := range r.slots {
		if m != nil {
			n++
		}
	}
	return n
}
