package coordinator

import "sync/atomic"

// Decision is what the gate tells a session that just identified itself.
type Decision int

const (
	// Wait means the group is not complete, or was completed by someone
	// else; the session waits for its task on the socket.
	Wait Decision = iota
	// DispatchNow means this session completed the group and must send the
	// task size to every member.
	DispatchNow
)

func (d Decision) String() string {
	if d == DispatchNow {
		return "dispatch_now"
	}
	return "wait"
}

// Gate is a one-shot edge detector over registry occupancy. It fires for the
// first caller that observes occupancy equal to the group size, and never
// again, even if members leave and the group refills.
type Gate struct {
	size  int
	fired atomic.Bool
}

// NewGate creates a gate for a group of size workers.
func NewGate(size int) *Gate {
	return &Gate{size: size}
}

// Observe is called with the occupancy returned by Registry.Add. Since Add
// computes occupancy under the registry lock, only the add that took the
// table from size-1 to size can pass occupied == size, and the
// compare-and-swap keeps later refills from firing again.
func (g *Gate) Observe(occupied int) Decision {
	if occupied == g.size && g.fired.CompareAndSwap(false, true) {
		return DispatchNow
	}
	return Wait
}

// Fired reports whether the gate has fired.
func (g *Gate) Fired() bool {
	return g.fired.Load()
}

// Size returns the group size the gate waits for.
func (g *Gate) Size() int {
	return g.size
}
