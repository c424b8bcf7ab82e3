package coordinator

// State is a session's position in the per-connection protocol:
//
//	Connected → Identified → AwaitingTask → Computing → ReportedOrAborted → Closed
//
// A session may jump to ReportedOrAborted from any earlier state on a
// protocol violation, timeout, or lost connection.
type State int32

const (
	StateConnected State = iota
	StateIdentified
	StateAwaitingTask
	StateComputing
	StateReportedOrAborted
	StateClosed
)

var stateNames = [...]string{
	StateConnected:         "connected",
	StateIdentified:        "identified",
	StateAwaitingTask:      "awaiting_task",
	StateComputing:         "computing",
	StateReportedOrAborted: "reported_or_aborted",
	StateClosed:            "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
