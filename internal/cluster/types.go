package cluster

import (
	"fmt"
	"strings"
	"time"
)

// ResultPolicy decides what happens to a result payload that does not parse
// as a number.
type ResultPolicy string

const (
	// PolicyCoerce records an unparsable result as 0.
	PolicyCoerce ResultPolicy = "coerce"
	// PolicyReject aborts the session with ErrProtocolViolation.
	PolicyReject ResultPolicy = "reject"
)

// ParseResultPolicy maps a configuration string to a ResultPolicy.
// The empty string selects PolicyCoerce.
func ParseResultPolicy(s string) (ResultPolicy, error) {
	switch ResultPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyCoerce:
		return PolicyCoerce, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: unknown result policy %q", ErrConfiguration, s)
	}
}

// WorkerInfo is a point-in-time view of one registered worker.
type WorkerInfo struct {
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Name         string    `json:"name"`
	Addr         string    `json:"addr"`
	State        string    `json:"state"`
	ID           uint64    `json:"id"`
	Slot         int       `json:"slot"`
	Stalled      bool      `json:"stalled"`
}

// Report is the final outcome of one round.
type Report struct {
	CompletedAt time.Time     `json:"completed_at"`
	RoundID     string        `json:"round_id"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Mean        float64       `json:"mean"`
	Sum         float64       `json:"sum"`
	Workers     int           `json:"workers"`
	TaskSize    int64         `json:"task_size"`
}

// Contribution is a single worker's recorded estimate.
type Contribution struct {
	RecordedAt time.Time `json:"recorded_at"`
	Name       string    `json:"name"`
	Estimate   float64   `json:"estimate"`
	WorkerID   uint64    `json:"worker_id"`
}
