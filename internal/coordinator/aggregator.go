package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/ledger"
)

// Aggregator accumulates one estimate per worker and emits the mean exactly
// once, when the expected number of estimates has arrived.
//
// Thread Safety:
// Record, MarkDispatched, Result and Progress are safe for concurrent use.
// The completion callback runs on the goroutine whose Record completed the
// round, after the lock is released and before Done is closed.
type Aggregator struct {
	dispatchedAt time.Time
	store        ledger.Store
	logger       *zap.Logger
	onComplete   func(cluster.Report)
	done         chan struct{}
	report       *cluster.Report
	roundID      string
	sum          float64
	taskSize     int64
	count        int
	expected     int
	mu           sync.Mutex
}

// NewAggregator creates an aggregator expecting expected estimates. Every
// recorded estimate is also written to store.
func NewAggregator(expected int, store ledger.Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	return &Aggregator{
		expected: expected,
		store:    store,
		logger:   logger,
		roundID:  uuid.NewString(),
		done:     make(chan struct{}),
	}
}

// SetOnComplete registers fn to receive the final report. It must be called
// before the round can complete.
func (a *Aggregator) SetOnComplete(fn func(cluster.Report)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onComplete = fn
}

// RoundID identifies this aggregator's round in logs and reports.
func (a *Aggregator) RoundID() string {
	return a.roundID
}

// MarkDispatched records when and how much work was sent out. Elapsed time
// in the report is measured from here.
func (a *Aggregator) MarkDispatched(taskSize int64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskSize = taskSize
	a.dispatchedAt = at
}

// Record adds one worker's estimate. When it is the last expected estimate,
// the mean is computed and the returned bool is true.
//
// Returns cluster.ErrRoundComplete, without changing any state, if every
// expected estimate has already been recorded.
func (a *Aggregator) Record(workerID uint64, name string, value float64) (cluster.Report, bool, error) {
	now := time.Now()

	a.mu.Lock()
	if a.count >= a.expected {
		a.mu.Unlock()
		return cluster.Report{}, false, cluster.ErrRoundComplete
	}

	a.sum += value
	a.count++

	if err := a.store.Record(cluster.Contribution{
		WorkerID:   workerID,
		Name:       name,
		Estimate:   value,
		RecordedAt: now,
	}); err != nil {
		a.logger.Warn("failed to record contribution", zap.Uint64("worker_id", workerID), zap.Error(err))
	}

	if a.count < a.expected {
		a.mu.Unlock()
		return cluster.Report{}, false, nil
	}

	report := cluster.Report{
		RoundID:     a.roundID,
		Mean:        a.sum / float64(a.expected),
		Sum:         a.sum,
		Workers:     a.expected,
		TaskSize:    a.taskSize,
		CompletedAt: now,
	}
	if !a.dispatchedAt.IsZero() {
		report.Elapsed = now.Sub(a.dispatchedAt)
	}
	a.report = &report
	onComplete := a.onComplete
	a.mu.Unlock()

	if onComplete != nil {
		onComplete(report)
	}
	close(a.done)
	return report, true, nil
}

// Done is closed once the final report is available and the completion
// callback has returned.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Result returns the final report once the round is complete.
func (a *Aggregator) Result() (cluster.Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.report == nil {
		return cluster.Report{}, false
	}
	return *a.report, true
}

// Progress returns how many estimates have been recorded out of how many
// are expected.
func (a *Aggregator) Progress() (reported, expected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.expected
}

// Contribution returns the estimate recorded for one worker. ok is false if
// the worker has not reported.
func (a *Aggregator) Contribution(workerID uint64) (c cluster.Contribution, ok bool) {
	c, err := a.store.Get(workerID)
	if err != nil {
		return cluster.Contribution{}, false
	}
	return c, true
}

// Contributions lists the recorded per-worker estimates.
func (a *Aggregator) Contributions() []cluster.Contribution {
	return a.store.List()
}
