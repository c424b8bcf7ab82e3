package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
	"github.com/dreamware/montepi/internal/ledger"
	"github.com/dreamware/montepi/internal/sampling"
)

const maxAcceptDelay = time.Second

// Server is the coordinator: it owns the registry, the readiness gate and
// the aggregator for one round, and runs one session goroutine per accepted
// connection.
type Server struct {
	logger     *zap.Logger
	registry   *Registry
	gate       *Gate
	aggregator *Aggregator
	ledger     *ledger.MemoryStore
	stalls     atomic.Pointer[StallMonitor]
	conns      map[net.Conn]struct{}
	cfg        config.Coordinator
	wg         sync.WaitGroup
	mu         sync.Mutex
	nextID     atomic.Uint64
}

// New creates a coordinator for cfg. cfg is expected to have passed
// Validate.
func New(cfg config.Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := ledger.NewMemoryStore()
	agg := NewAggregator(cfg.GroupSize, store, logger)
	logger = logger.With(zap.String("round", agg.RoundID()))

	return &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   NewRegistry(cfg.GroupSize, cfg.WriteTimeout, logger),
		gate:       NewGate(cfg.GroupSize),
		aggregator: agg,
		ledger:     store,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen opens the coordinator's TCP listener. Failures are configuration
// errors: the operator picked a host or port that cannot be bound.
func Listen(host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", cluster.ErrConfiguration, addr, err)
	}
	return ln, nil
}

// Registry returns the worker registry.
func (s *Server) Registry() *Registry { return s.registry }

// Gate returns the readiness gate.
func (s *Server) Gate() *Gate { return s.gate }

// Aggregator returns the result aggregator.
func (s *Server) Aggregator() *Aggregator { return s.aggregator }

// SetStallMonitor attaches the monitor whose flags the status API reports.
// A server without one reports no worker as stalled.
func (s *Server) SetStallMonitor(m *StallMonitor) { s.stalls.Store(m) }

// Config returns the settings the server was created with.
func (s *Server) Config() config.Coordinator { return s.cfg }

// Serve accepts connections on ln until ctx is cancelled or ln fails, and
// runs a session for each one. The accept loop never waits on a session.
//
// On return every connection has been closed and every session has
// finished. Serve returns nil when stopped by ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("coordinator accepting workers",
		zap.Stringer("addr", ln.Addr()),
		zap.Int("group_size", s.cfg.GroupSize),
		zap.Int64("total_points", s.cfg.TotalPoints),
		zap.Int64("task_size", sampling.TaskSize(s.cfg.TotalPoints, s.cfg.GroupSize)))

	var (
		serveErr error
		delay    time.Duration
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accept: %w", err)
				break
			}
			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		s.track(conn)
		s.wg.Add(1)
		go s.handle(conn, s.nextID.Add(1))
	}

	s.closeAll()
	s.wg.Wait()
	s.logger.Info("coordinator stopped")
	return serveErr
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptDelay)
}

func (s *Server) handle(conn net.Conn, id uint64) {
	defer s.wg.Done()

	sess := newSession(s, conn, id)
	sess.logger.Debug("worker connected")
	err := sess.run()

	fields := []zap.Field{zap.Stringer("last_state", sess.endedIn)}
	switch {
	case err == nil:
		sess.logger.Info("worker disconnected", fields...)
	case errors.Is(err, cluster.ErrConnectionLost):
		sess.logger.Info("worker connection lost", append(fields, zap.Error(err))...)
	default:
		sess.logger.Warn("worker session aborted", append(fields, zap.Error(err))...)
	}
}

// dispatch sends the per-worker task size to every registered member. It is
// called exactly once, by the session whose registration completed the group.
func (s *Server) dispatch(trigger *Member) {
	size := sampling.TaskSize(s.cfg.TotalPoints, s.cfg.GroupSize)
	s.aggregator.MarkDispatched(size, time.Now())
	delivered := s.registry.Broadcast(cluster.FormatTaskSize(size), NoExclusion)

	fields := []zap.Field{
		zap.Int64("task_size", size),
		zap.Int("delivered", delivered),
		zap.Int("group_size", s.cfg.GroupSize),
		zap.String("completed_by", trigger.Name()),
	}
	if delivered < s.cfg.GroupSize {
		s.logger.Warn("group complete, task only partially delivered", fields...)
		return
	}
	s.logger.Info("group complete, task dispatched", fields...)
}

func (s *Server) logReport() {
	report, ok := s.aggregator.Result()
	if !ok {
		return
	}
	stats := s.ledger.Stats()
	s.logger.Info("round complete",
		zap.Float64("mean", report.Mean),
		zap.String("pi", cluster.FormatEstimate(report.Mean)),
		zap.Duration("elapsed", report.Elapsed),
		zap.Int("workers", report.Workers),
		zap.Int64("task_size", report.TaskSize),
		zap.Float64("min_estimate", stats.Min),
		zap.Float64("max_estimate", stats.Max))
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeAll closes every open connection, identified or not, so blocked
// session reads return.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
