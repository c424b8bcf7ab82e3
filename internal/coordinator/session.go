package coordinator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
)

// session runs the protocol for one worker connection. It is owned by the
// goroutine that calls run; the registry only holds a reference to its
// Member for broadcast and removal.
type session struct {
	connectedAt time.Time
	conn        net.Conn
	srv         *Server
	member      *Member
	logger      *zap.Logger
	id          uint64
	state       State
	endedIn     State
}

func newSession(srv *Server, conn net.Conn, id uint64) *session {
	return &session{
		srv:         srv,
		conn:        conn,
		id:          id,
		connectedAt: time.Now(),
		state:       StateConnected,
		logger: srv.logger.With(
			zap.Uint64("worker_id", id),
			zap.Stringer("remote", conn.RemoteAddr()),
		),
	}
}

// run drives the session to completion. The returned error says why the
// session ended early; nil means the worker left normally. Cleanup runs on
// every path.
func (s *session) run() (err error) {
	defer s.close()
	defer func() {
		if err != nil {
			s.setState(StateReportedOrAborted)
		}
	}()

	name, err := s.identify()
	if err != nil {
		return err
	}
	if err := s.join(name); err != nil {
		return err
	}

	reported, err := s.awaitResult()
	if err != nil || !reported {
		return err
	}
	return s.awaitLeave()
}

func (s *session) identify() (string, error) {
	payload, err := s.read()
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	if err := cluster.ValidateName(payload); err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}
	return payload, nil
}

// join registers the worker and consults the gate. The session whose join
// completes the group dispatches the task to everyone, itself included.
func (s *session) join(name string) error {
	m := NewMember(s.id, name, s.conn, s.connectedAt)
	slot, occupied, err := s.srv.registry.Add(m)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	s.member = m
	s.state = StateIdentified
	s.logger = s.logger.With(zap.String("name", name), zap.Int("slot", slot))
	s.logger.Info("worker identified",
		zap.Int("occupied", occupied),
		zap.Int("group_size", s.srv.registry.Capacity()))

	if s.srv.gate.Observe(occupied) == DispatchNow {
		s.srv.dispatch(m)
	}

	// Dispatch may already have moved the member to computing.
	m.advance(StateAwaitingTask, StateIdentified)
	s.state = m.State()
	return nil
}

// awaitResult waits for the worker's single estimate. It reports false with
// a nil error when the worker left without reporting.
func (s *session) awaitResult() (bool, error) {
	payload, err := s.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.logger.Warn("worker left before reporting")
			return false, nil
		}
		return false, fmt.Errorf("await result: %w", err)
	}
	if cluster.IsLeave(payload) {
		s.logger.Warn("worker left before reporting")
		return false, nil
	}
	if s.member.State() != StateComputing {
		return false, fmt.Errorf("%w: result %q before task dispatch", cluster.ErrProtocolViolation, payload)
	}

	value, coerced, err := cluster.ParseEstimate(payload, s.srv.cfg.ResultPolicy)
	if err != nil {
		return false, fmt.Errorf("parse result: %w", err)
	}
	if coerced {
		s.logger.Warn("unparsable result recorded as zero", zap.String("payload", payload))
	}

	s.setState(StateReportedOrAborted)
	_, complete, err := s.srv.aggregator.Record(s.id, s.member.Name(), value)
	if err != nil {
		return false, fmt.Errorf("record result: %w", err)
	}

	reported, expected := s.srv.aggregator.Progress()
	s.logger.Info("result received",
		zap.Float64("estimate", value),
		zap.Int("reported", reported),
		zap.Int("expected", expected))
	if complete {
		s.srv.logReport()
	}
	return true, nil
}

// awaitLeave drains the connection until the worker closes it or sends the
// leave token. No read deadline applies: a reported worker may stay
// connected as long as it likes.
func (s *session) awaitLeave() error {
	_ = s.conn.SetReadDeadline(time.Time{})
	for {
		payload, err := cluster.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("await leave: %w", err)
		}
		s.srv.registry.Touch(s.id)
		if cluster.IsLeave(payload) {
			return nil
		}
		s.logger.Debug("ignoring frame after result", zap.String("payload", payload))
	}
}

func (s *session) read() (string, error) {
	if t := s.srv.cfg.ReadTimeout; t > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(t))
	}
	payload, err := cluster.ReadFrame(s.conn)
	if err == nil && s.member != nil {
		s.srv.registry.Touch(s.id)
	}
	return payload, err
}

// currentState is the member's state once registered. Another session's
// dispatch moves the member forward without touching s.state.
func (s *session) currentState() State {
	if s.member != nil {
		return s.member.State()
	}
	return s.state
}

func (s *session) setState(st State) {
	s.state = st
	if s.member != nil {
		s.member.setState(st)
	}
}

func (s *session) close() {
	s.endedIn = s.currentState()
	_ = s.conn.Close()
	if s.member != nil {
		s.srv.registry.Remove(s.id)
	}
	s.setState(StateClosed)
	s.srv.untrack(s.conn)
}
