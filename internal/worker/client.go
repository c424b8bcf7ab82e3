// Package worker implements the worker side of a montepi round: connect to
// the coordinator, identify, wait for a task size, estimate π over that many
// points, report the estimate, and leave.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
	"github.com/dreamware/montepi/internal/sampling"
)

// leaveTimeout bounds the best-effort write of the leave token.
const leaveTimeout = 2 * time.Second

// Result describes the work one Run performed.
type Result struct {
	Name     string
	Tally    sampling.Tally
	TaskSize int64
	Estimate float64
	Elapsed  time.Duration
}

// Client is one worker's connection to the coordinator. A Client runs a
// single round and is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	logger *zap.Logger
	cfg    config.Worker
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, cfg config.Worker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, cfg: cfg, logger: logger}
}

// Dial connects to the coordinator at host:port, retrying up to
// cfg.DialAttempts times with cfg.DialBackoff between attempts so a worker
// may start before its coordinator.
func Dial(ctx context.Context, port int, cfg config.Worker, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := net.JoinHostPort(cfg.CoordinatorHost, strconv.Itoa(port))

	var (
		d       net.Dialer
		lastErr error
	)
	for attempt := 1; attempt <= max(cfg.DialAttempts, 1); attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			logger.Info("connected to coordinator", zap.String("addr", addr), zap.Int("attempt", attempt))
			return NewClient(conn, cfg, logger), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("dial failed", zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(cfg.DialBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %w", cluster.ErrConnectionLost, addr, lastErr)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run plays one round under name.
//
// Cancelling ctx before the estimate is sent makes Run send the leave token
// and return ctx.Err(). After the estimate is sent, Run waits until ctx is
// cancelled or the coordinator closes the connection, then leaves and
// returns the result with a nil error. With LeaveAfterReport set it leaves
// immediately instead.
func (c *Client) Run(ctx context.Context, name string) (Result, error) {
	res := Result{Name: name}
	if err := cluster.ValidateName(name); err != nil {
		return res, err
	}

	// Cancellation unblocks pending reads; writes stay usable for the
	// leave token.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	logger := c.logger.With(zap.String("name", name))

	if err := cluster.WriteFrame(c.conn, name); err != nil {
		return res, fmt.Errorf("send identity: %w", err)
	}
	logger.Info("identified, waiting for the group to fill")

	payload, err := cluster.ReadFrame(c.conn)
	if err != nil {
		return res, c.abort(ctx, fmt.Errorf("await task: %w", err))
	}
	if cluster.IsLeave(payload) {
		return res, fmt.Errorf("%w: coordinator sent leave before the task", cluster.ErrConnectionLost)
	}
	if res.TaskSize, err = cluster.ParseTaskSize(payload); err != nil {
		return res, c.abort(ctx, fmt.Errorf("await task: %w", err))
	}
	logger.Info("task received", zap.Int64("points", res.TaskSize))

	start := time.Now()
	res.Tally, err = sampling.CountParallel(ctx, res.TaskSize, c.cfg.Parallelism, c.seed())
	if err != nil {
		return res, c.abort(ctx, fmt.Errorf("sample: %w", err))
	}
	res.Elapsed = time.Since(start)
	res.Estimate = res.Tally.Estimate()

	if err := cluster.WriteFrame(c.conn, cluster.FormatEstimate(res.Estimate)); err != nil {
		return res, fmt.Errorf("send result: %w", err)
	}
	logger.Info("result sent",
		zap.String("estimate", cluster.FormatEstimate(res.Estimate)),
		zap.Int64("inside", res.Tally.Inside),
		zap.Int64("outside", res.Tally.Outside()),
		zap.Duration("elapsed", res.Elapsed))

	if !c.cfg.LeaveAfterReport {
		c.awaitRelease(ctx, logger)
	}
	c.leave(logger)
	return res, nil
}

// awaitRelease blocks until ctx is cancelled or the coordinator hangs up.
// The coordinator sends nothing after the task, so stray frames are ignored.
func (c *Client) awaitRelease(ctx context.Context, logger *zap.Logger) {
	for {
		payload, err := cluster.ReadFrame(c.conn)
		switch {
		case err == nil:
			logger.Debug("ignoring frame after result", zap.String("payload", payload))
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			logger.Info("coordinator closed the connection")
		default:
			logger.Warn("connection ended after result", zap.Error(err))
		}
		return
	}
}

// abort leaves the round early. It returns ctx.Err() when the cause was
// cancellation and err otherwise.
func (c *Client) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.leave(c.logger)
		return ctx.Err()
	}
	return err
}

func (c *Client) leave(logger *zap.Logger) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(leaveTimeout))
	if err := cluster.WriteFrame(c.conn, cluster.LeaveToken); err != nil {
		logger.Debug("leave not delivered", zap.Error(err))
		return
	}
	logger.Info("left the round")
}

func (c *Client) seed() uint64 {
	if c.cfg.Seed != 0 {
		return c.cfg.Seed
	}
	return rand.Uint64()
}
