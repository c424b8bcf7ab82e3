package worker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
)

const testWait = 2 * time.Second

func testConfig() config.Worker {
	cfg := config.DefaultWorker()
	cfg.Parallelism = 2
	cfg.Seed = 42
	cfg.DialAttempts = 2
	cfg.DialBackoff = 10 * time.Millisecond
	return cfg
}

// fakeCoordinator is the coordinator end of a net.Pipe.
type fakeCoordinator struct {
	t    *testing.T
	conn net.Conn
}

func newPipe(t *testing.T, cfg config.Worker) (*Client, *fakeCoordinator) {
	t.Helper()
	workerEnd, coordEnd := net.Pipe()
	t.Cleanup(func() {
		_ = workerEnd.Close()
		_ = coordEnd.Close()
	})
	return NewClient(workerEnd, cfg, zaptest.NewLogger(t)), &fakeCoordinator{t: t, conn: coordEnd}
}

func (f *fakeCoordinator) read() string {
	_ = f.conn.SetReadDeadline(time.Now().Add(testWait))
	payload, err := cluster.ReadFrame(f.conn)
	if err != nil {
		f.t.Errorf("coordinator read: %v", err)
	}
	return payload
}

func (f *fakeCoordinator) send(payload string) {
	_ = f.conn.SetWriteDeadline(time.Now().Add(testWait))
	if err := cluster.WriteFrame(f.conn, payload); err != nil {
		f.t.Errorf("coordinator write: %v", err)
	}
}

type runOutcome struct {
	res Result
	err error
}

func runAsync(ctx context.Context, c *Client, name string) <-chan runOutcome {
	out := make(chan runOutcome, 1)
	go func() {
		res, err := c.Run(ctx, name)
		out <- runOutcome{res, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(testWait):
		t.Fatal("Run did not return")
		return runOutcome{}
	}
}

func TestRunLeaveAfterReport(t *testing.T) {
	cfg := testConfig()
	cfg.LeaveAfterReport = true
	c, coord := newPipe(t, cfg)

	done := runAsync(context.Background(), c, "alice")

	assert.Equal(t, "alice", coord.read())
	coord.send("500")
	result := coord.read()
	assert.Equal(t, cluster.LeaveToken, coord.read())

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "alice", o.res.Name)
	assert.Equal(t, int64(500), o.res.TaskSize)
	assert.Equal(t, int64(500), o.res.Tally.Points)
	assert.Equal(t, cluster.FormatEstimate(o.res.Estimate), result)

	v, err := strconv.ParseFloat(result, 64)
	require.NoError(t, err)
	assert.InDelta(t, 3.14, v, 0.5)
}

func TestRunWaitsUntilCoordinatorCloses(t *testing.T) {
	c, coord := newPipe(t, testConfig())
	done := runAsync(context.Background(), c, "alice")

	coord.read()
	coord.send("100")
	coord.read()

	select {
	case <-done:
		t.Fatal("Run returned before being released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, coord.conn.Close())
	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, int64(100), o.res.TaskSize)
}

func TestRunCancelAfterReport(t *testing.T) {
	c, coord := newPipe(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, c, "alice")

	coord.read()
	coord.send("100")
	coord.read()

	cancel()
	assert.Equal(t, cluster.LeaveToken, coord.read())

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, int64(100), o.res.Tally.Points)
}

func TestRunCancelBeforeTask(t *testing.T) {
	c, coord := newPipe(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, c, "alice")

	assert.Equal(t, "alice", coord.read())
	cancel()
	assert.Equal(t, cluster.LeaveToken, coord.read())

	o := wait(t, done)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Zero(t, o.res.TaskSize)
}

func TestRunInvalidTask(t *testing.T) {
	for _, payload := range []string{"abc", "0", "-5"} {
		t.Run(payload, func(t *testing.T) {
			c, coord := newPipe(t, testConfig())
			done := runAsync(context.Background(), c, "alice")

			coord.read()
			coord.send(payload)

			o := wait(t, done)
			assert.ErrorIs(t, o.err, cluster.ErrProtocolViolation)
		})
	}
}

func TestRunCoordinatorGone(t *testing.T) {
	c, coord := newPipe(t, testConfig())
	done := runAsync(context.Background(), c, "alice")

	coord.read()
	require.NoError(t, coord.conn.Close())

	o := wait(t, done)
	assert.ErrorIs(t, o.err, cluster.ErrConnectionLost)
}

func TestRunInvalidName(t *testing.T) {
	c, _ := newPipe(t, testConfig())
	_, err := c.Run(context.Background(), "x")
	assert.ErrorIs(t, err, cluster.ErrProtocolViolation)
}

func TestRunDeterministicWithSeed(t *testing.T) {
	estimate := func() float64 {
		cfg := testConfig()
		cfg.LeaveAfterReport = true
		c, coord := newPipe(t, cfg)
		done := runAsync(context.Background(), c, "alice")
		coord.read()
		coord.send("10000")
		coord.read()
		coord.read()
		o := wait(t, done)
		require.NoError(t, o.err)
		return o.res.Estimate
	}
	assert.Equal(t, estimate(), estimate())
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().(*net.TCPAddr).Port, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(testWait):
		t.Fatal("coordinator never saw the connection")
	}
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), port, testConfig(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, cluster.ErrConnectionLost)
}

func TestDialCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.DialAttempts = 100
	cfg.DialBackoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, port, cfg, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
