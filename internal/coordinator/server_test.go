package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
)

const testWait = 2 * time.Second

func testConfig(groupSize int, totalPoints int64) config.Coordinator {
	cfg := config.DefaultCoordinator()
	cfg.GroupSize = groupSize
	cfg.TotalPoints = totalPoints
	cfg.WriteTimeout = time.Second
	return cfg
}

// startServer runs a coordinator on a loopback port and stops it when the
// test ends.
func startServer(t *testing.T, cfg config.Coordinator) (*Server, string) {
	t.Helper()

	ln, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)

	srv := New(cfg, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(testWait):
			t.Error("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testWait)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and identifies as name.
func join(t *testing.T, addr, name string) net.Conn {
	t.Helper()
	conn := dial(t, addr)
	require.NoError(t, cluster.WriteFrame(conn, name))
	return conn
}

func readFrame(t *testing.T, conn net.Conn) (string, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	return cluster.ReadFrame(conn)
}

func readTask(t *testing.T, conn net.Conn) int64 {
	t.Helper()
	payload, err := readFrame(t, conn)
	require.NoError(t, err)
	size, err := cluster.ParseTaskSize(payload)
	require.NoError(t, err)
	return size
}

// requireClosedByServer asserts the coordinator has closed conn.
func requireClosedByServer(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := readFrame(t, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrConnectionLost)
}

func waitOccupied(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Registry().OccupiedCount() == n },
		testWait, 5*time.Millisecond, "expected %d registered workers", n)
}

func waitDone(t *testing.T, srv *Server) cluster.Report {
	t.Helper()
	select {
	case <-srv.Aggregator().Done():
	case <-time.After(testWait):
		t.Fatal("round did not complete")
	}
	report, ok := srv.Aggregator().Result()
	require.True(t, ok)
	return report
}

func TestServerFullRound(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	var completed []cluster.Report
	srv.Aggregator().SetOnComplete(func(r cluster.Report) { completed = append(completed, r) })

	alice := join(t, addr, "alice")
	waitOccupied(t, srv, 1)
	assert.False(t, srv.Gate().Fired())

	bob := join(t, addr, "bob")

	assert.Equal(t, int64(500), readTask(t, alice))
	assert.Equal(t, int64(500), readTask(t, bob))
	assert.True(t, srv.Gate().Fired())

	require.NoError(t, cluster.WriteFrame(alice, "3.10000000"))
	require.NoError(t, cluster.WriteFrame(bob, "3.20000000"))

	report := waitDone(t, srv)
	assert.InDelta(t, 3.15, report.Mean, 1e-9)
	assert.Equal(t, 2, report.Workers)
	assert.Equal(t, int64(500), report.TaskSize)
	require.Len(t, completed, 1)
	assert.Equal(t, report, completed[0])

	// Both stay connected after reporting until they leave.
	assert.Equal(t, 2, srv.Registry().OccupiedCount())
	require.NoError(t, cluster.WriteFrame(alice, cluster.LeaveToken))
	require.NoError(t, bob.Close())
	waitOccupied(t, srv, 0)

	_, ok := srv.Aggregator().Result()
	assert.True(t, ok, "report survives disconnects")
}

func TestServerRemainderIsDropped(t *testing.T) {
	_, addr := startServer(t, testConfig(3, 1000))

	conns := []net.Conn{join(t, addr, "w1"), join(t, addr, "w2"), join(t, addr, "w3")}
	for _, c := range conns {
		assert.Equal(t, int64(333), readTask(t, c))
	}
}

func TestServerInvalidNameDoesNotCount(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	bad := join(t, addr, "a")
	requireClosedByServer(t, bad)
	assert.Equal(t, 0, srv.Registry().OccupiedCount())

	good := join(t, addr, "alice")
	waitOccupied(t, srv, 1)
	assert.False(t, srv.Gate().Fired(), "a rejected identity must not count toward the group")

	other := join(t, addr, "bob")
	assert.Equal(t, int64(500), readTask(t, good))
	assert.Equal(t, int64(500), readTask(t, other))
}

func TestServerDisconnectBeforeIdentify(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	quitter := dial(t, addr)
	require.NoError(t, quitter.Close())

	alice := join(t, addr, "alice")
	waitOccupied(t, srv, 1)
	assert.False(t, srv.Gate().Fired())

	bob := join(t, addr, "bob")
	assert.Equal(t, int64(500), readTask(t, alice))
	assert.Equal(t, int64(500), readTask(t, bob))
}

func TestServerDisconnectAfterReporting(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	alice := join(t, addr, "alice")
	bob := join(t, addr, "bob")
	readTask(t, alice)
	readTask(t, bob)

	require.NoError(t, cluster.WriteFrame(alice, "3.14"))
	require.Eventually(t, func() bool {
		reported, _ := srv.Aggregator().Progress()
		return reported == 1
	}, testWait, 5*time.Millisecond)

	require.NoError(t, alice.Close())
	waitOccupied(t, srv, 1)

	require.NoError(t, cluster.WriteFrame(bob, "3.16"))
	report := waitDone(t, srv)
	assert.InDelta(t, 3.15, report.Mean, 1e-9)
}

func TestServerResultBeforeDispatch(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	eager := join(t, addr, "eager")
	waitOccupied(t, srv, 1)
	require.NoError(t, cluster.WriteFrame(eager, "3.14"))

	requireClosedByServer(t, eager)
	waitOccupied(t, srv, 0)
	reported, _ := srv.Aggregator().Progress()
	assert.Zero(t, reported)
}

func TestServerCapacityExceeded(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	alice := join(t, addr, "alice")
	bob := join(t, addr, "bob")
	readTask(t, alice)
	readTask(t, bob)

	late := join(t, addr, "late")
	requireClosedByServer(t, late)
	assert.Equal(t, 2, srv.Registry().OccupiedCount())
}

func TestServerResultPolicy(t *testing.T) {
	t.Run("coerce records zero", func(t *testing.T) {
		cfg := testConfig(1, 100)
		cfg.ResultPolicy = cluster.PolicyCoerce
		srv, addr := startServer(t, cfg)

		solo := join(t, addr, "solo")
		assert.Equal(t, int64(100), readTask(t, solo))
		require.NoError(t, cluster.WriteFrame(solo, "garbage"))

		report := waitDone(t, srv)
		assert.Equal(t, 0.0, report.Mean)
	})

	t.Run("reject aborts the session", func(t *testing.T) {
		cfg := testConfig(1, 100)
		cfg.ResultPolicy = cluster.PolicyReject
		srv, addr := startServer(t, cfg)

		solo := join(t, addr, "solo")
		readTask(t, solo)
		require.NoError(t, cluster.WriteFrame(solo, "garbage"))

		requireClosedByServer(t, solo)
		_, ok := srv.Aggregator().Result()
		assert.False(t, ok)
	})
}

func TestServerLeaveBeforeReporting(t *testing.T) {
	srv, addr := startServer(t, testConfig(2, 1000))

	alice := join(t, addr, "alice")
	bob := join(t, addr, "bob")
	readTask(t, alice)
	readTask(t, bob)

	require.NoError(t, cluster.WriteFrame(alice, cluster.LeaveToken))
	requireClosedByServer(t, alice)
	waitOccupied(t, srv, 1)

	reported, expected := srv.Aggregator().Progress()
	assert.Zero(t, reported)
	assert.Equal(t, 2, expected)
}

func TestServerReadTimeout(t *testing.T) {
	cfg := testConfig(2, 1000)
	cfg.ReadTimeout = 200 * time.Millisecond
	srv, addr := startServer(t, cfg)

	silent := dial(t, addr)
	requireClosedByServer(t, silent)

	waiting := join(t, addr, "alice")
	waitOccupied(t, srv, 1)
	requireClosedByServer(t, waiting)
	waitOccupied(t, srv, 0)
}

func TestServerShutdownClosesSessions(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)

	srv := New(testConfig(3, 1000), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	alice := join(t, addr, "alice")
	pending := dial(t, addr)
	waitOccupied(t, srv, 1)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Serve did not return after cancel")
	}

	requireClosedByServer(t, alice)
	requireClosedByServer(t, pending)
	assert.Equal(t, 0, srv.Registry().OccupiedCount())

	_, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestListenPortInUse(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, cluster.ErrConfiguration)
}

func TestNextAcceptDelay(t *testing.T) {
	d := nextAcceptDelay(0)
	assert.Equal(t, 5*time.Millisecond, d)
	for i := 0; i < 20; i++ {
		d = nextAcceptDelay(d)
	}
	assert.Equal(t, maxAcceptDelay, d)
}
