// Package main implements the montepi coordinator, which waits for a fixed
// group of workers, hands each an equal share of the sample points, and
// prints the mean of their π estimates.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  TCP :<port>     - worker sessions      │
//	│  HTTP STATUS_ADDR (optional):           │
//	│    /health       - Health check         │
//	│    /workers      - Registry snapshot    │
//	│    /result       - Round progress       │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Server        - Accept loop          │
//	│    StallMonitor  - Idle worker warnings │
//	└─────────────────────────────────────────┘
//
// Configuration (environment, or the YAML file named by MONTEPI_CONFIG):
//   - GROUP_SIZE: Workers per round (default: 2)
//   - TOTAL_POINTS: Points shared by the group (default: 1000)
//   - LISTEN_HOST: Interface to bind (default: "127.0.0.1")
//   - READ_TIMEOUT: Abort silent workers after this long (default: off)
//   - WRITE_TIMEOUT: Deadline for each task delivery (default: 5s)
//   - RESULT_POLICY: "coerce" or "reject" unparsable results (default: coerce)
//   - STALL_AFTER: Warn about workers computing longer than this (default: 30s)
//   - STATUS_ADDR: Status API listen address (default: disabled)
//   - LOG_DEV: Human-readable development logging when set
//
// Example usage:
//
//	GROUP_SIZE=4 TOTAL_POINTS=4000000 STATUS_ADDR=:8080 ./coordinator 5000
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
	"github.com/dreamware/montepi/internal/coordinator"
)

// logFatal is a variable to allow intercepting fatal errors in tests
// without terminating the test process.
var logFatal = func(logger *zap.Logger, msg string, err error) {
	logger.Fatal(msg, zap.Error(err))
}

func main() {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		logFatal(logger, "coordinator failed", err)
	}
}

// run starts the coordinator on the port named in args and serves until ctx
// is cancelled. The final mean is printed to out when the round completes,
// as is a line for each worker the stall monitor flags.
func run(ctx context.Context, args []string, out io.Writer, logger *zap.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: coordinator <port>", cluster.ErrConfiguration)
	}
	port, err := config.ParsePort(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}

	ln, err := coordinator.Listen(cfg.ListenHost, port)
	if err != nil {
		return err
	}

	srv := coordinator.New(cfg, logger)
	srv.Aggregator().SetOnComplete(func(r cluster.Report) {
		fmt.Fprintf(out, "pi ~ %s (%d workers, %d points each, %s)\n",
			cluster.FormatEstimate(r.Mean), r.Workers, r.TaskSize, r.Elapsed)
	})

	var monitor *coordinator.StallMonitor
	if cfg.StallAfter > 0 {
		monitor = coordinator.NewStallMonitor(stallInterval(cfg.StallAfter), cfg.StallAfter, logger)
		monitor.SetOnStalled(func(w cluster.WorkerInfo) {
			fmt.Fprintf(out, "worker %s (id %d) stalled: no result after %s\n",
				w.Name, w.ID, cfg.StallAfter)
		})
		srv.SetStallMonitor(monitor)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var status *http.Server
	statusDone := make(chan struct{})
	if cfg.StatusAddr != "" {
		statusLn, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("%w: status listener: %w", cluster.ErrConfiguration, err)
		}
		status = &http.Server{
			Handler:           srv.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("status API listening", zap.Stringer("addr", statusLn.Addr()))
		go func() {
			defer close(statusDone)
			if err := status.Serve(statusLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API failed", zap.Error(err))
			}
		}()
	} else {
		close(statusDone)
	}

	monitorDone := make(chan struct{})
	if monitor != nil {
		go func() {
			defer close(monitorDone)
			monitor.Start(ctx, srv.Registry().Snapshot)
		}()
	} else {
		close(monitorDone)
	}

	serveErr := srv.Serve(ctx, ln)
	cancel()

	if status != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status API shutdown", zap.Error(err))
		}
	}
	<-statusDone
	<-monitorDone
	return serveErr
}

// stallInterval scans four times per threshold, but no more often than
// every 100ms.
func stallInterval(threshold time.Duration) time.Duration {
	return max(threshold/4, 100*time.Millisecond)
}

func newLogger() *zap.Logger {
	build := zap.NewProduction
	if os.Getenv("LOG_DEV") != "" {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
