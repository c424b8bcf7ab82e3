// Package main implements the montepi worker. It joins a coordinator's
// round, estimates π over the number of points it is assigned, and reports
// the estimate back.
//
// The worker name comes from WORKER_NAME or, when unset, is read from the
// first line of standard input. Typing "exit" afterwards leaves the round;
// SIGINT and SIGTERM do the same.
//
// Configuration (environment, or the YAML file named by MONTEPI_CONFIG):
//   - COORDINATOR_HOST: Coordinator address (default: "127.0.0.1")
//   - WORKER_NAME: Display name, 2-31 printable characters
//   - WORKER_PARALLELISM: Sampling goroutines (default: number of CPUs)
//   - WORKER_SEED: Fixed generator seed for reproducible runs (default: random)
//   - DIAL_ATTEMPTS, DIAL_BACKOFF: Connection retries (default: 10, 400ms)
//   - LEAVE_AFTER_REPORT: Leave as soon as the estimate is sent
//   - LOG_DEV: Human-readable development logging when set
//
// Example usage:
//
//	WORKER_NAME=alice ./worker 5000
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
	"github.com/dreamware/montepi/internal/worker"
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

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, logger); err != nil {
		logFatal(logger, "worker failed", err)
	}
}

// run joins the coordinator on the port named in args and plays one round.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: worker <port>", cluster.ErrConfiguration)
	}
	port, err := config.ParsePort(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	name := cfg.Name
	if name == "" {
		if name, err = promptName(lines, out); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchForExit(lines, cancel)

	client, err := worker.Dial(ctx, port, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Run(ctx, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "points inside: %d\npoints outside: %d\npi = %s\n",
		res.Tally.Inside, res.Tally.Outside(), cluster.FormatEstimate(res.Estimate))
	return nil
}

func promptName(lines *bufio.Scanner, out io.Writer) (string, error) {
	fmt.Fprint(out, "worker name: ")
	if !lines.Scan() {
		if err := lines.Err(); err != nil {
			return "", fmt.Errorf("%w: read name: %w", cluster.ErrConfiguration, err)
		}
		return "", fmt.Errorf("%w: no name given", cluster.ErrConfiguration)
	}
	name := strings.TrimSpace(lines.Text())
	if err := cluster.ValidateName(name); err != nil {
		return "", fmt.Errorf("%w: %w", cluster.ErrConfiguration, err)
	}
	return name, nil
}

// watchForExit cancels the round when a line reading "exit" arrives. End of
// input is not a request to leave.
func watchForExit(lines *bufio.Scanner, cancel context.CancelFunc) {
	for lines.Scan() {
		if cluster.IsLeave(strings.TrimSpace(lines.Text())) {
			cancel()
			return
		}
	}
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
