// Package main estimates π in a single process, without a coordinator.
// It samples the same way a worker does and is handy for comparing a
// distributed round against a local run.
//
// Usage:
//
//	montecarlo [points]
//
// points defaults to 1000. WORKER_PARALLELISM and WORKER_SEED apply as for
// the worker.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/montepi/internal/cluster"
	"github.com/dreamware/montepi/internal/config"
	"github.com/dreamware/montepi/internal/sampling"
)

const defaultPoints = 1000

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
		logFatal(logger, "estimate failed", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, logger *zap.Logger) error {
	points := int64(defaultPoints)
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: points must be a positive integer, got %q", cluster.ErrConfiguration, args[0])
		}
		points = n
	default:
		return fmt.Errorf("%w: usage: montecarlo [points]", cluster.ErrConfiguration)
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	logger.Debug("sampling",
		zap.Int64("points", points),
		zap.Int("parallelism", cfg.Parallelism),
		zap.Uint64("seed", seed))

	start := time.Now()
	tally, err := sampling.CountParallel(ctx, points, cfg.Parallelism, seed)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(out, "points inside: %d\npoints outside: %d\npi = %s\nelapsed: %s\n",
		tally.Inside, tally.Outside(), cluster.FormatEstimate(tally.Estimate()), elapsed)
	return nil
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
