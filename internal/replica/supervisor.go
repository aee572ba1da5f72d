package replica

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// Environment variables the supervisor sets on each child.
const (
	EnvIndex = "RELAY_REPLICA_INDEX"
	EnvPort  = "RELAY_REPLICA_PORT"
)

// stopGrace bounds how long a child may take to exit after an interrupt.
const stopGrace = 15 * time.Second

// Supervise starts n copies of the running executable, all serving port, and
// waits for them. Cancelling ctx interrupts every child. If any child exits
// on its own the rest are stopped and its error is returned, leaving restarts
// to the process manager above us.
func Supervise(ctx context.Context, n, port int, logger *slog.Logger) error {
	if !reusePortSupported {
		return ErrReusePortUnsupported
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return run(ctx, n, port, exe, os.Args[1:], logger)
}

func run(ctx context.Context, n, port int, exe string, args []string, logger *slog.Logger) error {
	logger = logger.With("component", "replica_supervisor")
	logger.Info("starting replicas", "count", n, "port", port)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			cmd := exec.CommandContext(gctx, exe, args...)
			cmd.Env = append(os.Environ(),
				fmt.Sprintf("%s=%d", EnvIndex, i),
				fmt.Sprintf("%s=%d", EnvPort, port),
			)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
			cmd.WaitDelay = stopGrace

			if err := cmd.Start(); err != nil {
				return fmt.Errorf("start replica %d: %w", i, err)
			}
			logger.Info("replica started", "index", i, "pid", cmd.Process.Pid)

			err := cmd.Wait()
			if gctx.Err() != nil {
				logger.Info("replica stopped", "index", i)
				return nil
			}
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			return fmt.Errorf("replica %d exited unexpectedly", i)
		})
	}
	return g.Wait()
}
