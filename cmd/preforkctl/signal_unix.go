//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ankit-kulkarni/preforkctl/internal/supervisor"
)

// installRestartSignal wires SIGUSR1 to a rolling restart of the pool. It
// runs for the lifetime of the process; there is no corresponding teardown
// since the process exits shortly after Stop returns anyway.
func installRestartSignal(sup *supervisor.Supervisor, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			logger.Info("SIGUSR1 received, rolling restart")
			if err := sup.Restart(context.Background()); err != nil {
				logger.Error("rolling restart failed", "error", err)
			}
		}
	}()
}
