//go:build windows

package main

import (
	"log/slog"

	"github.com/ankit-kulkarni/preforkctl/internal/supervisor"
)

// installRestartSignal is a no-op on Windows: SIGUSR1 has no equivalent.
func installRestartSignal(sup *supervisor.Supervisor, logger *slog.Logger) {}
