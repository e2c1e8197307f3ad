// Command preforkctl is the pre-forking cluster supervisor launcher: it
// parses the worker command line, starts the worker pool, and drives stop /
// rolling restart from OS signals until the pool shuts down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ankit-kulkarni/preforkctl/internal/plog"
	"github.com/ankit-kulkarni/preforkctl/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("preforkctl", pflag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	logLevel := fs.StringP("log", "l", "debug", "log level: debug, info, warn, error")
	logFile := fs.StringP("file", "f", "", "write logs to this file instead of stdout")
	workers := fs.IntP("workers", "w", runtime.NumCPU(), "number of worker processes")
	help := fs.BoolP("help", "h", false, "show usage")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *help {
		printUsage(fs)
		return 0
	}

	positional := fs.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "preforkctl: missing <script>")
		printUsage(fs)
		return 1
	}
	script := positional[0]
	forwarded := positional[1:]

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "preforkctl:", err)
		return 1
	}

	out := os.Stdout
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "preforkctl: open log file:", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	logger := plog.New(os.Getpid(), level, out)

	cfg := supervisor.Config{
		WorkerCommand: append([]string{script}, forwarded...),
		WorkerCount:   *workers,
		WorkerTimeout: 5 * time.Second,
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("construct supervisor", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	installRestartSignal(sup, logger)

	if err := sup.Start(ctx, *workers); err != nil {
		logger.Error("pool start failed", "error", err)
		return 1
	}
	logger.Info("pool started", "workers", *workers)

	select {
	case <-ctx.Done():
		logger.Info("signal received, stopping")
		if err := sup.Stop(context.Background()); err != nil {
			logger.Error("stop failed", "error", err)
			return 1
		}
	case <-sup.Done():
		if err := sup.Err(); err != nil {
			logger.Error("supervisor run ended with error", "error", err)
			return 1
		}
	}
	return 0
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: preforkctl [flags] <script> [-- worker-args...]")
	fs.PrintDefaults()
}
