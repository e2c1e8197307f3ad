// Package plog provides the supervisor's structured logging: one colorized
// log/slog logger per process, plus line pumps that forward a worker's raw
// stdout/stderr into that logger at the right level.
//
// This modernizes the teacher repo's hand-rolled ansiColors/logf/logPhase
// helpers with the library the wider example corpus reaches for the same
// job (lmittmann/tint), while keeping the same per-process color idea.
package plog

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// palette mirrors the teacher's ansiColors slice (red, green, yellow, blue,
// magenta, white) but indexed deterministically by PID rather than randomly,
// so a given PID always maps to the same color. A respawned worker has a new
// PID and so may get a different color.
var palette = []string{
	"31", "32", "33", "34", "35", "37",
}

// New returns a tint-backed logger tagged with pid. w defaults to os.Stderr
// when nil. Output is wrapped in the process's palette color so that, when
// the supervisor and several workers log to the same terminal, each
// process's lines are visually distinguishable.
func New(pid int, level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(&colorWriter{w: w, code: palette[pid%len(palette)]}, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})
	return slog.New(handler).With("pid", pid)
}

// colorWriter brackets every underlying Write in an SGR color/reset pair so
// plain-text records from tint's handler inherit a per-process color.
type colorWriter struct {
	w    io.Writer
	code string
}

func (c *colorWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(c.w, "\033["+c.code+"m"); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if _, rerr := io.WriteString(c.w, "\033[0m"); err == nil {
		err = rerr
	}
	return n, err
}

// Pump copies lines from r into logf (e.g. logger.Info or logger.Error) one
// log record per line, used to forward a worker's stdout/stderr. Pump
// returns once r is exhausted (the worker process exited and closed the
// pipe) or the scanner errors.
func Pump(r io.Reader, logf func(msg string, args ...any)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		logf(scanner.Text())
	}
}
