package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// Server is the parent-side endpoint: one UNIX-domain listener that workers
// connect back to after being spawned. Because arrival order is the only
// thing that identifies a newly connecting worker, callers must serialize
// calls to Accept (the Supervisor's start_gate does this).
type Server struct {
	path string
	ln   *net.UnixListener
}

// Listen binds the IPC socket at path, removing any stale entry first (the
// bind semantics shared with the Transport's UNIX-domain listener bind).
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: remove stale socket %s: %w", path, err)
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	return &Server{path: path, ln: ln}, nil
}

// Accept blocks for the next worker connect-back, bounded by ctx's deadline
// (the worker_timeout). The deadline is set on the listener, not enforced by
// closing the listener itself, so later workers can still connect. Only the
// deadline is used: cancelling a ctx that has no deadline does not interrupt
// Accept.
func (s *Server) Accept(ctx context.Context) (*Channel, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.ln.SetDeadline(dl)
	} else {
		_ = s.ln.SetDeadline(time.Time{})
	}
	conn, err := s.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("ipc: accept: %w", err)
	}
	return NewChannel(conn), nil
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) Path() string { return s.path }
