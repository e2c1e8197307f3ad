package ipc

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to the parent's IPC socket at path. Used by the worker
// runtime on startup; the worker must connect within its worker_timeout,
// which the caller enforces via ctx.
func Dial(ctx context.Context, path string) (*Channel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ipc: dial %s: not a unix socket", path)
	}
	return NewChannel(uc), nil
}
