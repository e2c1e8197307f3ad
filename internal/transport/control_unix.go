//go:build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFor returns a net.ListenConfig.Control callback that sets
// SO_REUSEADDR on every non-UNIX-domain socket and SO_REUSEPORT when
// reusePort is requested.
// TCP-only: UNIX-domain sockets have no reuseport semantics, so callers must
// not request it for "unix" network.
func controlFor(network string, reusePort bool) func(string, string, syscall.RawConn) error {
	return func(_ string, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if network != "unix" {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
			}
			if reusePort {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// portReuseSupported probes whether SO_REUSEPORT can be set on a throwaway
// socket for the given network. UNIX-domain addresses never support it.
func portReuseSupported(network string) bool {
	if network == "unix" {
		return false
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) == nil
}
