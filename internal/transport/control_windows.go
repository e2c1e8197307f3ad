//go:build windows

package transport

import "syscall"

// Windows has no SO_REUSEPORT equivalent usable the same way; callers
// always fall back to the FD-passing strategy there.
func controlFor(network string, reusePort bool) func(string, string, syscall.RawConn) error {
	return func(_ string, _ string, c syscall.RawConn) error { return nil }
}

func portReuseSupported(network string) bool { return false }
