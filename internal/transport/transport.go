// Package transport implements the two listening-socket sharing strategies
// a worker can use to accept connections: kernel SO_REUSEPORT, or the parent
// binding once and passing the descriptor to each worker over its IPC
// Channel.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
)

// Transport obtains a listener for a URI on behalf of a connecting worker.
// ObtainListener answers over ch with either a sentinel bind_response
// (port-reuse: the worker binds its own listener) or an FD-carrying one
// (FD-passing).
type Transport interface {
	Kind() string
	ObtainListener(ctx context.Context, ch *ipc.Channel, uri string) error
	Close() error
}

// BindError is returned when a listening socket could not be bound,
// carrying the URI and the underlying syscall error.
type BindError struct {
	URI string
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind %s: %v", e.URI, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// bind performs the shared bind semantics: stale UNIX socket file removal,
// SO_REUSEADDR, and IPv6-only binding for IPv6 addresses. network/address are
// parsed from a URI of the form "tcp://host:port", "tcp6://[::1]:port", or
// "unix:///path/to.sock".
func bind(uri string, reusePort bool) (net.Listener, error) {
	network, address, err := parseURI(uri)
	if err != nil {
		return nil, &BindError{URI: uri, Err: err}
	}

	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, &BindError{URI: uri, Err: err}
		}
	}

	lc := net.ListenConfig{Control: controlFor(network, reusePort)}
	ln, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, &BindError{URI: uri, Err: err}
	}
	return ln, nil
}

// Select picks the best strategy available on this platform, as a
// Supervisor does once per Start: port-reuse where the kernel
// supports it, otherwise the universal FD-passing fallback. UNIX-domain
// listener URIs always route through FDPassing (see NewPortReuse).
func Select() Transport {
	if pr, err := NewPortReuse("tcp://127.0.0.1:0"); err == nil {
		return pr
	}
	return NewFDPassing()
}

func parseURI(uri string) (network, address string, err error) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid listener URI %q", uri)
	}
	scheme, addr := parts[0], parts[1]
	switch scheme {
	case "tcp", "tcp4", "tcp6":
		return scheme, addr, nil
	case "unix":
		return "unix", addr, nil
	default:
		return "", "", fmt.Errorf("unsupported listener scheme %q", scheme)
	}
}
