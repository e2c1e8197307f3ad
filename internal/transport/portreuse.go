package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
)

// PortReuse is the kernel-balanced strategy: every worker binds its own
// listener with SO_REUSEPORT set, so ObtainListener is a sentinel telling
// the worker runtime "bind it yourself" rather than attaching a socket.
// UNIX-domain URIs have no reuseport semantics, so those route through an
// internal FDPassing fallback instead (the spec's "Port-reuse ... is
// unavailable ... for UNIX-domain listeners").
type PortReuse struct {
	unixFallback *FDPassing
}

// NewPortReuse constructs the strategy if the platform and URI scheme
// support SO_REUSEPORT; it returns an error otherwise so callers can fall
// back to FDPassing entirely.
func NewPortReuse(uri string) (*PortReuse, error) {
	network, _, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if !portReuseSupported(network) {
		return nil, fmt.Errorf("transport: SO_REUSEPORT unavailable for %s", uri)
	}
	return &PortReuse{unixFallback: NewFDPassing()}, nil
}

func (p *PortReuse) Kind() string { return "port-reuse" }

func (p *PortReuse) ObtainListener(ctx context.Context, ch *ipc.Channel, uri string) error {
	network, _, err := parseURI(uri)
	if err != nil {
		return ch.Send(ipc.BindResponseError(uri, err), nil)
	}
	if network == "unix" {
		return p.unixFallback.ObtainListener(ctx, ch, uri)
	}
	return ch.Send(ipc.BindResponsePortReuse(uri), nil)
}

// Close releases any UNIX-domain listeners bound through the fallback path.
func (p *PortReuse) Close() error {
	return p.unixFallback.Close()
}

// BindWorkerListener is called from the worker side in response to a
// port-reuse bind_response: the worker binds its own SO_REUSEPORT listener
// rather than receiving an FD.
func BindWorkerListener(uri string) (net.Listener, error) {
	return bind(uri, true)
}
