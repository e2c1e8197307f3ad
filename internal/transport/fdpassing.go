package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
)

var errNoFilePassthrough = errors.New("transport: listener does not support File()")

// trackedListener holds a bound listener whose descriptor is passed to
// workers; File() returns a fresh dup on each call, and the original listener
// stays open so the parent retains its own copy for future workers after
// sending one away.
type trackedListener struct {
	ln net.Listener
}

// FDPassing is the universal strategy: the parent binds each listener URI
// exactly once, caches it, and on every bind_request duplicates the
// descriptor across the requesting worker's IPC Channel using ancillary
// data. Adapted from containerd/nydus-snapshotter's pkg/supervisor send/recv
// pair (see DESIGN.md), generalized from a single cached FD to a map keyed
// by listener URI.
type FDPassing struct {
	mu        sync.Mutex
	listeners map[string]*trackedListener
}

func NewFDPassing() *FDPassing {
	return &FDPassing{listeners: make(map[string]*trackedListener)}
}

func (f *FDPassing) Kind() string { return "fd-passing" }

// ObtainListener binds uri the first time it's requested (the invariant "a
// listener URI is bound exactly once for the supervisor's lifetime") and
// sends a duplicate of its FD to ch on every call, including repeats for
// later workers.
func (f *FDPassing) ObtainListener(_ context.Context, ch *ipc.Channel, uri string) error {
	tl, err := f.listenerFor(uri)
	if err != nil {
		return ch.Send(ipc.BindResponseError(uri, err), nil)
	}

	lf, ok := tl.ln.(interface{ File() (*os.File, error) })
	if !ok {
		return ch.Send(ipc.BindResponseError(uri, errNoFilePassthrough), nil)
	}
	file, ferr := lf.File()
	if ferr != nil {
		return ch.Send(ipc.BindResponseError(uri, ferr), nil)
	}
	defer file.Close() // Send dups the FD into ancillary data; we keep our own.

	return ch.Send(ipc.BindResponseFD(uri), file)
}

func (f *FDPassing) listenerFor(uri string) (*trackedListener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tl, ok := f.listeners[uri]; ok {
		return tl, nil
	}
	ln, err := bind(uri, false)
	if err != nil {
		return nil, err
	}
	tl := &trackedListener{ln: ln}
	f.listeners[uri] = tl
	return tl, nil
}

// Close closes every listener the parent ever bound, called during
// Supervisor teardown.
func (f *FDPassing) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for uri, tl := range f.listeners {
		if err := tl.ln.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.listeners, uri)
	}
	return first
}
