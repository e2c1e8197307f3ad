// Package worker is the library a user-supplied program links against to
// participate in a preforkctl cluster: it performs the parent handshake,
// requests listeners by URI, exchanges broadcast events, and waits on the
// shutdown signal.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
	"github.com/ankit-kulkarni/preforkctl/internal/transport"
)

// connected is the process-scoped flag set by a successful Connect, backing
// both IsWorker and the Supervisor constructor's refusal to run inside a
// worker process (spec's MisuseError / "process-wide singleton check").
var connected struct {
	mu sync.Mutex
	is bool
}

// IsWorker reports whether this process has completed the worker handshake
// in this run. Safe to call before Connect (reports false).
func IsWorker() bool {
	connected.mu.Lock()
	defer connected.mu.Unlock()
	return connected.is
}

type bindResult struct {
	ln  net.Listener
	err error
}

// Runtime is the live connection to the parent supervisor. Recv is owned
// exclusively by recvLoop, per the IPC Channel's single-consumer contract;
// GetListener registers a pending waiter the loop fulfills when the matching
// bind_response arrives, rather than reading the socket itself.
type Runtime struct {
	ch       *ipc.Channel
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	pending  map[string]chan bindResult
	shutdown chan struct{}
	closeOne sync.Once
}

// Connect performs the worker side of the handshake: dial the parent's IPC
// socket at parentAddr (the UNIX-domain path the supervisor passed as
// os.Args[1]) and start the receive loop. ctx should carry the worker's
// connect deadline.
func Connect(ctx context.Context, parentAddr string) (*Runtime, error) {
	ch, err := ipc.Dial(ctx, parentAddr)
	if err != nil {
		return nil, err
	}

	connected.mu.Lock()
	connected.is = true
	connected.mu.Unlock()

	r := &Runtime{
		ch:       ch,
		handlers: make(map[string][]func([]byte)),
		pending:  make(map[string]chan bindResult),
		shutdown: make(chan struct{}),
	}
	go r.recvLoop()
	return r, nil
}

// GetListener performs bind_request/bind_response and returns a listener the
// application may Accept on. For the port-reuse strategy this binds locally
// with SO_REUSEPORT; for FD-passing it reconstructs the listener from the
// descriptor the parent attached to the response frame.
func (r *Runtime) GetListener(ctx context.Context, uri string) (net.Listener, error) {
	wait := make(chan bindResult, 1)

	r.mu.Lock()
	r.pending[uri] = wait
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, uri)
		r.mu.Unlock()
	}()

	if err := r.ch.Send(ipc.BindRequest(uri), nil); err != nil {
		return nil, fmt.Errorf("worker: bind_request %s: %w", uri, err)
	}

	select {
	case res := <-wait:
		return res.ln, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.shutdown:
		return nil, fmt.Errorf("worker: channel closed awaiting bind_response for %s", uri)
	}
}

// OnMessage subscribes h to event, invoked from the Runtime's receive loop
// whenever an `event` frame with that name arrives from the parent
// (broadcasts or targeted sends).
func (r *Runtime) OnMessage(event string, h func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

// Send emits an application-defined event to the parent.
func (r *Runtime) Send(event string, payload []byte) error {
	return r.ch.Send(ipc.Event(event, payload), nil)
}

// Ready tells the parent this worker has finished initialization.
func (r *Runtime) Ready() error {
	return r.ch.Send(ipc.Ready(), nil)
}

// AwaitShutdown returns a channel closed when the parent requests graceful
// stop. The caller is expected to drain and exit within worker_timeout.
func (r *Runtime) AwaitShutdown() <-chan struct{} {
	return r.shutdown
}

// Terminated acks the shutdown request immediately before the process exits.
func (r *Runtime) Terminated() error {
	return r.ch.Send(ipc.Terminated(), nil)
}

func (r *Runtime) recvLoop() {
	for {
		msg, fd, err := r.ch.Recv()
		if err != nil {
			r.failPending(err)
			r.closeOne.Do(func() { close(r.shutdown) })
			return
		}
		r.dispatch(msg, fd)
	}
}

func (r *Runtime) dispatch(msg ipc.Message, fd *os.File) {
	switch msg.Kind {
	case ipc.KindBindResponse:
		r.resolveBind(msg, fd)
	case ipc.KindShutdown:
		if fd != nil {
			fd.Close()
		}
		r.closeOne.Do(func() { close(r.shutdown) })
	case ipc.KindEvent:
		if fd != nil {
			fd.Close()
		}
		r.mu.Lock()
		hs := append([]func([]byte){}, r.handlers[msg.Event]...)
		r.mu.Unlock()
		for _, h := range hs {
			h(msg.Payload)
		}
	default:
		if fd != nil {
			fd.Close()
		}
	}
}

func (r *Runtime) resolveBind(msg ipc.Message, fd *os.File) {
	r.mu.Lock()
	wait, ok := r.pending[msg.URI]
	r.mu.Unlock()
	if !ok {
		if fd != nil {
			fd.Close()
		}
		return
	}

	if msg.BindError != "" {
		wait <- bindResult{err: fmt.Errorf("worker: bind %s failed in parent: %s", msg.URI, msg.BindError)}
		return
	}
	if msg.PortReuse {
		ln, err := transport.BindWorkerListener(msg.URI)
		wait <- bindResult{ln: ln, err: err}
		return
	}
	if fd == nil {
		wait <- bindResult{err: fmt.Errorf("worker: bind_response for %s carried no descriptor", msg.URI)}
		return
	}
	ln, err := net.FileListener(fd)
	fd.Close() // net.FileListener dups; our copy is no longer needed.
	wait <- bindResult{ln: ln, err: err}
}

func (r *Runtime) failPending(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uri, wait := range r.pending {
		wait <- bindResult{err: err}
		delete(r.pending, uri)
	}
}
