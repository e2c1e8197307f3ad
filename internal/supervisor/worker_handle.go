package supervisor

import (
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
	"github.com/ankit-kulkarni/preforkctl/internal/plog"
)

type workerState int

const (
	stateStarting workerState = iota
	stateReady
	stateStopping
	stateExited
)

// workerHandle is the parent-side object representing one live worker: its
// subprocess, its IPC Channel, and its two log pumps. seq is a monotonic
// spawn sequence number, used instead of PID as the map key and identity
// the exit hook carries, since PIDs are reused by the OS after reaping.
type workerHandle struct {
	seq   uint64
	cmd   *exec.Cmd
	ch    *ipc.Channel
	log   *slog.Logger

	mu    sync.Mutex
	state workerState

	exited     chan struct{} // run_completion: closed exactly once, on process reap
	exitErr    error
	shutdownRequested bool // explicit request vs unexpected death, for respawn policy

	eventMu sync.Mutex
	eventHandlers map[string][]func([]byte)
}

func newWorkerHandle(seq uint64, cmd *exec.Cmd, ch *ipc.Channel, logger *slog.Logger) *workerHandle {
	return &workerHandle{
		seq:           seq,
		cmd:           cmd,
		ch:            ch,
		log:           logger,
		state:         stateStarting,
		exited:        make(chan struct{}),
		eventHandlers: make(map[string][]func([]byte)),
	}
}

func (w *workerHandle) setState(s workerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *workerHandle) getState() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *workerHandle) pid() int {
	if w.cmd.Process == nil {
		return -1
	}
	return w.cmd.Process.Pid
}

// send delivers a payload event to this worker.
func (w *workerHandle) send(event string, payload []byte) error {
	return w.ch.Send(ipc.Event(event, payload), nil)
}

// requestShutdown sends the graceful-stop message and marks that this exit
// was expected, so the respawn policy treats it as a deliberate stop rather
// than an unexpected death.
func (w *workerHandle) requestShutdown() error {
	w.mu.Lock()
	w.shutdownRequested = true
	w.state = stateStopping
	w.mu.Unlock()
	return w.ch.Send(ipc.Shutdown(), nil)
}

func (w *workerHandle) wasShutdownRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdownRequested
}

// onEvent registers a parent-side handler for events this worker sends.
func (w *workerHandle) onEvent(name string, h func([]byte)) {
	w.eventMu.Lock()
	defer w.eventMu.Unlock()
	w.eventHandlers[name] = append(w.eventHandlers[name], h)
}

func (w *workerHandle) dispatchEvent(name string, payload []byte) {
	w.eventMu.Lock()
	hs := append([]func([]byte){}, w.eventHandlers[name]...)
	w.eventMu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

// pumpStdio forwards the worker's stdout/stderr lines to the structured
// logger, stdout at info and stderr at error, matching the teacher's own
// dual-stream forwarding in its graceful-restart experiments.
func pumpStdio(logger *slog.Logger, stdoutR, stderrR io.Reader, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		plog.Pump(stdoutR, logger.Info)
	}()
	go func() {
		defer wg.Done()
		plog.Pump(stderrR, logger.Error)
	}()
}
