// Package supervisor implements the pre-forking cluster supervisor: it
// spawns and monitors worker subprocesses, relays lifecycle messages over
// the IPC channel, and exposes graceful stop, rolling restart, and
// broadcast.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
	"github.com/ankit-kulkarni/preforkctl/internal/plog"
	"github.com/ankit-kulkarni/preforkctl/internal/transport"
	"github.com/ankit-kulkarni/preforkctl/worker"
)

// exitEvent is posted by a worker's own watcher goroutine onto the
// Supervisor's exits channel. The watcher reports the exit only through this
// channel; the respawn-vs-cleanup decision is made by exitLoop, not by the
// exiting worker's goroutine.
type exitEvent struct {
	seq uint64
	err error
}

// Supervisor orchestrates the worker pool: start, stop, rolling restart,
// broadcast, automatic respawn, and signal-driven admin operations.
type Supervisor struct {
	cfg       Config
	transport transport.Transport
	ipcServer *ipc.Server
	logger    *slog.Logger

	startGate *semaphore.Weighted

	mu      sync.Mutex
	running bool
	workers map[uint64]*workerHandle

	subMu       sync.Mutex
	subscribers map[string][]func(seq uint64, payload []byte)

	seqCounter atomic.Uint64
	exits      chan exitEvent
	exitWG     sync.WaitGroup

	doneOnce sync.Once
	done     chan struct{}
	runErr   error
}

// New constructs an idle Supervisor. It refuses to run inside a process that
// has itself completed the worker handshake (worker.IsWorker), matching the
// spec's process-wide singleton check.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if worker.IsWorker() {
		return nil, &MisuseError{Reason: "cannot construct a Supervisor from inside a worker process"}
	}
	if logger == nil {
		logger = plog.New(0, slog.LevelInfo, nil)
	}
	return &Supervisor{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		startGate:   semaphore.NewWeighted(1),
		workers:     make(map[uint64]*workerHandle),
		subscribers: make(map[string][]func(seq uint64, payload []byte)),
		exits:       make(chan exitEvent, 16),
		done:        make(chan struct{}),
	}, nil
}

// Done resolves exactly once, when the Supervisor's run is complete (after
// Stop finishes, or after an unrecoverable error during Start/respawn).
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns the error the run-completion resolved with, if any. Only
// meaningful after Done is closed.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Supervisor) resolve(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Start binds the IPC server, spawns WorkerCount workers sequentially, and
// begins the exit-event consumer loop. Precondition: not already running
// and count >= 1.
func (s *Supervisor) Start(ctx context.Context, count int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return &MisuseError{Reason: "Start called while already running"}
	}
	if count < 1 {
		s.mu.Unlock()
		return &MisuseError{Reason: "worker_count must be >= 1"}
	}
	s.cfg.WorkerCount = count
	s.mu.Unlock()

	srv, err := ipc.Listen(s.cfg.IPCSocketPath)
	if err != nil {
		return err
	}
	s.ipcServer = srv
	s.transport = transport.Select()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.exitLoop()

	for i := 0; i < count; i++ {
		if err := s.spawnOne(ctx); err != nil {
			s.logger.Error("worker start failed, aborting pool start", "error", err)
			_ = s.Stop(context.Background())
			return err
		}
	}
	return nil
}

// spawnOne performs one full spawn cycle, serialized by startGate so the
// IPC server's arrival-order worker identification can't race a concurrent
// spawn (spec's "at most one worker Starting at any instant").
func (s *Supervisor) spawnOne(ctx context.Context) error {
	if err := s.startGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.startGate.Release(1)

	seq := s.seqCounter.Add(1)

	cmd := exec.CommandContext(context.Background(), s.cfg.WorkerCommand[0], append([]string{s.cfg.IPCSocketPath}, s.cfg.WorkerCommand[1:]...)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &WorkerStartError{Seq: seq, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &WorkerStartError{Seq: seq, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &WorkerStartError{Seq: seq, Err: err}
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.WorkerTimeout)
	defer cancel()

	ch, err := s.ipcServer.Accept(connectCtx)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return &WorkerStartError{Seq: seq, Timeout: connectCtx.Err() == context.DeadlineExceeded, Err: err}
	}
	ch.SetPeerPID(cmd.Process.Pid)

	logger := plog.New(cmd.Process.Pid, slog.LevelDebug, nil)
	wh := newWorkerHandle(seq, cmd, ch, logger)

	var pumpWG sync.WaitGroup
	pumpStdio(logger, stdout, stderr, &pumpWG)

	s.mu.Lock()
	s.workers[seq] = wh
	s.mu.Unlock()

	go s.runWorker(wh, &pumpWG)

	return nil
}

// runWorker drives one worker's IPC receive loop until the channel closes
// or the process exits, then reaps the process and posts an exitEvent. This
// is the "exit hook": it reports the exit only by posting onto s.exits and
// leaves the respawn decision to exitLoop. While the worker is live it also
// serves bind requests through s.transport and forwards events to
// s.notifySubscribers.
func (s *Supervisor) runWorker(wh *workerHandle, pumpWG *sync.WaitGroup) {
	for {
		msg, fd, err := wh.ch.Recv()
		if err != nil {
			break
		}
		if fd != nil {
			fd.Close()
		}
		switch msg.Kind {
		case ipc.KindBindRequest:
			if terr := s.transport.ObtainListener(context.Background(), wh.ch, msg.URI); terr != nil {
				wh.log.Error("obtain listener failed", "uri", msg.URI, "error", terr)
			}
		case ipc.KindReady:
			wh.setState(stateReady)
			wh.log.Info("worker ready")
		case ipc.KindEvent:
			wh.dispatchEvent(msg.Event, msg.Payload)
			s.notifySubscribers(wh.seq, msg.Event, msg.Payload)
		case ipc.KindTerminated:
			wh.setState(stateExited)
		}
	}

	wh.ch.Close()
	pumpWG.Wait()
	waitErr := wh.cmd.Wait()

	wh.mu.Lock()
	wh.exitErr = waitErr
	wh.state = stateExited
	wh.mu.Unlock()

	// Post the exit event before closing run_completion: stopOne only
	// unblocks once wh.exited closes, so by the time any caller observes
	// that, this send has already landed in s.exits's buffer (the channel
	// is never closed out from under us — see exitLoop).
	s.exits <- exitEvent{seq: wh.seq, err: waitErr}
	close(wh.exited)
}

// exitLoop is the single goroutine that reacts to worker exits: the
// systems-language realization of DESIGN NOTES' actor-queue translation for
// the one piece of Supervisor state that must not race the exiting
// worker's own cleanup — whether to respawn. It selects on s.done rather
// than a channel-close so Stop never has to guess whether a straggling
// runWorker goroutine (spawned by a respawn race it hasn't caught up with
// yet) still intends to send on s.exits.
func (s *Supervisor) exitLoop() {
	for {
		select {
		case ev := <-s.exits:
			s.handleExit(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	wh, ok := s.workers[ev.seq]
	running := s.running
	if ok {
		delete(s.workers, ev.seq)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if !running {
		return // silent cleanup
	}
	if wh.wasShutdownRequested() {
		return // part of an orderly Stop/Restart, caller awaits run_completion directly
	}

	switch {
	case ev.err == nil:
		s.logger.Info("worker exited cleanly, respawning", "seq", ev.seq)
	default:
		s.logger.Error("worker exited unexpectedly, respawning", "seq", ev.seq, "error", ev.err)
	}

	if err := s.spawnOne(context.Background()); err != nil {
		respawnErr := &RespawnError{Seq: ev.seq, Err: err}
		s.logger.Error("respawn failed", "error", respawnErr)
		s.resolve(respawnErr)
		go func() { _ = s.Stop(context.Background()) }()
	}
}

// Stop is idempotent: it transitions running to false, requests graceful
// shutdown from every worker in parallel, escalates to Kill on timeout, and
// tears down the IPC server and transport.
//
// Workers are stopped in waves, re-snapshotting s.workers under s.mu each
// time, rather than off one snapshot taken up front: a worker that crashes
// right as Stop is called can race handleExit's running-flag read and spawn
// one last replacement after this Stop's first snapshot was taken. Looping
// until a snapshot comes back empty guarantees that straggler is also sent
// shutdown instead of being left running and untracked.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		<-s.done
		return s.Err()
	}
	s.running = false
	s.mu.Unlock()

	var result *multierror.Error
	var resultMu sync.Mutex

	for {
		s.mu.Lock()
		pending := make([]*workerHandle, 0, len(s.workers))
		for _, wh := range s.workers {
			pending = append(pending, wh)
		}
		s.mu.Unlock()
		if len(pending) == 0 {
			break
		}

		eg, _ := errgroup.WithContext(ctx)
		for _, wh := range pending {
			wh := wh
			eg.Go(func() error {
				// Every stopOne error is collected through resultMu rather
				// than returned here, so that all per-worker failures are
				// aggregated instead of only the first one eg.Wait would
				// report (Broadcast below does the same).
				if err := s.stopOne(ctx, wh); err != nil {
					resultMu.Lock()
					result = multierror.Append(result, err)
					resultMu.Unlock()
				}
				s.mu.Lock()
				delete(s.workers, wh.seq)
				s.mu.Unlock()
				return nil
			})
		}
		_ = eg.Wait()
	}

	if s.ipcServer != nil {
		_ = s.ipcServer.Close()
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}

	var finalErr error
	if result.ErrorOrNil() != nil {
		finalErr = fmt.Errorf("supervisor: stop failed: %w", result.ErrorOrNil())
	}
	s.resolve(finalErr)
	return finalErr
}

// stopOne requests graceful shutdown of one worker, waits for its
// run-completion bounded by WorkerTimeout, and escalates to Kill on
// expiry or channel error.
func (s *Supervisor) stopOne(ctx context.Context, wh *workerHandle) error {
	if err := wh.requestShutdown(); err != nil {
		_ = wh.cmd.Process.Kill()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.WorkerTimeout)
	defer cancel()

	select {
	case <-wh.exited:
		return wh.exitErr
	case <-timeoutCtx.Done():
		_ = wh.cmd.Process.Kill()
		<-wh.exited // runWorker always closes this once Wait returns.
		return fmt.Errorf("supervisor: worker %d: %w", wh.seq, context.DeadlineExceeded)
	}
}

// Restart performs a rolling replacement: for each existing worker, in
// spawn order, request graceful shutdown, await its exit, then spawn a
// replacement before moving to the next. This keeps roughly WorkerCount-1
// workers live at every instant.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return &MisuseError{Reason: "Restart called while not running"}
	}
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, wh := range s.workers {
		handles = append(handles, wh)
	}
	s.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })

	for _, wh := range handles {
		if err := s.stopOne(ctx, wh); err != nil {
			s.logger.Error("restart: worker stop failed", "seq", wh.seq, "error", err)
		}
		s.mu.Lock()
		delete(s.workers, wh.seq)
		s.mu.Unlock()

		if err := s.spawnOne(ctx); err != nil {
			return fmt.Errorf("supervisor: restart: spawn replacement for %d: %w", wh.seq, err)
		}
	}
	return nil
}

// Broadcast sends payload to every live worker and waits for every send to
// complete. Delivery is best-effort per worker: one failure doesn't abort
// delivery to the rest; failures are aggregated and returned together
// (the spec's Open Question, resolved as aggregate-and-report).
func (s *Supervisor) Broadcast(ctx context.Context, event string, payload []byte) error {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, wh := range s.workers {
		handles = append(handles, wh)
	}
	s.mu.Unlock()

	var result *multierror.Error
	var resultMu sync.Mutex
	eg, _ := errgroup.WithContext(ctx)
	for _, wh := range handles {
		wh := wh
		eg.Go(func() error {
			if err := wh.send(event, payload); err != nil {
				resultMu.Lock()
				result = multierror.Append(result, fmt.Errorf("worker %d: %w", wh.seq, err))
				resultMu.Unlock()
			}
			return nil // never abort the group; every send gets its chance
		})
	}
	_ = eg.Wait()
	return result.ErrorOrNil()
}

// OnEvent subscribes h to event, invoked whenever any worker sends an event
// frame with that name (the Supervisor's message_subscribers table).
func (s *Supervisor) OnEvent(event string, h func(seq uint64, payload []byte)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[event] = append(s.subscribers[event], h)
}

func (s *Supervisor) notifySubscribers(seq uint64, event string, payload []byte) {
	s.subMu.Lock()
	hs := append([]func(uint64, []byte){}, s.subscribers[event]...)
	s.subMu.Unlock()
	for _, h := range hs {
		h(seq, payload)
	}
}

// WorkerCount returns the number of live worker handles right now.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// WorkerPIDs returns the PIDs of every live worker, for tests and
// diagnostics.
func (s *Supervisor) WorkerPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.workers))
	for _, wh := range s.workers {
		pids = append(pids, wh.pid())
	}
	return pids
}
