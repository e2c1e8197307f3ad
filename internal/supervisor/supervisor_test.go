package supervisor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankit-kulkarni/preforkctl/worker"
)

// TestMain re-execs this test binary as a worker process when invoked with
// PREFORKCTL_HELPER_PROCESS=1, the same Go-stdlib trick os/exec_test.go uses
// to get a real, controllable child process without a separate build.
func TestMain(m *testing.M) {
	if os.Getenv("PREFORKCTL_HELPER_PROCESS") == "1" {
		runHelperWorker()
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker() {
	if len(os.Args) < 2 {
		os.Exit(2)
	}
	// spawnOne invokes WorkerCommand[0] with the IPC socket path prepended
	// as argv[1], matching the real CLI's convention (see cmd/preforkctl).
	parentAddr := os.Args[1]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := worker.Connect(ctx, parentAddr)
	if err != nil {
		os.Exit(3)
	}
	if err := rt.Ready(); err != nil {
		os.Exit(4)
	}
	if os.Getenv("PREFORKCTL_HELPER_EXIT_IMMEDIATELY") == "1" {
		os.Exit(0)
	}
	<-rt.AwaitShutdown()
	_ = rt.Terminated()
	os.Exit(0)
}

func helperCommand(t *testing.T) []string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return []string{exe}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		WorkerCommand: helperCommand(t),
		WorkerTimeout: 2 * time.Second,
		IPCSocketPath: t.TempDir() + "/supervisor-test.sock",
	}
}

// withHelperEnv marks the current test process so that any child spawned
// via exec.CommandContext (which inherits os.Environ() when Cmd.Env is
// unset) re-execs TestMain's helper-worker branch instead of running the
// test suite again.
func withHelperEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PREFORKCTL_HELPER_PROCESS", "1")
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartSpawnsWorkersAndReachesReady(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 2))
	defer sup.Stop(context.Background())

	assert.Equal(t, 2, sup.WorkerCount())
	pids := sup.WorkerPIDs()
	assert.Len(t, pids, 2)
	for _, pid := range pids {
		assert.Greater(t, pid, 0)
	}
}

func TestStopTerminatesAllWorkers(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 2))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, sup.Stop(stopCtx))

	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not resolve after Stop")
	}
	assert.NoError(t, sup.Err())
}

func TestStopIsIdempotent(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 1))

	require.NoError(t, sup.Stop(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))
}

func TestCrashedWorkerIsRespawned(t *testing.T) {
	withHelperEnv(t)
	t.Setenv("PREFORKCTL_HELPER_EXIT_IMMEDIATELY", "1")

	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 1))
	defer sup.Stop(context.Background())
	first := sup.WorkerPIDs()

	require.Eventually(t, func() bool {
		pids := sup.WorkerPIDs()
		return len(pids) == 1 && (len(first) == 0 || pids[0] != first[0])
	}, 3*time.Second, 50*time.Millisecond, "expected a replacement worker after the first exited")
}

func TestRestartKeepsPoolSizeStable(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 2))
	defer sup.Stop(context.Background())

	before := sup.WorkerPIDs()
	require.NoError(t, sup.Restart(context.Background()))
	after := sup.WorkerPIDs()

	assert.Len(t, after, 2)
	assert.NotEqual(t, before, after)
}

func TestNewSucceedsOutsideWorkerProcess(t *testing.T) {
	// The worker.IsWorker() refusal is process-wide and sticky once a real
	// Connect succeeds, so flipping it here would contaminate every other
	// test in this binary; that branch belongs to worker's own test suite
	// instead. This just confirms New's nil-logger default path works.
	_, err := New(Config{WorkerCommand: []string{"/bin/true"}}, nil)
	assert.NoError(t, err)
}

func TestStartRejectsZeroWorkers(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	err = sup.Start(context.Background(), 0)
	var misuse *MisuseError
	assert.ErrorAs(t, err, &misuse)
}

func TestBroadcastDeliversToAllWorkers(t *testing.T) {
	withHelperEnv(t)
	sup, err := New(testConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx, 2))
	defer sup.Stop(context.Background())

	err = sup.Broadcast(context.Background(), "ping", []byte("hello"))
	assert.NoError(t, err)
}
