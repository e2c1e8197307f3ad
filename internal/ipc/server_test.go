package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndDialRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preforkctl.sock")

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	dialed := make(chan *Channel, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch, err := Dial(ctx, path)
		require.NoError(t, err)
		dialed <- ch
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := srv.Accept(ctx)
	require.NoError(t, err)
	defer accepted.Close()

	client := <-dialed
	defer client.Close()

	require.NoError(t, client.Send(Ready(), nil))
	msg, _, err := accepted.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindReady, msg.Kind)
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	first, err := Listen(path)
	require.NoError(t, err)
	first.ln.SetUnlinkOnClose(false)
	first.ln.Close() // leak the file without running Close's os.Remove

	second, err := Listen(path)
	require.NoError(t, err)
	defer second.Close()
}

func TestAcceptHonorsContextDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadline.sock")
	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = srv.Accept(ctx)
	assert.Error(t, err)
}

func TestDialFailsWithoutListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, filepath.Join(t.TempDir(), "nothing.sock"))
	assert.Error(t, err)
}
