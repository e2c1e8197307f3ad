package transport

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankit-kulkarni/preforkctl/internal/ipc"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri, network, address string
	}{
		{"tcp://127.0.0.1:8080", "tcp", "127.0.0.1:8080"},
		{"tcp6://[::1]:8080", "tcp6", "[::1]:8080"},
		{"unix:///tmp/x.sock", "unix", "/tmp/x.sock"},
	}
	for _, c := range cases {
		network, address, err := parseURI(c.uri)
		require.NoError(t, err)
		assert.Equal(t, c.network, network)
		assert.Equal(t, c.address, address)
	}
}

func TestParseURIRejectsUnknownScheme(t *testing.T) {
	_, _, err := parseURI("ftp://x")
	assert.Error(t, err)
}

func TestParseURIRejectsMalformed(t *testing.T) {
	_, _, err := parseURI("no-scheme-here")
	assert.Error(t, err)
}

func TestBindErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	be := &BindError{URI: "tcp://x", Err: inner}
	assert.ErrorIs(t, be, inner)
	assert.Contains(t, be.Error(), "tcp://x")
}

func TestFDPassingObtainListenerBindsOnce(t *testing.T) {
	fp := NewFDPassing()
	defer fp.Close()

	uri := "tcp://127.0.0.1:0"
	tl1, err := fp.listenerFor(uri)
	require.NoError(t, err)
	tl2, err := fp.listenerFor(uri)
	require.NoError(t, err)
	assert.Same(t, tl1, tl2)
}

func TestFDPassingObtainListenerSendsFD(t *testing.T) {
	fp := NewFDPassing()
	defer fp.Close()

	a, b := testChannelPair(t)
	defer a.Close()
	defer b.Close()

	require.NoError(t, fp.ObtainListener(context.Background(), a, "tcp://127.0.0.1:0"))

	msg, fd, err := b.Recv()
	require.NoError(t, err)
	require.NotNil(t, fd)
	defer fd.Close()
	assert.Equal(t, ipc.KindBindResponse, msg.Kind)
	assert.False(t, msg.PortReuse)
	assert.Empty(t, msg.BindError)
}

func TestPortReuseRoutesUnixURIThroughFallback(t *testing.T) {
	pr := &PortReuse{unixFallback: NewFDPassing()}
	defer pr.Close()

	a, b := testChannelPair(t)
	defer a.Close()
	defer b.Close()

	path := filepath.Join(t.TempDir(), "x.sock")
	require.NoError(t, pr.ObtainListener(context.Background(), a, "unix://"+path))

	msg, fd, err := b.Recv()
	require.NoError(t, err)
	require.NotNil(t, fd)
	fd.Close()
	assert.False(t, msg.PortReuse)
}

func TestPortReuseSendsSentinelForTCP(t *testing.T) {
	pr := &PortReuse{unixFallback: NewFDPassing()}
	defer pr.Close()

	a, b := testChannelPair(t)
	defer a.Close()
	defer b.Close()

	require.NoError(t, pr.ObtainListener(context.Background(), a, "tcp://127.0.0.1:0"))

	msg, fd, err := b.Recv()
	require.NoError(t, err)
	assert.Nil(t, fd)
	assert.True(t, msg.PortReuse)
}

func testChannelPair(t *testing.T) (*ipc.Channel, *ipc.Channel) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pair.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	clientCh := make(chan *net.UnixConn, 1)
	go func() {
		c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		require.NoError(t, err)
		clientCh <- c
	}()

	server, err := ln.AcceptUnix()
	require.NoError(t, err)
	client := <-clientCh

	return ipc.NewChannel(server), ipc.NewChannel(client)
}
