package ipc

import "errors"

// ErrChannelClosed is returned by Recv once either side has closed its end
// in an orderly fashion (EOF with no partial frame in flight).
var ErrChannelClosed = errors.New("ipc: channel closed")

// ErrPeerGone is returned by Recv/Send when the underlying socket reports
// the peer vanished abruptly (connection reset, broken pipe) rather than
// closing cleanly. Callers in steady state treat this the same as a worker
// exit; callers mid-shutdown swallow it.
var ErrPeerGone = errors.New("ipc: peer gone")

// ErrMalformedFrame is returned by Recv when the length header or payload
// cannot be parsed into a valid Message.
var ErrMalformedFrame = errors.New("ipc: malformed frame")
