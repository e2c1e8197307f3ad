package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// maxFrameLen bounds a single payload so a corrupt or hostile peer can't
// make us allocate an unbounded buffer off a garbage length header.
const maxFrameLen = 32 << 20

// oobSpace is sized for a single attached descriptor; this protocol never
// transfers more than one FD per frame.
var oobSpace = unix.CmsgSpace(4)

// Channel is one IPC Channel: a length-framed message stream over a
// UNIX-domain stream socket, with an out-of-band FD transfer slot on every
// frame. Concurrent Send calls are serialized by sendMu; Recv has a single
// consumer per the spec's receive contract.
type Channel struct {
	conn        *net.UnixConn
	sendMu      sync.Mutex
	peerPID     int
	connectedAt time.Time
}

// NewChannel wraps an already-accepted/-dialed UNIX socket.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn, connectedAt: time.Now()}
}

func (c *Channel) SetPeerPID(pid int)     { c.peerPID = pid }
func (c *Channel) PeerPID() int           { return c.peerPID }
func (c *Channel) ConnectedAt() time.Time { return c.connectedAt }

// Close closes the underlying socket. Safe to call more than once.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Send writes one frame. If fd is non-nil it rides as ancillary data on the
// same underlying write; the caller retains ownership of fd and must close
// it themselves (Send never closes what it's given).
func (c *Channel) Send(msg Message, fd *os.File) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(body) > maxFrameLen {
		return fmt.Errorf("ipc: frame too large (%d bytes)", len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	data := append(header, body...)

	var oob []byte
	if fd != nil {
		oob = unix.UnixRights(int(fd.Fd()))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for len(data) > 0 || len(oob) > 0 {
		n, oobn, err := c.conn.WriteMsgUnix(data, oob, nil)
		if err != nil {
			return wrapIOErr(err)
		}
		if n == 0 && oobn == 0 {
			return fmt.Errorf("ipc: short write with no progress")
		}
		data = data[n:]
		oob = oob[oobn:]
	}
	return nil
}

// Recv reads the next frame, reassembling the 4-byte length header and the
// JSON payload across as many underlying ReadMsgUnix calls as needed, and
// extracts at most one attached file descriptor. The returned *os.File is
// nil when no FD rode along with this frame; callers that don't consume it
// must close it to avoid leaking the duplicate into this process.
func (c *Channel) Recv() (Message, *os.File, error) {
	header, fd1, err := c.readExactly(4)
	if err != nil {
		return Message{}, nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameLen {
		return Message{}, nil, ErrMalformedFrame
	}

	body, fd2, err := c.readExactly(int(length))
	if err != nil {
		if errors.Is(err, ErrChannelClosed) {
			// The header already arrived, so the frame was cut off mid-way.
			err = ErrMalformedFrame
		}
		if fd1 != nil {
			fd1.Close()
		}
		return Message{}, nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		if fd1 != nil {
			fd1.Close()
		}
		if fd2 != nil {
			fd2.Close()
		}
		return Message{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	fd := fd1
	if fd == nil {
		fd = fd2
	} else if fd2 != nil {
		// Protocol never sends more than one FD per frame; close the extra
		// rather than silently dropping it.
		fd2.Close()
	}
	return msg, fd, nil
}

// readExactly reads n bytes off the socket, accumulating ancillary data from
// every underlying read into at most one extracted descriptor.
func (c *Channel) readExactly(n int) ([]byte, *os.File, error) {
	buf := make([]byte, n)
	oob := make([]byte, oobSpace)
	var read int
	var gotFD *os.File

	for read < n {
		dn, oobn, _, _, err := c.conn.ReadMsgUnix(buf[read:], oob)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if read == 0 {
					return nil, gotFD, ErrChannelClosed
				}
				return nil, gotFD, ErrMalformedFrame
			}
			return nil, gotFD, wrapIOErr(err)
		}
		if dn == 0 && oobn == 0 {
			return nil, gotFD, ErrChannelClosed
		}
		read += dn

		if oobn > 0 && gotFD == nil {
			if f := extractFD(oob[:oobn]); f != nil {
				gotFD = f
			}
		}
	}
	return buf, gotFD, nil
}

func extractFD(oob []byte) *os.File {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(scms) == 0 {
		return nil
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return nil
	}
	return os.NewFile(uintptr(fds[0]), "ipc-fd")
}

func wrapIOErr(err error) error {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrPeerGone
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrChannelClosed
	}
	return err
}
