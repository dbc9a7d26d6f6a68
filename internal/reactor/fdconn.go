package reactor

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// wouldBlockError implements net.Error with Timeout() and Temporary() both
// true. crypto/tls's readRecordOrCCS only poisons the session
// (c.in.setErrorLocked) for errors that are NOT a "temporary" net.Error; a
// plain errors.New value would permanently wedge the *tls.Conn on the very
// first EAGAIN, breaking every keep-alive re-arm after an idle gap. Shaping
// this as a net.Error keeps the session resumable across re-arms.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "reactor: operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// ErrWouldBlock is returned by fdConn.Read/Write when the kernel reports
// EAGAIN: the fd is non-blocking and has no data/room available, or the fd
// is blocking and its SO_RCVTIMEO/SO_SNDTIMEO deadline expired. The request
// handler (spec §4.5 step 4) treats this as the "TLS layer signals would
// block" case.
var ErrWouldBlock net.Error = wouldBlockError{}

// fdConn adapts a raw, already-connected socket fd to net.Conn so it can be
// wrapped by crypto/tls. Deadlines are implemented with SO_RCVTIMEO/
// SO_SNDTIMEO rather than per-call cancellation, which is sufficient for
// legion's blocking-with-timeout read/write pattern (spec §4.4 step 2,
// §4.5 step 1).
type fdConn struct {
	fd         int
	localAddr  net.Addr
	remoteAddr net.Addr
}

func newFDConn(fd int) *fdConn {
	c := &fdConn{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.localAddr = sockaddrToAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		c.remoteAddr = sockaddrToAddr(sa)
	}
	return c
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: a.Addr[:], Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: a.Addr[:], Port: a.Port}
	default:
		return nil
	}
}

func (c *fdConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *fdConn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}

func (c *fdConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *fdConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *fdConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, timevalFromDeadline(t))
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, timevalFromDeadline(t))
}

func timevalFromDeadline(t time.Time) *unix.Timeval {
	if t.IsZero() {
		return &unix.Timeval{}
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return &tv
}

// setBlocking toggles O_NONBLOCK on fd, per spec §4.4 step 4 and §4.5
// step 1/4.
func setBlocking(fd int, blocking bool) error {
	return unix.SetNonblock(fd, !blocking)
}

// SetBlocking is the exported form used by the request handler, which runs
// in a worker goroutine rather than the reactor's own package.
func SetBlocking(fd int, blocking bool) error {
	return setBlocking(fd, blocking)
}
