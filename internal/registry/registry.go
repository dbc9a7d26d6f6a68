// Package registry implements the fixed-capacity Connection Registry: an
// array of MAX_FD slots indexed directly by OS file-descriptor number.
package registry

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/savsgio/gotils/nocopy"
	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned by Insert when fd falls outside [0, MaxFD).
var ErrOutOfRange = errors.New("registry: fd out of range")

// ErrTLSRequired is returned by Insert when tls is nil.
var ErrTLSRequired = errors.New("registry: tls session is required")

// Session is the slice of *tls.Conn behavior the registry and handler
// depend on. *tls.Conn satisfies it directly; tests substitute a fake to
// avoid driving a real handshake.
type Session interface {
	net.Conn
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Connection is one live client socket: its raw fd, TLS session, receive
// buffer with a used length, and the keep-alive decision from the most
// recently parsed request.
type Connection struct {
	FD        int
	TLS       Session
	Buffer    []byte
	Used      int
	KeepAlive bool
}

// Reset clears a slot back to vacant.
func (c *Connection) Reset() {
	c.FD = -1
	c.TLS = nil
	c.Used = 0
	c.KeepAlive = false
}

// ConnectionRegistry is an array of MaxFD Connection slots, mutated only by
// the Acceptor (Insert) and by the worker that currently owns a slot
// (mutate/Remove). Lookup is O(1) by fd.
type ConnectionRegistry struct {
	noCopy nocopy.NoCopy // nolint:structcheck,unused

	maxFD      int
	bufferSize int
	slots      []Connection
}

// New allocates a registry with maxFD slots, each with a bufferSize receive
// buffer, all initially vacant.
func New(maxFD, bufferSize int) *ConnectionRegistry {
	r := &ConnectionRegistry{
		maxFD:      maxFD,
		bufferSize: bufferSize,
		slots:      make([]Connection, maxFD),
	}
	for i := range r.slots {
		r.slots[i].FD = -1
		r.slots[i].Buffer = make([]byte, bufferSize)
	}
	return r
}

// Insert records a new live connection at index fd. It requires
// 0 <= fd < MaxFD and a non-nil TLS session.
func (r *ConnectionRegistry) Insert(fd int, session Session) (*Connection, error) {
	if fd < 0 || fd >= r.maxFD {
		return nil, fmt.Errorf("%w: fd=%d maxFD=%d", ErrOutOfRange, fd, r.maxFD)
	}
	if session == nil {
		return nil, ErrTLSRequired
	}

	slot := &r.slots[fd]
	slot.FD = fd
	slot.TLS = session
	slot.Used = 0
	slot.KeepAlive = false
	return slot, nil
}

// Get returns the live connection at fd, or nil if the slot is vacant or
// fd is out of range.
func (r *ConnectionRegistry) Get(fd int) *Connection {
	if fd < 0 || fd >= r.maxFD {
		return nil
	}
	slot := &r.slots[fd]
	if slot.FD != fd {
		return nil
	}
	return slot
}

// Remove tears down a live connection: TLS shutdown, fd close, slot reset.
func (r *ConnectionRegistry) Remove(c *Connection) {
	if c == nil || c.FD < 0 {
		return
	}
	fd := c.FD

	if c.TLS != nil {
		_ = c.TLS.Close() // sends the TLS close_notify and closes the fd
	} else {
		_ = unix.Close(fd)
	}
	c.Reset()
}

// Teardown removes every live connection. Call once at process exit.
func (r *ConnectionRegistry) Teardown() {
	for i := range r.slots {
		if r.slots[i].FD >= 0 {
			r.Remove(&r.slots[i])
		}
	}
}

// MaxFD returns the registry's fixed capacity.
func (r *ConnectionRegistry) MaxFD() int { return r.maxFD }

// Live reports the number of currently live connections; O(MaxFD), intended
// for metrics/tests only.
func (r *ConnectionRegistry) Live() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].FD >= 0 {
			n++
		}
	}
	return n
}
