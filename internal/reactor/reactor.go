// Package reactor implements the single-threaded Acceptor/Reactor event
// loop: it owns the listening fd and the epoll readiness notifier, accepts
// and TLS-handshakes new connections, and dispatches readiness on
// established connections as tasks to the worker pool.
package reactor

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shackleb0lt/legion/internal/config"
	"github.com/shackleb0lt/legion/internal/pool"
	"github.com/shackleb0lt/legion/internal/registry"
)

// epoll interest set used for every connection fd: edge-triggered,
// one-shot. legion picks edge-triggered consistently at both the listener
// and established connections (spec §9 Open Questions asks a reimplementer
// to pick one and document it); one-shot is what makes the "re-arm before
// returning" ownership handoff in spec §5 explicit and race-free.
const connEvents = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT

// listener interest is edge-triggered without one-shot: the listener is
// always owned by the reactor, never handed to a worker, so there is no
// ownership race to guard against.
const listenEvents = unix.EPOLLIN | unix.EPOLLET

// Reactor is the single-threaded event loop described in spec §4.4.
type Reactor struct {
	cfg     config.Config
	log     *logrus.Logger
	reg     *registry.ConnectionRegistry
	queue   *pool.TaskQueue
	tlsCfg  *tls.Config
	onReady pool.HandlerFunc

	listenFD int
	epollFD  int
	running  int32
	done     chan struct{}
}

// New constructs a Reactor. onReady is the Request Handler's entry point,
// invoked by a worker (not the reactor goroutine) once per readiness event.
func New(cfg config.Config, reg *registry.ConnectionRegistry, queue *pool.TaskQueue, tlsCfg *tls.Config, onReady pool.HandlerFunc) *Reactor {
	return &Reactor{
		cfg:      cfg,
		log:      cfg.Logger,
		reg:      reg,
		queue:    queue,
		tlsCfg:   tlsCfg,
		onReady:  onReady,
		listenFD: -1,
		epollFD:  -1,
		done:     make(chan struct{}),
	}
}

// Listen resolves the bind address, creates the listening socket per spec
// §4.4 ("Startup"), and creates the epoll instance. It must be called
// before Run.
func (r *Reactor) Listen() error {
	fd, err := createListener(r.cfg)
	if err != nil {
		return err
	}
	r.listenFD = fd
	r.log.WithField("network", r.cfg.Network()).WithField("addr", fmt.Sprintf("%s:%d", r.cfg.IP, r.cfg.Port)).Info("reactor: listening")

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		r.listenFD = -1
		return fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r.epollFD = epfd

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: listenEvents, Fd: int32(fd)}); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return fmt.Errorf("reactor: registering listener with epoll: %w", err)
	}

	return nil
}

// SetHandler wires the Request Handler's entry point after construction,
// breaking the otherwise-circular dependency between the Reactor (which
// the handler needs as its ReactorOps) and the handler (which the Reactor
// dispatches to).
func (r *Reactor) SetHandler(onReady pool.HandlerFunc) {
	r.onReady = onReady
}

// Addr returns the bound listener's local address, useful for tests that
// bind an ephemeral port.
func (r *Reactor) Addr() (net.Addr, error) {
	sa, err := unix.Getsockname(r.listenFD)
	if err != nil {
		return nil, err
	}
	return sockaddrToAddr(sa), nil
}

// Run drives the readiness loop until Stop is called or a readiness-wait
// failure (other than EINTR) occurs (spec §4.4 "Failure semantics"). It
// closes the channel Wait blocks on before returning, by deferral, so it is
// safe even if epoll_wait itself fails.
func (r *Reactor) Run() error {
	atomic.StoreInt32(&r.running, 1)
	defer close(r.done)

	events := make([]unix.EpollEvent, r.cfg.MaxAliveConn)
	timeoutMS := int(r.cfg.EpollTimeout.Milliseconds())

	for atomic.LoadInt32(&r.running) != 0 {
		n, err := unix.EpollWait(r.epollFD, events, timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			if fd == r.listenFD {
				r.acceptAll()
				continue
			}
			r.handleConnEvent(fd, mask)
		}
	}
	return nil
}

// Stop clears the running flag; Run observes it between iterations and
// returns. Stop alone does not guarantee Run has returned — callers that
// need to tear down state Run still touches (the Connection Registry, the
// epoll/listener fds) must call Wait afterward.
func (r *Reactor) Stop() {
	atomic.StoreInt32(&r.running, 0)
}

// Wait blocks until Run has returned, i.e. the reactor goroutine will no
// longer touch the Connection Registry or the epoll/listener fds. Callers
// must call Stop first, or Wait blocks until Run fails on its own.
func (r *Reactor) Wait() {
	<-r.done
}

// Close releases the listener and epoll fds. Call after Run has returned.
func (r *Reactor) Close() {
	if r.listenFD >= 0 {
		unix.Close(r.listenFD)
		r.listenFD = -1
	}
	if r.epollFD >= 0 {
		unix.Close(r.epollFD)
		r.epollFD = -1
	}
}

func (r *Reactor) handleConnEvent(fd int, mask uint32) {
	conn := r.reg.Get(fd)
	if conn == nil {
		return
	}

	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.Remove(conn)
		return
	}

	if mask&unix.EPOLLIN != 0 {
		if err := r.queue.Enqueue(r.onReady, conn); err != nil {
			// Queue saturation (spec §7): treat as hangup and close.
			r.log.WithField("fd", fd).Debug("reactor: task queue full, closing connection")
			r.Remove(conn)
		}
	}
}

// Rearm re-registers fd for one more edge-triggered, one-shot readiness
// event. The Request Handler calls this before returning a kept-alive
// connection to the reactor (spec §5 "Ownership handoff").
func (r *Reactor) Rearm(fd int) error {
	return unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: connEvents, Fd: int32(fd)})
}

// Remove deregisters fd from epoll and tears down the Connection. Safe to
// call from a worker goroutine (the owning worker) or the reactor goroutine
// (HUP/ERR path); each Connection is only ever owned by one side at a time.
func (r *Reactor) Remove(conn *registry.Connection) {
	if conn == nil || conn.FD < 0 {
		return
	}
	_ = unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, conn.FD, nil)
	r.reg.Remove(conn)
}

// acceptAll accepts pending connections on the listener until accept reports
// EAGAIN, performing the per-connection accept sub-protocol from spec §4.4 on
// each. Any other accept error is logged and ends this drain; connections
// still queued on the listener are picked up on its next readiness event.
func (r *Reactor) acceptAll() {
	for {
		nfd, _, err := unix.Accept(r.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.WithError(err).Warn("reactor: accept failed")
			return
		}

		if err := r.acceptOne(nfd); err != nil {
			r.log.WithError(err).Debug("reactor: dropping new connection")
		}
	}
}

func (r *Reactor) acceptOne(nfd int) error {
	tv := unix.NsecToTimeval(r.cfg.TLSTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(nfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(nfd)
		return fmt.Errorf("setting handshake read timeout: %w", err)
	}
	if err := unix.SetsockoptTimeval(nfd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		unix.Close(nfd)
		return fmt.Errorf("setting handshake write timeout: %w", err)
	}

	fc := newFDConn(nfd)
	session := tls.Server(fc, r.tlsCfg)
	if err := session.Handshake(); err != nil {
		unix.Close(nfd)
		return fmt.Errorf("TLS handshake: %w", err)
	}

	if err := setBlocking(nfd, false); err != nil {
		session.Close()
		return fmt.Errorf("switching to non-blocking: %w", err)
	}

	conn, err := r.reg.Insert(nfd, session)
	if err != nil {
		session.Close()
		return fmt.Errorf("registry insert: %w", err)
	}

	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{Events: connEvents, Fd: int32(nfd)}); err != nil {
		r.reg.Remove(conn)
		return fmt.Errorf("registering with epoll: %w", err)
	}

	return nil
}
