// Package handler implements the Request Handler: the per-task routine a
// worker runs from readable edge to either close or re-armed readiness
// (spec §4.5).
package handler

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shackleb0lt/legion/internal/assets"
	"github.com/shackleb0lt/legion/internal/reactor"
	"github.com/shackleb0lt/legion/internal/registry"
)

// ReactorOps is the slice of Reactor behavior the handler needs to hand a
// connection back (keep-alive) or tear it down. Defined here, rather than
// importing *reactor.Reactor directly, purely to keep the dependency
// explicit and minimal; internal/reactor.Reactor satisfies it.
type ReactorOps interface {
	Rearm(fd int) error
	Remove(conn *registry.Connection)
}

// Handler drives one worker-side request/response cycle per invocation.
type Handler struct {
	cache      *assets.AssetCache
	ops        ReactorOps
	rttTimeout time.Duration
	log        *logrus.Logger
}

// New builds a Handler bound to cache and ops.
func New(cache *assets.AssetCache, ops ReactorOps, rttTimeout time.Duration, log *logrus.Logger) *Handler {
	return &Handler{cache: cache, ops: ops, rttTimeout: rttTimeout, log: log}
}

// Handle matches pool.HandlerFunc; arg is always a *registry.Connection.
func (h *Handler) Handle(arg interface{}) {
	conn, ok := arg.(*registry.Connection)
	if !ok || conn == nil {
		return
	}
	h.handleConn(conn)
}

func (h *Handler) handleConn(conn *registry.Connection) {
	fd := conn.FD
	if err := reactor.SetBlocking(fd, true); err != nil {
		h.terminate(conn)
		return
	}

	respondedAny := false
	for {
		if err := conn.TLS.SetDeadline(time.Now().Add(h.rttTimeout)); err != nil {
			h.terminate(conn)
			return
		}

		n, err := conn.TLS.Read(conn.Buffer[conn.Used:])
		if err != nil {
			if errors.Is(err, reactor.ErrWouldBlock) && respondedAny {
				h.rearmForKeepAlive(conn)
				return
			}
			h.terminate(conn)
			return
		}
		if n == 0 {
			h.terminate(conn)
			return
		}
		conn.Used += n

		for {
			req, consumed, ok := parseRequest(conn.Buffer[:conn.Used])
			if !ok {
				if conn.Used >= len(conn.Buffer) {
					// Buffer filled without observing the terminator:
					// Terminal(Close) per spec §4.5 state machine.
					h.terminate(conn)
					return
				}
				break
			}

			conn.KeepAlive = req.keepAlive
			if err := h.respond(conn, req); err != nil {
				h.log.WithError(err).WithField("fd", conn.FD).Debug("handler: response write failed")
				h.terminate(conn)
				return
			}
			respondedAny = true

			remaining := conn.Used - consumed
			copy(conn.Buffer[:remaining], conn.Buffer[consumed:conn.Used])
			conn.Used = remaining

			if !conn.KeepAlive {
				h.terminate(conn)
				return
			}
		}
	}
}

// respond dispatches one parsed request to the right responder and forces
// the connection closed after any non-200 response, matching the literal
// `Connection: close` header spec §6 fixes for 404/500.
func (h *Handler) respond(conn *registry.Connection, req parsedRequest) error {
	if req.malformedLine {
		conn.KeepAlive = false
		return h.writeError(conn, 500)
	}

	switch req.method {
	case "GET":
		return h.serveAsset(conn, req.target, false)
	case "HEAD":
		return h.serveAsset(conn, req.target, true)
	default:
		conn.KeepAlive = false
		return h.writeError(conn, 500)
	}
}

func (h *Handler) serveAsset(conn *registry.Connection, target string, headOnly bool) error {
	if target == "" {
		conn.KeepAlive = false
		return h.writeError(conn, 500)
	}

	key := strings.TrimPrefix(target, "/")
	entry, ok := h.cache.Lookup(key)
	if !ok {
		conn.KeepAlive = false
		return h.writeError(conn, 404)
	}

	connKind := "close"
	if conn.KeepAlive {
		connKind = "keep-alive"
	}
	return writeResponse(conn.TLS, h.rttTimeout, 200, entry, headOnly, connKind)
}

func (h *Handler) writeError(conn *registry.Connection, status int) error {
	var entry *assets.AssetEntry
	if status == 404 {
		entry = h.cache.Error404()
	} else {
		entry = h.cache.Error500()
	}
	return writeResponse(conn.TLS, h.rttTimeout, status, entry, false, "close")
}

func (h *Handler) rearmForKeepAlive(conn *registry.Connection) {
	if err := reactor.SetBlocking(conn.FD, false); err != nil {
		h.terminate(conn)
		return
	}
	if err := h.ops.Rearm(conn.FD); err != nil {
		h.log.WithError(err).WithField("fd", conn.FD).Debug("handler: re-arm failed")
		h.terminate(conn)
	}
}

func (h *Handler) terminate(conn *registry.Connection) {
	h.ops.Remove(conn)
}
