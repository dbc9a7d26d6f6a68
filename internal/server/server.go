// Package server wires the Asset Cache, Connection Registry, Task Queue,
// Worker Pool, Reactor, and Request Handler together into the single
// explicit server object spec §9 asks for in place of process-wide
// globals.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shackleb0lt/legion/internal/assets"
	"github.com/shackleb0lt/legion/internal/config"
	"github.com/shackleb0lt/legion/internal/handler"
	"github.com/shackleb0lt/legion/internal/metrics"
	"github.com/shackleb0lt/legion/internal/pool"
	"github.com/shackleb0lt/legion/internal/reactor"
	"github.com/shackleb0lt/legion/internal/registry"
	"github.com/shackleb0lt/legion/internal/rlimit"
	"github.com/shackleb0lt/legion/internal/tlsconfig"
)

// Server owns every long-lived component for one legion process.
type Server struct {
	cfg config.Config

	cache   *assets.AssetCache
	reg     *registry.ConnectionRegistry
	queue   *pool.TaskQueue
	workers *pool.WorkerPool
	react   *reactor.Reactor
	gauges  *metrics.Gauges

	stopMetrics chan struct{}
}

// New builds a Server from cfg. Every failure here is startup-fatal per
// spec §6 Exit codes: bad config, rlimit, TLS load, or asset-cache build.
func New(cfg config.Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := rlimit.SetFDLimit(uint64(cfg.MaxFD)); err != nil {
		return nil, err
	}

	cache, err := assets.Build(cfg.AssetRoot, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("server: building asset cache: %w", err)
	}

	tlsCfg, err := tlsconfig.Load(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		cache.Teardown()
		return nil, err
	}

	reg := registry.New(cfg.MaxFD, cfg.BufferSize)
	queue := pool.NewTaskQueue(cfg.TaskQueueSize)

	s := &Server{
		cfg:         cfg,
		cache:       cache,
		reg:         reg,
		queue:       queue,
		gauges:      metrics.NewGauges(prometheus.NewRegistry()),
		stopMetrics: make(chan struct{}),
	}

	react := reactor.New(cfg, reg, queue, tlsCfg, nil)
	h := handler.New(cache, react, cfg.RTTTimeout, cfg.Logger)
	react.SetHandler(h.Handle)
	s.react = react

	if err := react.Listen(); err != nil {
		cache.Teardown()
		return nil, err
	}

	s.workers = pool.NewWorkerPool(queue, cfg.ThreadCount, cfg.Logger)

	return s, nil
}

// Run starts the metrics logger and blocks on the reactor's event loop
// until Shutdown is called or a loop-fatal error occurs.
func (s *Server) Run() error {
	addr, err := s.react.Addr()
	if err != nil {
		return fmt.Errorf("server: reading bound address: %w", err)
	}
	s.cfg.Logger.WithField("addr", addr).Info("legion: listening")

	go s.logMetricsPeriodically()

	err = s.react.Run()
	close(s.stopMetrics)
	return err
}

// Addr returns the bound listener address. A zero Port is replaced by
// DefaultPort in New, so this is always the configured or default port.
func (s *Server) Addr() (net.Addr, error) {
	return s.react.Addr()
}

// Shutdown implements spec §5 "Cancellation": stop the reactor loop, wait
// for it to actually return (it may still be mid-iteration, touching the
// Connection Registry and the epoll fd), join the worker pool, tear down
// every live connection, and release the asset cache. In-flight requests
// may be truncated by design. The Wait call before Teardown/Close matters:
// without it, the reactor goroutine can still be running acceptAll /
// handleConnEvent concurrently with Teardown closing the same fds out from
// under it.
func (s *Server) Shutdown() {
	s.react.Stop()
	s.react.Wait()
	s.workers.Stop()
	s.reg.Teardown()
	s.react.Close()
	s.cache.Teardown()
}

func (s *Server) logMetricsPeriodically() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMetrics:
			return
		case <-ticker.C:
			snap := s.gauges.Set(metrics.Snapshot{
				LiveConnections: s.reg.Live(),
				QueueDepth:      s.queue.Len(),
				CacheEntries:    s.cache.Len(),
			})
			s.cfg.Logger.WithFields(map[string]interface{}{
				"live_connections": snap.LiveConnections,
				"queue_depth":      snap.QueueDepth,
				"cache_entries":    snap.CacheEntries,
			}).Debug("legion: resource snapshot")
		}
	}
}
