// Package server accepts upstairs connections over TCP. Each connection
// gets its own work.Dispatcher; jobs arrive as protocol messages and their
// results are written back in completion order.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/pkg/region"
	"github.com/marmos91/downstairs/pkg/work"
)

const (
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 9000
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRepairTimeout   = 5 * time.Minute
)

// Config holds the listener settings.
type Config struct {
	// BindAddress is the IP address to bind to. Empty binds to all
	// interfaces.
	BindAddress string

	// Port is the TCP port. Zero picks a free port.
	Port int

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int

	// IdleTimeout closes a connection that sends nothing for this long.
	// 0 disables it.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for connections to drain
	// before force-closing them.
	ShutdownTimeout time.Duration

	// RepairTimeout bounds one HTTP exchange with a repair source.
	RepairTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.RepairTimeout <= 0 {
		c.RepairTimeout = DefaultRepairTimeout
	}
}

// Region is the storage a server exposes.
type Region interface {
	work.Region
	ReadOnly() bool
	ExtentInfo(i int) (region.ExtentInfo, error)
}

// MetricsRecorder receives connection lifecycle events.
type MetricsRecorder interface {
	RecordConnectionAccepted()
	RecordConnectionClosed()
	RecordConnectionForceClosed()
	SetActiveConnections(count int32)
}

// Server is the downstairs TCP listener.
//
// All exported methods are safe for concurrent use. Stop may be called more
// than once.
type Server struct {
	cfg      Config
	region   Region
	dispatch work.Options
	metrics  MetricsRecorder

	listener   net.Listener
	listenerMu sync.RWMutex
	ready      chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	conns       sync.Map // remote address -> net.Conn
	connSem     chan struct{}
	nextConnID  atomic.Uint64
}

// New creates a server for r. dispatch is the template for every
// connection's dispatcher. metrics may be nil.
func New(r Region, cfg Config, dispatch work.Options, metrics MetricsRecorder) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		region:   r,
		dispatch: dispatch,
		metrics:  metrics,
		ready:    make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Serve listens and accepts connections until ctx is cancelled or Stop is
// called.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	close(s.ready)

	logger.Info("downstairs listening",
		logger.KeyAddress, ln.Addr().String(),
		logger.KeyReadOnly, s.region.ReadOnly())

	go func() {
		select {
		case <-ctx.Done():
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			case <-s.shutdown:
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.connSem != nil {
				<-s.connSem
			}
			select {
			case <-s.shutdown:
				return nil
			default:
				logger.Debug("accept failed", logger.KeyError, err)
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("failed to set TCP_NODELAY", logger.KeyError, err)
			}
		}
		s.track(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.activeConns.Add(1)
	active := s.connCount.Add(1)
	s.conns.Store(addr, conn)
	if s.metrics != nil {
		s.metrics.RecordConnectionAccepted()
		s.metrics.SetActiveConnections(active)
	}

	c := newConnection(s, conn, s.nextConnID.Add(1))
	logger.Debug("connection accepted", logger.KeyClientAddr, addr, "active", active)

	go func() {
		defer func() {
			s.conns.Delete(addr)
			active := s.connCount.Add(-1)
			if s.connSem != nil {
				<-s.connSem
			}
			if s.metrics != nil {
				s.metrics.RecordConnectionClosed()
				s.metrics.SetActiveConnections(active)
			}
			s.activeConns.Done()
			logger.Debug("connection closed", logger.KeyClientAddr, addr, "active", active)
		}()
		c.serve()
	}()
}

// initiateShutdown stops accepting and interrupts blocking reads so that
// every connection drains its dispatcher and exits.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("error closing listener", logger.KeyError, err)
			}
		}
		s.listenerMu.Unlock()

		deadline := time.Now().Add(100 * time.Millisecond)
		s.conns.Range(func(key, value any) bool {
			if err := value.(net.Conn).SetReadDeadline(deadline); err != nil {
				logger.Debug("error interrupting connection", logger.KeyClientAddr, key, logger.KeyError, err)
			}
			return true
		})
	})
}

// Stop shuts the server down and waits for connections to drain, bounded by
// ctx and the configured ShutdownTimeout. Connections still open then are
// force-closed.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("downstairs shutdown complete")
		return nil
	case <-ctx.Done():
	}

	remaining := s.connCount.Load()
	logger.Warn("shutdown timeout exceeded, forcing closure", "active", remaining)
	s.conns.Range(func(key, value any) bool {
		if err := value.(net.Conn).Close(); err == nil && s.metrics != nil {
			s.metrics.RecordConnectionForceClosed()
		}
		return true
	})
	<-done
	return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
}

// Addr returns the listening address, blocking until the listener is up.
func (s *Server) Addr() string {
	<-s.ready
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}
