package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/internal/telemetry"
	"github.com/marmos91/downstairs/pkg/protocol"
	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/repair"
	"github.com/marmos91/downstairs/pkg/work"
)

// connection serves one upstairs. The read loop submits jobs; a writer
// goroutine sends results as the dispatcher produces them.
type connection struct {
	server *Server
	conn   net.Conn
	addr   string
	ctx    context.Context

	writeMu sync.Mutex

	// sources caches repair sources by URL.
	sources map[string]repair.Source
}

func newConnection(s *Server, conn net.Conn, id uint64) *connection {
	addr := conn.RemoteAddr().String()
	lc := logger.NewLogContext(fmt.Sprintf("conn-%d", id), addr)
	return &connection{
		server:  s,
		conn:    conn,
		addr:    addr,
		ctx:     logger.WithContext(context.Background(), lc),
		sources: make(map[string]repair.Source),
	}
}

func (c *connection) send(m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, m)
}

func (c *connection) setIdleDeadline() error {
	if c.server.cfg.IdleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.IdleTimeout))
}

func (c *connection) shuttingDown() bool {
	select {
	case <-c.server.shutdown:
		return true
	default:
		return false
	}
}

func (c *connection) serve() {
	defer func() { _ = c.conn.Close() }()

	if err := c.handshake(); err != nil {
		logger.WarnCtx(c.ctx, "handshake failed", logger.KeyError, err)
		return
	}

	d := work.New(c.server.region, c.server.dispatch)
	writerDone := make(chan struct{})
	go c.writeResults(d, writerDone)

	c.readLoop(d)

	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.ShutdownTimeout)
	if err := d.Close(ctx); err != nil {
		logger.WarnCtx(c.ctx, "dispatcher did not drain", logger.KeyError, err)
	}
	cancel()
	<-writerDone
}

func (c *connection) handshake() (err error) {
	ctx, span := telemetry.StartSpan(c.ctx, telemetry.SpanHandshake,
		trace.WithAttributes(telemetry.ClientAddr(c.addr)))
	defer span.End()
	defer func() { telemetry.RecordError(ctx, err) }()

	if err := c.setIdleDeadline(); err != nil {
		return err
	}
	m, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	hello, ok := m.(*protocol.Hello)
	if !ok {
		return c.reject(regerrors.New(regerrors.ErrInvalidRequest, "expected Hello, got %s", m.Type()))
	}

	def := c.server.region.Def()
	if hello.Version != protocol.Version {
		return c.reject(regerrors.New(regerrors.ErrInvalidRequest, "unsupported protocol version %d", hello.Version))
	}
	if hello.RegionUUID != "" && hello.RegionUUID != def.UUID.String() {
		return c.reject(regerrors.New(regerrors.ErrDefinitionMismatch, "region %s is not %s", def.UUID, hello.RegionUUID))
	}

	span.SetAttributes(telemetry.RegionUUID(def.UUID.String()))
	logger.InfoCtx(c.ctx, "upstairs connected", logger.KeyRegionUUID, def.UUID.String())
	return c.send(&protocol.HelloAck{
		Version:     protocol.Version,
		RegionUUID:  def.UUID.String(),
		ReadOnly:    c.server.region.ReadOnly(),
		BlockSize:   def.BlockSize,
		ExtentSize:  def.ExtentSize,
		ExtentCount: def.ExtentCount,
	})
}

func (c *connection) reject(err *regerrors.RegionError) error {
	if sendErr := c.send(&protocol.Error{Code: uint32(err.Code), Message: err.Error()}); sendErr != nil {
		return errors.Join(err, sendErr)
	}
	return err
}

func (c *connection) readLoop(d *work.Dispatcher) {
	for {
		if c.shuttingDown() {
			return
		}
		if err := c.setIdleDeadline(); err != nil {
			return
		}

		m, err := protocol.ReadMessage(c.conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				if !c.shuttingDown() {
					logger.InfoCtx(c.ctx, "closing idle connection")
				}
			default:
				logger.WarnCtx(c.ctx, "read failed", logger.KeyError, err)
				_ = c.send(&protocol.Error{Code: uint32(regerrors.ErrInvalidRequest), Message: err.Error()})
			}
			return
		}

		if req, ok := m.(*protocol.ExtentInfoRequest); ok {
			if err := c.send(c.extentInfo(req)); err != nil {
				return
			}
			continue
		}

		id, op, err := c.toOp(m)
		if err == nil {
			err = d.Submit(c.ctx, id, op)
		}
		if err != nil {
			logger.DebugCtx(c.ctx, "job rejected", logger.KeyJobID, id, logger.KeyError, err)
			if sendErr := c.send(jobResult(work.Result{ID: id, State: work.StateError, Err: err})); sendErr != nil {
				return
			}
		}
	}
}

func (c *connection) extentInfo(req *protocol.ExtentInfoRequest) protocol.Message {
	info, err := c.server.region.ExtentInfo(int(req.Extent))
	if err != nil {
		return &protocol.Error{Code: uint32(regerrors.CodeOf(err)), Message: err.Error()}
	}
	return &protocol.ExtentInfoReply{
		Extent:      req.Extent,
		Generation:  info.Generation,
		FlushNumber: info.FlushNumber,
		Dirty:       info.Dirty,
		State:       info.State.String(),
	}
}

// toOp converts a job message into a dispatcher operation.
func (c *connection) toOp(m protocol.Message) (uint64, work.Op, error) {
	switch m := m.(type) {
	case *protocol.Read:
		return m.JobID, work.Read{Range: region.BlockRange{Start: m.Start, Count: m.Count}}, nil
	case *protocol.Write:
		return m.JobID, work.Write{Start: m.Start, Data: m.Data}, nil
	case *protocol.Flush:
		op := work.Flush{FlushNumber: m.FlushNumber, Generation: m.Generation}
		if m.HasLimit {
			limit := m.ExtentLimit
			op.ExtentLimit = &limit
		}
		return m.JobID, op, nil
	case *protocol.ExtentClose:
		return m.JobID, work.ExtentClose{Extent: int(m.Extent), Source: m.Source}, nil
	case *protocol.ExtentRepair:
		if m.SourceURL == "" {
			return m.JobID, nil, regerrors.NewExtent(regerrors.ErrInvalidRequest, int(m.Extent), "repair without source")
		}
		return m.JobID, work.ExtentRepair{Extent: int(m.Extent), Source: c.source(m.SourceURL)}, nil
	case *protocol.ExtentReopen:
		return m.JobID, work.ExtentReopen{Extent: int(m.Extent), Generation: m.Generation}, nil
	}
	return 0, nil, regerrors.New(regerrors.ErrInvalidRequest, "unexpected %s message", m.Type())
}

func (c *connection) source(url string) repair.Source {
	if src, ok := c.sources[url]; ok {
		return src
	}
	src := repair.NewHTTPSource(url, c.server.cfg.RepairTimeout)
	c.sources[url] = src
	return src
}

// writeResults sends every dispatcher result. A repair that exhausted its
// retries leaves the extent closed, so the connection is dropped after
// reporting it.
func (c *connection) writeResults(d *work.Dispatcher, done chan<- struct{}) {
	defer close(done)
	for r := range d.Results() {
		if err := c.send(jobResult(r)); err != nil {
			logger.DebugCtx(c.ctx, "write result failed", logger.KeyJobID, r.ID, logger.KeyError, err)
			_ = c.conn.Close()
			continue
		}
		if r.State == work.StateError && regerrors.IsRepairFailedError(r.Err) {
			logger.ErrorCtx(c.ctx, "repair failed, closing connection", logger.KeyJobID, r.ID, logger.KeyError, r.Err)
			_ = c.conn.Close()
		}
	}
}

func jobResult(r work.Result) *protocol.JobResult {
	out := &protocol.JobResult{JobID: r.ID, Data: r.Data}
	switch r.State {
	case work.StateComplete:
		out.Status = protocol.StatusComplete
	case work.StateAborted:
		out.Status = protocol.StatusAborted
	default:
		out.Status = protocol.StatusError
		if r.Err != nil {
			out.Code = uint32(regerrors.CodeOf(r.Err))
			out.Message = r.Err.Error()
		}
	}
	return out
}
