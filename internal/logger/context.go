package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds the per-connection / per-job fields injected by the *Ctx
// helpers.
type LogContext struct {
	TraceID      string
	SpanID       string
	ConnectionID string // remote upstairs connection
	ClientAddr   string
	Op           string // job operation name (read, write, flush, ...)
	JobID        uint64
	StartTime    time.Time
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a newly accepted connection.
func NewLogContext(connID, clientAddr string) *LogContext {
	return &LogContext{
		ConnectionID: connID,
		ClientAddr:   clientAddr,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithJob returns a copy scoped to one dispatcher job.
func (lc *LogContext) WithJob(id uint64, op string) *LogContext {
	c := lc.Clone()
	if c == nil {
		c = &LogContext{}
	}
	c.JobID = id
	c.Op = op
	c.StartTime = time.Now()
	return c
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
