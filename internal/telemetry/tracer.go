package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. Generic network keys follow the OpenTelemetry semantic
// conventions; downstairs-specific ones use the "ds." prefix.
const (
	AttrClientAddr = "client.address"

	AttrRegionUUID  = "ds.region.uuid"
	AttrJobID       = "ds.job.id"
	AttrJobKind     = "ds.job.kind"
	AttrJobState    = "ds.job.state"
	AttrBlockStart  = "ds.block.start"
	AttrBlockCount  = "ds.block.count"
	AttrExtent      = "ds.extent"
	AttrGeneration  = "ds.generation"
	AttrFlushNumber = "ds.flush_number"
	AttrAttempt     = "ds.repair.attempt"
	AttrSource      = "ds.repair.source"
	AttrBytes       = "ds.bytes"

	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
)

// Span names, <component>.<operation>.
const (
	SpanHandshake = "server.handshake"
	SpanJob       = "work.job"

	SpanRepairClose  = "repair.close"
	SpanRepairFetch  = "repair.fetch"
	SpanRepairReopen = "repair.reopen"
	SpanRepairExtent = "repair.extent"

	SpanExport = "export.region"
)

// ClientAddr returns an attribute for the remote address of a connection.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

func RegionUUID(id string) attribute.KeyValue {
	return attribute.String(AttrRegionUUID, id)
}

// JobID returns an attribute for a per-connection job ID.
func JobID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrJobID, int64(id))
}

func JobKind(kind string) attribute.KeyValue {
	return attribute.String(AttrJobKind, kind)
}

func JobState(state string) attribute.KeyValue {
	return attribute.String(AttrJobState, state)
}

// BlockRange returns the start and count attributes of a block range.
func BlockRange(start, count uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrBlockStart, int64(start)),
		attribute.Int64(AttrBlockCount, int64(count)),
	}
}

func Extent(i int) attribute.KeyValue {
	return attribute.Int(AttrExtent, i)
}

func Generation(gen uint64) attribute.KeyValue {
	return attribute.Int64(AttrGeneration, int64(gen))
}

func FlushNumber(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrFlushNumber, int64(n))
}

func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// RepairSource returns an attribute describing where repair data comes from.
func RepairSource(desc string) attribute.KeyValue {
	return attribute.String(AttrSource, desc)
}

func Bytes(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, int64(n))
}

func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartJobSpan starts the span of one dispatcher job.
func StartJobSpan(ctx context.Context, kind string, id uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	allAttrs = append(allAttrs, JobKind(kind), JobID(id))
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanJob,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(allAttrs...))
}

// StartRepairSpan starts the span of one repair step on extent i.
func StartRepairSpan(ctx context.Context, name string, i int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, Extent(i))
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
