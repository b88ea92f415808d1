package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys. Use these consistently so log lines from the region,
// repair and dispatcher layers can be correlated.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Connection
	KeyConnectionID = "connection_id"
	KeyClientAddr   = "client_addr"
	KeyAddress      = "address"

	// Jobs
	KeyJobID   = "job_id"
	KeyOp      = "op"
	KeyDeps    = "deps"
	KeyState   = "state"
	KeyWorkers = "workers"

	// Region and extents
	KeyRegion      = "region"
	KeyRegionUUID  = "region_uuid"
	KeyExtent      = "extent"
	KeyExtents     = "extents"
	KeyGeneration  = "generation"
	KeyFlushNumber = "flush_number"
	KeyBlock       = "block"
	KeyBlocks      = "blocks"
	KeyBlockSize   = "block_size"
	KeyDirty       = "dirty"
	KeyBackend     = "metadata_backend"
	KeyReadOnly    = "read_only"

	// Repair
	KeySource     = "source"
	KeyStep       = "step"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyChecksum   = "checksum"

	// Generic
	KeyPath       = "path"
	KeyBytes      = "bytes"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyBucket     = "bucket"
	KeyKey        = "key"
)

// Extent returns a slog.Attr for an extent index.
func Extent(i int) slog.Attr {
	return slog.Int(KeyExtent, i)
}

// Job returns a slog.Attr for a dispatcher job id.
func Job(id uint64) slog.Attr {
	return slog.Uint64(KeyJobID, id)
}

// Generation returns a slog.Attr for an extent generation.
func Generation(g uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, g)
}

// FlushNumber returns a slog.Attr for a flush number.
func FlushNumber(n uint64) slog.Attr {
	return slog.Uint64(KeyFlushNumber, n)
}

// Checksum returns a slog.Attr rendering a checksum as hex.
func Checksum(sum []byte) slog.Attr {
	return slog.String(KeyChecksum, fmt.Sprintf("%x", sum))
}

// Err returns a slog.Attr for an error; nil errors produce an empty attr
// which the handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
