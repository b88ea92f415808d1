// Package export copies the blocks of a region to a flat image, either a
// local file or an S3 object.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/internal/telemetry"
	"github.com/marmos91/downstairs/pkg/metrics"
)

var errWriterClosed = errors.New("export writer closed")

// Source is a region that can be exported. *region.Region implements it.
type Source interface {
	ExportTo(ctx context.Context, w io.Writer, skip, count uint64) (uint64, error)
}

// Destination is a parsed export target.
type Destination struct {
	// Path is set for file destinations.
	Path string

	// Bucket and Key are set for s3:// destinations.
	Bucket string
	Key    string
}

// IsS3 reports whether d names an S3 object.
func (d Destination) IsS3() bool {
	return d.Bucket != ""
}

func (d Destination) String() string {
	if d.IsS3() {
		return "s3://" + d.Bucket + "/" + d.Key
	}
	return d.Path
}

// ParseDestination accepts a file path or s3://bucket/key.
func ParseDestination(s string) (Destination, error) {
	if s == "" {
		return Destination{}, errors.New("empty export destination")
	}
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		return Destination{Path: s}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Destination{}, fmt.Errorf("invalid S3 destination %q: want s3://bucket/key", s)
	}
	return Destination{Bucket: bucket, Key: key}, nil
}

// Options selects the blocks to export.
type Options struct {
	// Skip is the first block exported.
	Skip uint64

	// Count is the number of blocks exported; 0 exports to the end.
	Count uint64
}

// Exporter writes region images to files or S3.
type Exporter struct {
	// S3 configures the client created for s3:// destinations.
	S3 S3Config

	// Client overrides the S3 client built from S3.
	Client S3API

	Metrics *metrics.Metrics
}

// Export writes the selected blocks of src to dest and returns the number of
// bytes written. A failed export leaves no partial file or object behind.
func (e *Exporter) Export(ctx context.Context, src Source, dest Destination, opts Options) (uint64, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanExport)
	defer span.End()

	var (
		n   uint64
		err error
	)
	if dest.IsS3() {
		span.SetAttributes(telemetry.Bucket(dest.Bucket), telemetry.StorageKey(dest.Key))
		n, err = e.exportS3(ctx, src, dest, opts)
	} else {
		n, err = exportFile(ctx, src, dest.Path, opts)
	}
	span.SetAttributes(telemetry.Bytes(n))
	if err != nil {
		telemetry.RecordError(ctx, err)
		return n, err
	}

	kind := "file"
	if dest.IsS3() {
		kind = "s3"
	}
	e.Metrics.RecordExportBytes(kind, int64(n))

	logger.Info("region exported",
		logger.KeyPath, dest.String(),
		logger.KeyBytes, n,
		logger.KeyDurationMs, logger.Duration(start))
	return n, nil
}

func (e *Exporter) exportS3(ctx context.Context, src Source, dest Destination, opts Options) (uint64, error) {
	client := e.Client
	if client == nil {
		c, err := NewS3Client(ctx, e.S3)
		if err != nil {
			return 0, err
		}
		client = c
	}

	w := NewS3Writer(ctx, client, dest.Bucket, dest.Key, e.S3.PartSize)
	n, err := src.ExportTo(ctx, w, opts.Skip, opts.Count)
	if err != nil {
		w.Abort()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// exportFile writes to a temporary file next to path and renames it into
// place once synced.
func exportFile(ctx context.Context, src Source, path string, opts Options) (n uint64, err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	n, err = src.ExportTo(ctx, f, opts.Skip, opts.Count)
	if err != nil {
		return n, err
	}
	if err = f.Sync(); err != nil {
		return n, fmt.Errorf("sync export file: %w", err)
	}
	if err = f.Close(); err != nil {
		return n, fmt.Errorf("close export file: %w", err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return n, fmt.Errorf("rename export file: %w", err)
	}
	return n, nil
}
