package region

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/pkg/bufpool"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// CreateWithImport creates a region and fills it from src, one extent-sized
// chunk at a time. A short final block is zero padded. When src holds more
// data than def describes the region is extended to fit. The import ends
// with Flush(1, 0, nil), so every imported block is durable and clean.
func CreateWithImport(ctx context.Context, dir string, def Definition, opts Options, src io.Reader) (*Region, error) {
	r, err := Create(ctx, dir, def, opts)
	if err != nil {
		return nil, err
	}

	n, err := r.importFrom(ctx, src)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	if err := r.Flush(ctx, 1, 0, nil); err != nil {
		_ = r.Close()
		return nil, err
	}

	logger.Info("region import complete", logger.KeyPath, dir, logger.KeyBytes, n)
	return r, nil
}

func (r *Region) importFrom(ctx context.Context, src io.Reader) (uint64, error) {
	def := r.Def()
	chunk := bufpool.GetBlocks(def.ExtentSize, def.BlockSize)
	defer bufpool.Put(chunk)

	var block, total uint64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := io.ReadFull(src, chunk)
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return total, regerrors.NewIOError(regerrors.NoExtent, "read import source", err)
		}

		data := chunk[:n]
		if rem := uint64(n) % def.BlockSize; rem != 0 {
			pad := def.BlockSize - rem
			data = chunk[:uint64(n)+pad]
			clear(data[n:])
		}

		blocks := uint64(len(data)) / def.BlockSize
		if block+blocks > r.Def().TotalBlocks() {
			need := (block + blocks + def.ExtentSize - 1) / def.ExtentSize
			if err := r.Extend(ctx, uint32(need)); err != nil {
				return total, fmt.Errorf("extend region for import: %w", err)
			}
		}

		if err := r.Write(ctx, block, data, false); err != nil {
			return total, err
		}
		block += blocks
		total += uint64(n)

		if errors.Is(err, io.ErrUnexpectedEOF) || uint64(n) < uint64(len(chunk)) {
			return total, nil
		}
	}
}

// ExportTo writes count blocks starting at block skip to w. A zero count
// exports everything from skip to the end of the region. It returns the
// number of bytes written.
func (r *Region) ExportTo(ctx context.Context, w io.Writer, skip, count uint64) (uint64, error) {
	def := r.Def()
	total := def.TotalBlocks()
	if skip > total {
		return 0, regerrors.NewOutOfBoundsError(skip, count, total)
	}
	if count == 0 {
		count = total - skip
	}
	if count > total-skip {
		return 0, regerrors.NewOutOfBoundsError(skip, count, total)
	}

	var written uint64
	for b, end := skip, skip+count; b < end; {
		// Stay within one extent per read.
		n := min(def.ExtentSize-b%def.ExtentSize, end-b)
		data, err := r.Read(ctx, BlockRange{Start: b, Count: n})
		if err != nil {
			return written, err
		}
		m, err := w.Write(data)
		written += uint64(m)
		if err != nil {
			return written, fmt.Errorf("write export: %w", err)
		}
		b += n
	}
	return written, nil
}
