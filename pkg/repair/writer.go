package repair

import (
	"context"

	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

const writeChunkBlocks = 64

// extentWriter turns a byte stream into repair writes covering exactly one
// extent.
type extentWriter struct {
	ctx     context.Context
	region  *region.Region
	extent  int
	bs      uint64
	first   uint64
	next    uint64 // next region block to write
	end     uint64
	buf     []byte
	written int64
}

func newExtentWriter(ctx context.Context, r *region.Region, def region.Definition, i int) *extentWriter {
	first := uint64(i) * def.ExtentSize
	return &extentWriter{
		ctx:    ctx,
		region: r,
		extent: i,
		bs:     def.BlockSize,
		first:  first,
		next:   first,
		end:    first + def.ExtentSize,
		buf:    make([]byte, 0, writeChunkBlocks*def.BlockSize),
	}
}

func (w *extentWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := cap(w.buf) - len(w.buf)
		take := min(room, len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == cap(w.buf) {
			if err := w.flushBuf(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (w *extentWriter) flushBuf() error {
	if len(w.buf) == 0 {
		return nil
	}
	blocks := uint64(len(w.buf)) / w.bs
	if w.next+blocks > w.end {
		return regerrors.NewRepairFailedError(w.extent, "source sent more than one extent of data")
	}
	if err := w.region.Write(w.ctx, w.next, w.buf, true); err != nil {
		return err
	}
	w.next += blocks
	w.written += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// finish writes any buffered tail and checks the whole extent arrived.
func (w *extentWriter) finish() error {
	if uint64(len(w.buf))%w.bs != 0 {
		return regerrors.NewRepairFailedError(w.extent, "source stream ended mid-block")
	}
	if err := w.flushBuf(); err != nil {
		return err
	}
	if w.next != w.end {
		return regerrors.NewRepairFailedError(w.extent, "source sent %d of %d blocks", w.next-w.first, w.end-w.first)
	}
	return nil
}
