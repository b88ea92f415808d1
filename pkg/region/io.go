package region

import (
	"context"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// BlockRange is a contiguous run of blocks, addressed region-wide.
type BlockRange struct {
	Start uint64
	Count uint64
}

// End returns the first block past the range.
func (b BlockRange) End() uint64 {
	return b.Start + b.Count
}

// Within reports whether the range lies inside a region of total blocks.
func (b BlockRange) Within(total uint64) bool {
	return b.Start < total && b.Count <= total-b.Start
}

// Overlaps reports whether two ranges share a block.
func (b BlockRange) Overlaps(o BlockRange) bool {
	return b.Count > 0 && o.Count > 0 && b.Start < o.End() && o.Start < b.End()
}

// Extents returns the indexes of the extents touched by the range.
func (b BlockRange) Extents(extentSize uint64) []int {
	if b.Count == 0 {
		return nil
	}
	first, last := b.Start/extentSize, (b.End()-1)/extentSize
	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, int(i))
	}
	return out
}

// span is the part of a request that falls into one extent.
type span struct {
	extent int
	first  uint64 // first block within the extent
	count  uint64
	offset uint64 // byte offset into the request buffer
}

func (r *Region) spans(br BlockRange, def Definition) ([]span, error) {
	total := def.TotalBlocks()
	if br.Count == 0 {
		return nil, regerrors.New(regerrors.ErrInvalidRequest, "empty block range")
	}
	if !br.Within(total) {
		return nil, regerrors.NewOutOfBoundsError(br.Start, br.Count, total)
	}

	var out []span
	var off uint64
	for b, remaining := br.Start, br.Count; remaining > 0; {
		within := b % def.ExtentSize
		n := min(def.ExtentSize-within, remaining)
		out = append(out, span{
			extent: int(b / def.ExtentSize),
			first:  within,
			count:  n,
			offset: off,
		})
		off += n * def.BlockSize
		b += n
		remaining -= n
	}
	return out, nil
}

type lockMode int

const (
	// lockOpen waits until every extent is Open.
	lockOpen lockMode = iota
	// lockRepair requires every extent to be in StateRepairing.
	lockRepair
	// lockAny takes the locks regardless of state.
	lockAny
)

// lockExtents locks the given extents in ascending order. Indexes must be
// sorted and unique. In lockOpen mode, when an extent is under repair every
// lock taken so far is released and the call waits for that extent to be
// reopened before starting over.
func (r *Region) lockExtents(ctx context.Context, idxs []int, mode lockMode) (func(), error) {
	for {
		exts, err := r.snapshot()
		if err != nil {
			return nil, err
		}

		held := make([]*extent, 0, len(idxs))
		unlock := func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
			}
		}

		var wait chan struct{}
		for _, i := range idxs {
			if i < 0 || i >= len(exts) {
				unlock()
				return nil, regerrors.New(regerrors.ErrInvalidRequest, "extent %d out of range [0, %d)", i, len(exts))
			}
			e := exts[i]
			e.mu.Lock()
			held = append(held, e)

			switch mode {
			case lockOpen:
				if e.state != StateOpen {
					wait = e.reopened
				}
			case lockRepair:
				if e.state != StateRepairing {
					state := e.state
					unlock()
					return nil, regerrors.NewExtent(regerrors.ErrExtentNotOpen, i, "repair write to extent in state %s", state)
				}
			}
			if wait != nil {
				break
			}
		}

		if wait == nil {
			if r.isClosed() {
				unlock()
				return nil, regerrors.New(regerrors.ErrClosed, "region %s is closed", r.dir)
			}
			return unlock, nil
		}

		unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func spanExtents(spans []span) []int {
	idxs := make([]int, len(spans))
	for i, s := range spans {
		idxs[i] = s.extent
	}
	return idxs
}

// Read returns the data of br, contiguous in block order. It waits while any
// touched extent is under repair.
func (r *Region) Read(ctx context.Context, br BlockRange) ([]byte, error) {
	def := r.Def()
	spans, err := r.spans(br, def)
	if err != nil {
		return nil, err
	}

	unlock, err := r.lockExtents(ctx, spanExtents(spans), lockOpen)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exts, err := r.snapshot()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, br.Count*def.BlockSize)
	for _, s := range spans {
		p := buf[s.offset : s.offset+s.count*def.BlockSize]
		if err := exts[s.extent].readLocked(p, s.first); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Write stores data starting at block start. The touched blocks are marked
// dirty before Write returns.
//
// Normal writes wait while a touched extent is under repair. Repair writes
// (isRepair) are only accepted for extents in the Repairing state.
func (r *Region) Write(ctx context.Context, start uint64, data []byte, isRepair bool) error {
	if r.opts.ReadOnly {
		return regerrors.NewReadOnlyError("write")
	}

	def := r.Def()
	if len(data) == 0 || uint64(len(data))%def.BlockSize != 0 {
		return regerrors.New(regerrors.ErrInvalidRequest, "write of %d bytes is not a positive multiple of block size %d", len(data), def.BlockSize)
	}

	br := BlockRange{Start: start, Count: uint64(len(data)) / def.BlockSize}
	spans, err := r.spans(br, def)
	if err != nil {
		return err
	}

	mode := lockOpen
	if isRepair {
		mode = lockRepair
	}
	unlock, err := r.lockExtents(ctx, spanExtents(spans), mode)
	if err != nil {
		return err
	}
	defer unlock()

	exts, err := r.snapshot()
	if err != nil {
		return err
	}

	for _, s := range spans {
		p := data[s.offset : s.offset+s.count*def.BlockSize]
		if err := exts[s.extent].writeLocked(ctx, p, s.first); err != nil {
			return err
		}
	}
	return nil
}
