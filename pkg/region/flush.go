package region

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/downstairs/internal/logger"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// maxParallelSyncs bounds concurrent fdatasync calls during a flush.
const maxParallelSyncs = 8

// Flush makes every write acknowledged so far durable for extents
// 0..=*extentLimit (every extent when extentLimit is nil) and records
// flushNumber and generation on them. Extents are flushed even when clean so
// that flush numbers stay aligned across the region.
//
// A flush number lower than one already recorded by an included extent is
// rejected with ErrInvalidFlush before anything is written. An I/O failure
// is returned as a fatal RegionError: the caller must stop serving.
func (r *Region) Flush(ctx context.Context, flushNumber, generation uint64, extentLimit *uint32) error {
	if r.opts.ReadOnly {
		return regerrors.NewReadOnlyError("flush")
	}

	def := r.Def()
	n := int(def.ExtentCount)
	if extentLimit != nil {
		if *extentLimit >= def.ExtentCount {
			return regerrors.New(regerrors.ErrInvalidRequest, "extent limit %d outside region of %d extents", *extentLimit, def.ExtentCount)
		}
		n = int(*extentLimit) + 1
	}

	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}

	unlock, err := r.lockExtents(ctx, idxs, lockOpen)
	if err != nil {
		return err
	}

	exts, err := r.snapshot()
	if err != nil {
		unlock()
		return err
	}
	exts = exts[:n]

	for _, e := range exts {
		if flushNumber < e.flush {
			unlock()
			return &regerrors.RegionError{
				Code:        regerrors.ErrInvalidFlush,
				Message:     "flush number regresses",
				Extent:      e.number,
				Generation:  e.gen,
				FlushNumber: e.flush,
			}
		}
	}

	// Once the first barrier starts the flush runs to completion.
	commitCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(maxParallelSyncs)
	for _, e := range exts {
		g.Go(func() error {
			return e.flushLocked(commitCtx, flushNumber, generation)
		})
	}
	err = g.Wait()
	unlock()

	if err != nil {
		if re, ok := err.(*regerrors.RegionError); ok && re.Fatal {
			logger.Error("flush failed, region can no longer guarantee durability",
				logger.KeyExtent, re.Extent,
				logger.KeyGeneration, re.Generation,
				logger.KeyFlushNumber, re.FlushNumber,
				logger.Err(re.Err))
		}
		return err
	}

	if extentLimit == nil {
		if err := r.clearRepairRecord(); err != nil {
			return err
		}
	} else if err := r.notePartialFlush(*extentLimit); err != nil {
		return err
	}

	logger.Debug("region flushed",
		logger.KeyFlushNumber, flushNumber,
		logger.KeyGeneration, generation,
		logger.KeyExtents, n)
	return nil
}
