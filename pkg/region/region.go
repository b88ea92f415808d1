// Package region implements the on-disk storage engine of a downstairs: a
// region is a directory holding a fixed number of equally sized extents,
// each a block data file plus a metadata record (generation, flush number,
// per-block dirty bitmap).
//
// Durability follows a two-barrier flush protocol. A write persists the dirty
// bits it introduces before touching the data file; a flush fdatasyncs the
// data file and then durably commits the new flush number, generation and a
// cleared bitmap. A block whose dirty bit is clear is therefore always on
// stable storage.
//
// Every extent has its own mutex. Operations spanning several extents lock
// them in ascending index order. An extent taken out of service by a live
// repair (see CloseExtent) blocks normal I/O until it is reopened.
package region

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/downstairs/internal/logger"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

// Options controls Create and Open.
type Options struct {
	// ReadOnly opens data files read-only and refuses every mutation.
	ReadOnly bool

	// Verify checks data file sizes and the on-disk extent count.
	Verify bool

	// DirectIO opens block files with O_DIRECT. The block size must be a
	// multiple of the direct I/O alignment.
	DirectIO bool

	// Expect, when set, must match the stored definition.
	Expect *Expectation

	// MetadataBackend selects the backend for Create when the definition
	// does not name one.
	MetadataBackend meta.Kind
}

// Region is an open region directory.
type Region struct {
	dir     string
	opts    Options
	lock    *dirLock
	backend meta.Backend

	// mu guards def, extents and closed. Extent pointers never change once
	// added, so callers may use a snapshot of the slice after unlocking.
	mu      sync.RWMutex
	def     Definition
	extents []*extent
	closed  bool

	// repairMu guards active and record. Never acquired while holding an
	// extent mutex.
	repairMu sync.Mutex
	active   int
	record   *RepairRecord
}

// Create initialises a new region at dir. The directory may exist but must
// not already hold a region.
func Create(ctx context.Context, dir string, def Definition, opts Options) (*Region, error) {
	if def.MetadataBackend == "" {
		def.MetadataBackend = opts.MetadataBackend
	}
	if def.MetadataBackend == "" {
		def.MetadataBackend = meta.KindSQLite
	}
	if def.UUID == uuid.Nil {
		def.UUID = uuid.New()
	}
	if def.Version == 0 {
		def.Version = CurrentVersion
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		return nil, regerrors.NewReadOnlyError("create")
	}
	if opts.DirectIO && !DirectIOSupported(def.BlockSize) {
		return nil, regerrors.NewInvalidDefinitionError("block size %d cannot be used with direct I/O", def.BlockSize)
	}
	if definitionExists(dir) {
		return nil, regerrors.NewAlreadyExistsError(dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, regerrors.NewIOError(regerrors.NoExtent, "create region directory", err)
	}

	lock, err := lockRegion(dir, false)
	if err != nil {
		return nil, err
	}

	backend, err := meta.OpenBackend(def.MetadataBackend, dir, meta.Options{})
	if err != nil {
		_ = lock.release()
		return nil, regerrors.NewIOError(regerrors.NoExtent, "open metadata backend", err)
	}

	r := newRegion(dir, def, opts, lock, backend)

	params := extentParams{def: def, dir: dir, backend: backend, direct: opts.DirectIO, create: true}
	if err := r.openExtents(ctx, 0, int(def.ExtentCount), params); err != nil {
		r.abort()
		return nil, err
	}

	if err := saveDefinition(dir, def); err != nil {
		r.abort()
		return nil, regerrors.NewIOError(regerrors.NoExtent, "write region definition", err)
	}

	logger.Info("region created",
		logger.KeyPath, dir,
		logger.KeyRegionUUID, def.UUID.String(),
		logger.KeyBlockSize, def.BlockSize,
		logger.KeyBlocks, def.ExtentSize,
		logger.KeyExtents, def.ExtentCount,
		logger.KeyBackend, string(def.MetadataBackend))

	return r, nil
}

// Open opens an existing region and validates its metadata.
func Open(ctx context.Context, dir string, opts Options) (*Region, error) {
	def, err := LoadDefinition(dir)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Expect.check(def); err != nil {
		return nil, err
	}
	if opts.DirectIO && !DirectIOSupported(def.BlockSize) {
		return nil, regerrors.NewInvalidDefinitionError("block size %d cannot be used with direct I/O", def.BlockSize)
	}

	if opts.Verify {
		n, err := countExtentFiles(dir)
		if err != nil {
			return nil, regerrors.NewIOError(regerrors.NoExtent, "scan extent files", err)
		}
		if n != int(def.ExtentCount) {
			return nil, regerrors.NewCorruptMetadataError(regerrors.NoExtent, "found %d extent files, definition has %d", n, def.ExtentCount)
		}
	}

	lock, err := lockRegion(dir, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	backend, err := meta.OpenBackend(def.MetadataBackend, dir, meta.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		_ = lock.release()
		return nil, regerrors.NewIOError(regerrors.NoExtent, "open metadata backend", err)
	}

	r := newRegion(dir, def, opts, lock, backend)

	record, err := loadRepairRecord(dir)
	if err != nil {
		r.abort()
		return nil, err
	}
	r.record = record

	params := extentParams{def: def, dir: dir, backend: backend, readOnly: opts.ReadOnly, direct: opts.DirectIO, verify: opts.Verify}
	if err := r.openExtents(ctx, 0, int(def.ExtentCount), params); err != nil {
		r.abort()
		return nil, err
	}

	if record == nil {
		if err := checkFlushConsistency(r.ExtentInfos()); err != nil {
			r.abort()
			return nil, err
		}
	} else {
		logger.Warn("region has an interrupted repair record, skipping cross-extent checks",
			logger.KeyPath, dir,
			logger.KeyExtent, record.Extent,
			logger.KeyStep, record.Step.String())
	}

	logger.Info("region opened",
		logger.KeyPath, dir,
		logger.KeyRegionUUID, def.UUID.String(),
		logger.KeyExtents, def.ExtentCount,
		logger.KeyReadOnly, opts.ReadOnly)

	return r, nil
}

func newRegion(dir string, def Definition, opts Options, lock *dirLock, backend meta.Backend) *Region {
	return &Region{
		dir:     dir,
		opts:    opts,
		lock:    lock,
		backend: backend,
		def:     def,
		active:  regerrors.NoExtent,
	}
}

// openExtents opens (or creates) extents [from, to) concurrently and
// appends them in index order.
func (r *Region) openExtents(ctx context.Context, from, to int, p extentParams) error {
	opened := make([]*extent, to-from)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := from; i < to; i++ {
		g.Go(func() error {
			e, err := openExtent(gctx, i, p)
			if err != nil {
				return err
			}
			opened[i-from] = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, e := range opened {
			if e != nil {
				e.closeFiles()
			}
		}
		return err
	}

	r.mu.Lock()
	r.extents = append(r.extents, opened...)
	r.mu.Unlock()
	return nil
}

// abort releases everything without syncing. Used on failed Create/Open.
func (r *Region) abort() {
	r.mu.Lock()
	for _, e := range r.extents {
		e.closeFiles()
	}
	r.extents = nil
	r.closed = true
	r.mu.Unlock()
	_ = r.backend.Close()
	_ = r.lock.release()
}

// checkFlushConsistency enforces the cross-extent rules of a cleanly shut
// down region: extents of equal generation share a flush number, and a
// higher generation never carries a lower flush number.
func checkFlushConsistency(infos []ExtentInfo) error {
	type genFlush struct {
		gen, flush uint64
		extent     int
	}

	byGen := make(map[uint64]genFlush)
	for _, in := range infos {
		prev, ok := byGen[in.Generation]
		if !ok {
			byGen[in.Generation] = genFlush{in.Generation, in.FlushNumber, in.Number}
			continue
		}
		if prev.flush != in.FlushNumber {
			return regerrors.NewCorruptMetadataError(in.Number,
				"flush number %d differs from %d on extent %d with the same generation %d",
				in.FlushNumber, prev.flush, prev.extent, in.Generation)
		}
	}

	gens := make([]genFlush, 0, len(byGen))
	for _, g := range byGen {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].gen < gens[j].gen })

	for i := 1; i < len(gens); i++ {
		lo, hi := gens[i-1], gens[i]
		if hi.flush < lo.flush {
			return regerrors.NewCorruptMetadataError(hi.extent,
				"generation %d has flush number %d, below %d at generation %d (extent %d)",
				hi.gen, hi.flush, lo.flush, lo.gen, lo.extent)
		}
	}
	return nil
}

// Def returns the region definition.
func (r *Region) Def() Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Dir returns the region directory.
func (r *Region) Dir() string {
	return r.dir
}

// ReadOnly reports whether the region was opened read-only.
func (r *Region) ReadOnly() bool {
	return r.opts.ReadOnly
}

// snapshot returns the extent slice, or Closed.
func (r *Region) snapshot() ([]*extent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, regerrors.New(regerrors.ErrClosed, "region %s is closed", r.dir)
	}
	return r.extents, nil
}

func (r *Region) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Region) extentAt(i int) (*extent, error) {
	exts, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(exts) {
		return nil, regerrors.New(regerrors.ErrInvalidRequest, "extent %d out of range [0, %d)", i, len(exts))
	}
	return exts[i], nil
}

// ExtentInfo returns the metadata snapshot of extent i.
func (r *Region) ExtentInfo(i int) (ExtentInfo, error) {
	e, err := r.extentAt(i)
	if err != nil {
		return ExtentInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked(), nil
}

// ExtentInfos returns snapshots of every extent in index order.
func (r *Region) ExtentInfos() []ExtentInfo {
	r.mu.RLock()
	exts := r.extents
	r.mu.RUnlock()

	out := make([]ExtentInfo, len(exts))
	for i, e := range exts {
		e.mu.Lock()
		out[i] = e.infoLocked()
		e.mu.Unlock()
	}
	return out
}

// ExtentChecksum returns the xxh3-128 checksum of extent i's data. It does
// not wait for a repair to finish, so the repair verifier can use it.
func (r *Region) ExtentChecksum(ctx context.Context, i int) ([]byte, error) {
	e, err := r.extentAt(i)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamLocked(ctx, nil)
}

// Extend grows the region to newCount extents. New extents start clean with
// the generation and flush number of the newest existing extent, so the
// cross-extent rules checked by Open continue to hold.
func (r *Region) Extend(ctx context.Context, newCount uint32) error {
	if r.opts.ReadOnly {
		return regerrors.NewReadOnlyError("extend")
	}

	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if r.active != regerrors.NoExtent {
		return regerrors.NewExtent(regerrors.ErrRepairInProgress, r.active, "cannot extend while a repair is active")
	}

	r.mu.RLock()
	def, closed := r.def, r.closed
	r.mu.RUnlock()
	if closed {
		return regerrors.New(regerrors.ErrClosed, "region %s is closed", r.dir)
	}
	if newCount <= def.ExtentCount {
		return regerrors.New(regerrors.ErrInvalidRequest, "extent count %d does not grow region of %d extents", newCount, def.ExtentCount)
	}

	next := def
	next.ExtentCount = newCount
	if err := next.Validate(); err != nil {
		return err
	}

	var gen, flush uint64
	for _, in := range r.ExtentInfos() {
		if in.Generation > gen || (in.Generation == gen && in.FlushNumber > flush) {
			gen, flush = in.Generation, in.FlushNumber
		}
	}

	params := extentParams{def: next, dir: r.dir, backend: r.backend, direct: r.opts.DirectIO, create: true, gen: gen, flush: flush}
	if err := r.openExtents(ctx, int(def.ExtentCount), int(newCount), params); err != nil {
		return err
	}

	if err := saveDefinition(r.dir, next); err != nil {
		return regerrors.NewIOError(regerrors.NoExtent, "write region definition", err)
	}

	r.mu.Lock()
	r.def = next
	r.mu.Unlock()

	logger.Info("region extended", logger.KeyPath, r.dir, logger.KeyExtents, newCount)
	return nil
}

// Close syncs every extent and releases the region. Operations waiting on a
// closed extent fail with ErrClosed.
func (r *Region) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	exts := r.extents
	r.mu.Unlock()

	var errs []error
	for _, e := range exts {
		e.mu.Lock()
		if e.state != StateOpen {
			close(e.reopened)
			e.state = StateOpen
		}
		if err := e.closeLocked(); err != nil {
			errs = append(errs, err)
		}
		e.mu.Unlock()
	}

	if err := r.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadata backend: %w", err))
	}
	if err := r.lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("release region lock: %w", err))
	}

	logger.Debug("region closed", logger.KeyPath, r.dir)
	return errors.Join(errs...)
}
