package region

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/marmos91/downstairs/pkg/bufpool"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

// ExtentState is the live-repair state of an extent. Only Open extents
// accept normal I/O; the other states belong to a repair in progress.
type ExtentState int

const (
	StateOpen ExtentState = iota
	StateClosed
	StateRepairing
	StateReopening
	StateVerifying
)

func (s ExtentState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateRepairing:
		return "repairing"
	case StateReopening:
		return "reopening"
	case StateVerifying:
		return "verifying"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ExtentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ExtentState) UnmarshalText(text []byte) error {
	for c := StateOpen; c <= StateVerifying; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown extent state %q", text)
}

// ExtentInfo is a snapshot of an extent's metadata.
type ExtentInfo struct {
	Number      int         `json:"number"`
	Generation  uint64      `json:"generation"`
	FlushNumber uint64      `json:"flush_number"`
	Dirty       bool        `json:"dirty"`
	DirtyBlocks uint64      `json:"dirty_blocks"`
	State       ExtentState `json:"state"`
}

// extent is one fixed-size slice of the region: a block data file plus its
// metadata store. All fields below mu are guarded by it.
type extent struct {
	number    int
	blockSize uint64
	blocks    uint64
	path      string
	readOnly  bool

	mu       sync.Mutex
	data     *dataFile
	store    meta.Store
	gen      uint64
	flush    uint64
	dirty    *meta.Bitmap
	state    ExtentState
	reopened chan struct{} // closed when state returns to StateOpen
}

type extentParams struct {
	def      Definition
	dir      string
	backend  meta.Backend
	readOnly bool
	direct   bool
	verify   bool
	create   bool

	// initial generation/flush for created extents
	gen, flush uint64
}

func openExtent(ctx context.Context, n int, p extentParams) (*extent, error) {
	e := &extent{
		number:    n,
		blockSize: p.def.BlockSize,
		blocks:    p.def.ExtentSize,
		path:      ExtentPath(p.dir, n),
		readOnly:  p.readOnly,
		state:     StateOpen,
	}

	flag := os.O_RDWR
	if p.readOnly {
		flag = os.O_RDONLY
	}
	if p.create {
		if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
			return nil, regerrors.NewIOError(n, "create extent directory", err)
		}
		flag |= os.O_CREATE | os.O_EXCL
	}

	data, err := openDataFile(e.path, flag, p.direct)
	if err != nil {
		if !p.create && errors.Is(err, os.ErrNotExist) {
			return nil, regerrors.NewCorruptMetadataError(n, "extent data file missing")
		}
		return nil, regerrors.NewIOError(n, "open extent data file", err)
	}
	e.data = data

	if p.create {
		if err := data.f.Truncate(int64(p.def.ExtentBytes())); err != nil {
			_ = data.close()
			return nil, regerrors.NewIOError(n, "allocate extent", err)
		}
	} else if p.verify {
		size, err := data.size()
		if err != nil {
			_ = data.close()
			return nil, regerrors.NewIOError(n, "stat extent", err)
		}
		if uint64(size) != p.def.ExtentBytes() {
			_ = data.close()
			return nil, regerrors.NewCorruptMetadataError(n, "data file is %d bytes, expected %d", size, p.def.ExtentBytes())
		}
	}

	store, err := p.backend.Open(ctx, n, e.path, e.blocks, p.create)
	if err != nil {
		_ = data.close()
		return nil, regerrors.NewIOError(n, "open extent metadata", err)
	}
	e.store = store

	if p.create && (p.gen != 0 || p.flush != 0) {
		if err := store.Put(ctx, meta.NewRecord(e.blocks, p.gen, p.flush)); err != nil {
			e.closeFiles()
			return nil, regerrors.NewIOError(n, "initialise extent metadata", err)
		}
	}

	rec, err := store.Load(ctx)
	if errors.Is(err, meta.ErrNotFound) {
		e.closeFiles()
		return nil, regerrors.NewCorruptMetadataError(n, "extent metadata missing")
	}
	if err != nil {
		e.closeFiles()
		return nil, regerrors.NewIOError(n, "load extent metadata", err)
	}

	bm, err := rec.Validate(e.blocks)
	if err != nil {
		e.closeFiles()
		return nil, regerrors.NewCorruptMetadataError(n, "%v", err)
	}

	e.gen = rec.Generation
	e.flush = rec.FlushNumber
	e.dirty = bm
	return e, nil
}

func (e *extent) closeFiles() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.data != nil {
		_ = e.data.close()
	}
}

// infoLocked returns a metadata snapshot. Caller holds mu.
func (e *extent) infoLocked() ExtentInfo {
	return ExtentInfo{
		Number:      e.number,
		Generation:  e.gen,
		FlushNumber: e.flush,
		Dirty:       e.dirty.Any(),
		DirtyBlocks: e.dirty.Count(),
		State:       e.state,
	}
}

func (e *extent) offset(block uint64) int64 {
	return int64(block * e.blockSize)
}

// readLocked reads len(p)/blockSize blocks starting at block first.
func (e *extent) readLocked(p []byte, first uint64) error {
	if err := e.data.readAt(p, e.offset(first)); err != nil {
		return regerrors.NewIOError(e.number, "read extent", err)
	}
	return nil
}

// writeLocked writes p at block first. The dirty bits for the range are
// persisted before the data reaches the file, so a crash never leaves a
// modified block with a clear bit.
func (e *extent) writeLocked(ctx context.Context, p []byte, first uint64) error {
	count := uint64(len(p)) / e.blockSize

	if !e.dirty.ContainsRange(first, first+count) {
		next := e.dirty.Clone()
		next.SetRange(first, first+count)
		if err := e.store.SaveDirty(ctx, next); err != nil {
			return regerrors.NewIOError(e.number, "persist dirty bitmap", err)
		}
		e.dirty = next
	}

	if err := e.data.writeAt(p, e.offset(first)); err != nil {
		return regerrors.NewIOError(e.number, "write extent", err)
	}
	return nil
}

// flushLocked runs both flush barriers for this extent: data fdatasync,
// then a durable metadata commit of the new flush number and generation.
// The recorded generation never decreases. Any failure is fatal.
func (e *extent) flushLocked(ctx context.Context, flush, gen uint64) error {
	gen = max(gen, e.gen)

	if err := e.data.sync(); err != nil {
		return regerrors.NewFatalIOError(e.number, e.gen, e.flush, "fdatasync extent", err)
	}
	if err := e.store.Commit(ctx, flush, gen); err != nil {
		return regerrors.NewFatalIOError(e.number, e.gen, e.flush, "commit extent metadata", err)
	}

	e.flush = flush
	e.gen = gen
	e.dirty.Reset()
	return nil
}

// reloadLocked re-reads and validates the persisted record, replacing the
// in-memory copy.
func (e *extent) reloadLocked(ctx context.Context) error {
	rec, err := e.store.Load(ctx)
	if err != nil {
		return regerrors.NewIOError(e.number, "reload extent metadata", err)
	}
	bm, err := rec.Validate(e.blocks)
	if err != nil {
		return regerrors.NewCorruptMetadataError(e.number, "%v", err)
	}
	e.gen, e.flush, e.dirty = rec.Generation, rec.FlushNumber, bm
	return nil
}

// streamLocked copies the extent data to w in chunks and returns the xxh3
// 128-bit checksum of everything written.
func (e *extent) streamLocked(ctx context.Context, w io.Writer) ([]byte, error) {
	const chunkBlocks = 64

	h := xxh3.New()
	out := io.Writer(h)
	if w != nil {
		out = io.MultiWriter(h, w)
	}

	buf := bufpool.GetBlocks(chunkBlocks, e.blockSize)
	defer bufpool.Put(buf)
	for first := uint64(0); first < e.blocks; first += chunkBlocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(chunkBlocks, e.blocks-first)
		chunk := buf[:n*e.blockSize]
		if err := e.readLocked(chunk, first); err != nil {
			return nil, err
		}
		if _, err := out.Write(chunk); err != nil {
			return nil, fmt.Errorf("stream extent %d: %w", e.number, err)
		}
	}

	sum := h.Sum128().Bytes()
	return sum[:], nil
}

// closeLocked syncs the data file and releases both files.
func (e *extent) closeLocked() error {
	var errs []error
	if !e.readOnly {
		if err := e.data.sync(); err != nil {
			errs = append(errs, regerrors.NewIOError(e.number, "sync on close", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.data.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
