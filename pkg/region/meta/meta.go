// Package meta persists per-extent metadata: generation, flush number, the
// extent dirty flag and the per-block dirty bitmap.
//
// Two backends exist. The sqlite backend keeps one small database next to
// every extent data file; the badger backend keeps all extents of a region in
// a single key-value store. Both commit synchronously: a Commit that returns
// nil has reached stable storage, which is the second barrier of the flush
// protocol.
package meta

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a metadata backend.
type Kind string

const (
	// KindSQLite stores metadata in <extent>.db via gorm + pure-Go sqlite.
	KindSQLite Kind = "sqlite"

	// KindBadger stores metadata for all extents in <region>/meta.badger.
	KindBadger Kind = "badger"
)

// ErrNotFound is returned by Load when no record exists for the extent.
var ErrNotFound = errors.New("extent metadata not found")

// Record is the persisted metadata of one extent.
type Record struct {
	Generation  uint64 `json:"generation"`
	FlushNumber uint64 `json:"flush_number"`
	Dirty       bool   `json:"dirty"`
	Blocks      uint64 `json:"blocks"`
	Bitmap      []byte `json:"bitmap"`
}

// NewRecord returns a clean record for an extent of the given size.
func NewRecord(blocks, gen, flush uint64) Record {
	return Record{
		Generation:  gen,
		FlushNumber: flush,
		Blocks:      blocks,
		Bitmap:      NewBitmap(blocks).Bytes(),
	}
}

// Validate checks the record against the extent size it belongs to.
func (r Record) Validate(blocks uint64) (*Bitmap, error) {
	if r.Blocks != blocks {
		return nil, fmt.Errorf("record describes %d blocks, extent has %d", r.Blocks, blocks)
	}
	bm, err := BitmapFromBytes(blocks, r.Bitmap)
	if err != nil {
		return nil, err
	}
	if bm.Any() != r.Dirty {
		return nil, fmt.Errorf("dirty flag %t disagrees with bitmap (%d dirty blocks)", r.Dirty, bm.Count())
	}
	return bm, nil
}

// Store is the metadata of a single extent.
type Store interface {
	// Load returns the persisted record, or ErrNotFound.
	Load(ctx context.Context) (Record, error)

	// SaveDirty persists the dirty bitmap (and dirty flag) without touching
	// generation or flush number.
	SaveDirty(ctx context.Context, bm *Bitmap) error

	// Commit durably records a completed flush: new flush number and
	// generation, cleared bitmap.
	Commit(ctx context.Context, flush, gen uint64) error

	// Put overwrites the whole record.
	Put(ctx context.Context, r Record) error

	Close() error
}

// Backend opens Stores for the extents of one region.
type Backend interface {
	Kind() Kind

	// Open returns the store of extent n whose data file is at dataPath.
	// With create set, a missing record is initialised clean at gen/flush
	// zero; without it a missing record is ErrNotFound.
	Open(ctx context.Context, n int, dataPath string, blocks uint64, create bool) (Store, error)

	Close() error
}

// Options configures a Backend.
type Options struct {
	// ReadOnly opens the underlying databases without write access.
	ReadOnly bool
}

// OpenBackend opens the backend of the given kind for the region at dir.
func OpenBackend(kind Kind, dir string, opts Options) (Backend, error) {
	switch kind {
	case KindSQLite, "":
		return newSQLiteBackend(opts), nil
	case KindBadger:
		return newBadgerBackend(dir, opts)
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %q", kind)
	}
}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSQLite, KindBadger:
		return Kind(s), nil
	case "":
		return KindSQLite, nil
	default:
		return "", fmt.Errorf("unsupported metadata backend: %q", s)
	}
}
