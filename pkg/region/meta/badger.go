package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key namespace of the region badger store.
//
// Data Type        Prefix  Key Format     Value Type
// ===================================================
// Extent metadata  "x:"    x:<%08x index> Record (JSON)
const prefixExtent = "x:"

func keyExtent(n int) []byte {
	return fmt.Appendf(nil, "%s%08x", prefixExtent, n)
}

// BadgerDir returns the badger directory of the region at dir.
func BadgerDir(dir string) string {
	return filepath.Join(dir, "meta.badger")
}

type badgerBackend struct {
	db       *badgerdb.DB
	readOnly bool
}

func newBadgerBackend(dir string, opts Options) (*badgerBackend, error) {
	bopts := badgerdb.DefaultOptions(BadgerDir(dir)).
		WithLogger(nil).
		WithSyncWrites(true).
		WithReadOnly(opts.ReadOnly).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger metadata store: %w", err)
	}
	return &badgerBackend{db: db, readOnly: opts.ReadOnly}, nil
}

func (b *badgerBackend) Kind() Kind { return KindBadger }

func (b *badgerBackend) Close() error {
	return b.db.Close()
}

func (b *badgerBackend) Open(ctx context.Context, n int, _ string, blocks uint64, create bool) (Store, error) {
	s := &badgerStore{db: b.db, key: keyExtent(n), blocks: blocks, readOnly: b.readOnly}
	if !create {
		return s, nil
	}
	if _, err := s.Load(ctx); errors.Is(err, ErrNotFound) {
		if err := s.Put(ctx, NewRecord(blocks, 0, 0)); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

type badgerStore struct {
	db       *badgerdb.DB
	key      []byte
	blocks   uint64
	readOnly bool
}

func (s *badgerStore) Load(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var r Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.key)
		if err == badgerdb.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load extent metadata: %w", err)
	}
	return r, nil
}

// modify applies fn to the stored record in a single transaction.
func (s *badgerStore) modify(ctx context.Context, fn func(*Record)) error {
	if s.readOnly {
		return errors.New("metadata store is read-only")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.key)
		if err == badgerdb.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var r Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		}); err != nil {
			return err
		}

		fn(&r)

		data, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		if err := txn.Set(s.key, data); err != nil {
			return fmt.Errorf("failed to store extent metadata: %w", err)
		}
		return nil
	})
}

func (s *badgerStore) SaveDirty(ctx context.Context, bm *Bitmap) error {
	return s.modify(ctx, func(r *Record) {
		r.Dirty = bm.Any()
		r.Bitmap = bm.Bytes()
	})
}

func (s *badgerStore) Commit(ctx context.Context, flush, gen uint64) error {
	return s.modify(ctx, func(r *Record) {
		r.FlushNumber = flush
		r.Generation = gen
		r.Dirty = false
		r.Bitmap = NewBitmap(s.blocks).Bytes()
	})
}

func (s *badgerStore) Put(ctx context.Context, r Record) error {
	if s.readOnly {
		return errors.New("metadata store is read-only")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(s.key, data); err != nil {
			return fmt.Errorf("failed to store extent metadata: %w", err)
		}
		return nil
	})
}

// Close is a no-op: the region's badger database is closed by the backend.
func (s *badgerStore) Close() error {
	return nil
}
