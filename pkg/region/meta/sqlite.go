package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// extentMetadata is the single row kept in every <extent>.db.
type extentMetadata struct {
	ID          uint   `gorm:"primaryKey"`
	Generation  uint64 `gorm:"not null"`
	FlushNumber uint64 `gorm:"not null"`
	Dirty       bool   `gorm:"not null"`
	Blocks      uint64 `gorm:"not null"`
	DirtyBitmap []byte
	UpdatedAt   time.Time
}

func (extentMetadata) TableName() string {
	return "extent_metadata"
}

const metadataRowID = 1

type sqliteBackend struct {
	opts Options
}

func newSQLiteBackend(opts Options) *sqliteBackend {
	return &sqliteBackend{opts: opts}
}

func (b *sqliteBackend) Kind() Kind { return KindSQLite }

func (b *sqliteBackend) Close() error { return nil }

// SQLitePath returns the metadata database path for an extent data file.
func SQLitePath(dataPath string) string {
	return dataPath + ".db"
}

func (b *sqliteBackend) Open(ctx context.Context, n int, dataPath string, blocks uint64, create bool) (Store, error) {
	// SQLite pragmas:
	// - journal_mode(WAL): commits append to the WAL, readers never block
	// - synchronous(FULL): the WAL is fsynced on every commit
	// - busy_timeout(5000): wait up to 5 seconds when the database is locked
	dsn := SQLitePath(dataPath) + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata for extent %d: %w", n, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, blocks: blocks, readOnly: b.opts.ReadOnly}

	if !b.opts.ReadOnly {
		if err := db.WithContext(ctx).AutoMigrate(&extentMetadata{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to migrate metadata for extent %d: %w", n, err)
		}
	}

	if create {
		if _, err := s.Load(ctx); errors.Is(err, ErrNotFound) {
			err = s.Put(ctx, NewRecord(blocks, 0, 0))
			if err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
		} else if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	return s, nil
}

type sqliteStore struct {
	db       *gorm.DB
	blocks   uint64
	readOnly bool
}

func (s *sqliteStore) Load(ctx context.Context) (Record, error) {
	var row extentMetadata
	err := s.db.WithContext(ctx).First(&row, metadataRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		// A read-only open of a database that was never migrated has no table.
		if s.readOnly && !s.db.Migrator().HasTable(&extentMetadata{}) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to load extent metadata: %w", err)
	}
	return Record{
		Generation:  row.Generation,
		FlushNumber: row.FlushNumber,
		Dirty:       row.Dirty,
		Blocks:      row.Blocks,
		Bitmap:      row.DirtyBitmap,
	}, nil
}

func (s *sqliteStore) update(ctx context.Context, fields map[string]any) error {
	if s.readOnly {
		return errors.New("metadata store is read-only")
	}
	fields["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Model(&extentMetadata{ID: metadataRowID}).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update extent metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SaveDirty(ctx context.Context, bm *Bitmap) error {
	return s.update(ctx, map[string]any{
		"dirty":        bm.Any(),
		"dirty_bitmap": bm.Bytes(),
	})
}

func (s *sqliteStore) Commit(ctx context.Context, flush, gen uint64) error {
	return s.update(ctx, map[string]any{
		"generation":   gen,
		"flush_number": flush,
		"dirty":        false,
		"dirty_bitmap": NewBitmap(s.blocks).Bytes(),
	})
}

func (s *sqliteStore) Put(ctx context.Context, r Record) error {
	if s.readOnly {
		return errors.New("metadata store is read-only")
	}
	row := extentMetadata{
		ID:          metadataRowID,
		Generation:  r.Generation,
		FlushNumber: r.FlushNumber,
		Dirty:       r.Dirty,
		Blocks:      r.Blocks,
		DirtyBitmap: r.Bitmap,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to store extent metadata: %w", err)
		}
		return nil
	})
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
