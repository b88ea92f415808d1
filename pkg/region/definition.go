package region

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

// Files kept at the root of a region directory.
const (
	DefinitionFile = "region.json"
	RepairFile     = "repair.json"
	LockFile       = ".lock"
)

const (
	// CurrentVersion is the on-disk format version written by Create.
	CurrentVersion = 1

	MinBlockSize = 512
	MaxBlockSize = 64 * 1024
)

// Definition describes the geometry and identity of a region. Block size and
// extent size never change after creation; extent count only grows through
// Region.Extend.
type Definition struct {
	BlockSize       uint64    `json:"block_size"`
	ExtentSize      uint64    `json:"extent_size"`
	ExtentCount     uint32    `json:"extent_count"`
	UUID            uuid.UUID `json:"uuid"`
	Encrypted       bool      `json:"encrypted"`
	MetadataBackend meta.Kind `json:"metadata_backend"`
	Version         int       `json:"version"`
}

// NewDefinition returns a definition with a fresh UUID and the default
// metadata backend.
func NewDefinition(blockSize, extentSize uint64, extentCount uint32) Definition {
	return Definition{
		BlockSize:       blockSize,
		ExtentSize:      extentSize,
		ExtentCount:     extentCount,
		UUID:            uuid.New(),
		MetadataBackend: meta.KindSQLite,
		Version:         CurrentVersion,
	}
}

// Validate checks the geometry.
func (d Definition) Validate() error {
	if d.BlockSize < MinBlockSize || d.BlockSize > MaxBlockSize || bits.OnesCount64(d.BlockSize) != 1 {
		return regerrors.NewInvalidDefinitionError("block size %d is not a power of two in [%d, %d]", d.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if d.ExtentSize == 0 {
		return regerrors.NewInvalidDefinitionError("extent size must be greater than zero")
	}
	if d.ExtentCount == 0 {
		return regerrors.NewInvalidDefinitionError("extent count must be greater than zero")
	}
	if hi, _ := bits.Mul64(d.ExtentSize, d.BlockSize); hi != 0 {
		return regerrors.NewInvalidDefinitionError("extent of %d blocks overflows", d.ExtentSize)
	}
	if hi, _ := bits.Mul64(d.ExtentSize*d.BlockSize, uint64(d.ExtentCount)); hi != 0 {
		return regerrors.NewInvalidDefinitionError("region of %d extents overflows", d.ExtentCount)
	}
	if _, err := meta.ParseKind(string(d.MetadataBackend)); err != nil {
		return regerrors.NewInvalidDefinitionError("%v", err)
	}
	if d.Version > CurrentVersion {
		return regerrors.NewInvalidDefinitionError("region format version %d is newer than supported %d", d.Version, CurrentVersion)
	}
	return nil
}

// ExtentBytes is the size of one extent data file.
func (d Definition) ExtentBytes() uint64 {
	return d.ExtentSize * d.BlockSize
}

// TotalBlocks is the number of addressable blocks.
func (d Definition) TotalBlocks() uint64 {
	return d.ExtentSize * uint64(d.ExtentCount)
}

// TotalBytes is the region capacity.
func (d Definition) TotalBytes() uint64 {
	return d.TotalBlocks() * d.BlockSize
}

// Expectation is what a caller believes the stored definition to be. Zero
// fields are not checked.
type Expectation struct {
	BlockSize  uint64
	ExtentSize uint64
	UUID       uuid.UUID
}

func (x *Expectation) check(d Definition) error {
	if x == nil {
		return nil
	}
	if x.BlockSize != 0 && x.BlockSize != d.BlockSize {
		return regerrors.New(regerrors.ErrDefinitionMismatch, "block size %d, expected %d", d.BlockSize, x.BlockSize)
	}
	if x.ExtentSize != 0 && x.ExtentSize != d.ExtentSize {
		return regerrors.New(regerrors.ErrDefinitionMismatch, "extent size %d, expected %d", d.ExtentSize, x.ExtentSize)
	}
	if x.UUID != uuid.Nil && x.UUID != d.UUID {
		return regerrors.New(regerrors.ErrDefinitionMismatch, "region uuid %s, expected %s", d.UUID, x.UUID)
	}
	return nil
}

// LoadDefinition reads region.json from dir.
func LoadDefinition(dir string) (Definition, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefinitionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Definition{}, regerrors.NewInvalidDefinitionError("no region at %s", dir)
	}
	if err != nil {
		return Definition{}, regerrors.NewIOError(regerrors.NoExtent, "read region definition", err)
	}

	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return Definition{}, regerrors.NewInvalidDefinitionError("parse %s: %v", DefinitionFile, err)
	}
	if d.MetadataBackend == "" {
		d.MetadataBackend = meta.KindSQLite
	}
	return d, nil
}

func saveDefinition(dir string, d Definition) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode region definition: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, DefinitionFile), data)
}

func definitionExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DefinitionFile))
	return err == nil
}
