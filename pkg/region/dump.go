package region

import (
	"bytes"
	"context"

	"github.com/zeebo/xxh3"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// MaxDumpRegions is how many regions DumpRegions compares side by side.
const MaxDumpRegions = 3

// DumpOptions selects what DumpRegions reports.
type DumpOptions struct {
	// Extent, when set, compares that extent block by block.
	Extent *int

	// Block, when set, returns the raw contents of one region-wide block.
	Block *uint64

	// OnlyDifferences drops rows on which every region agrees.
	OnlyDifferences bool
}

// ExtentRow compares one extent's metadata across regions.
type ExtentRow struct {
	Number  int
	Infos   []ExtentInfo
	Differs bool
}

// BlockRow compares one block of an extent across regions by xxh3-64 hash.
type BlockRow struct {
	Block   uint64
	Hashes  []uint64
	Dirty   []bool
	Differs bool
}

// BlockDetail is the content of one block in every region.
type BlockDetail struct {
	Block   uint64
	Extent  int
	Data    [][]byte
	Differs bool
}

// DumpReport is the result of DumpRegions.
type DumpReport struct {
	Dirs    []string
	Def     Definition
	Extents []ExtentRow
	Blocks  []BlockRow
	Detail  *BlockDetail
}

// DumpRegions opens up to MaxDumpRegions regions read-only and compares
// them. All regions must share block size, extent size and extent count.
func DumpRegions(ctx context.Context, dirs []string, opts DumpOptions) (*DumpReport, error) {
	if len(dirs) == 0 || len(dirs) > MaxDumpRegions {
		return nil, regerrors.New(regerrors.ErrInvalidRequest, "dump takes 1 to %d regions, got %d", MaxDumpRegions, len(dirs))
	}

	regions := make([]*Region, 0, len(dirs))
	defer func() {
		for _, r := range regions {
			_ = r.Close()
		}
	}()

	for _, dir := range dirs {
		var expect *Expectation
		if len(regions) > 0 {
			d := regions[0].Def()
			expect = &Expectation{BlockSize: d.BlockSize, ExtentSize: d.ExtentSize}
		}
		r, err := Open(ctx, dir, Options{ReadOnly: true, Expect: expect})
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
		if r.Def().ExtentCount != regions[0].Def().ExtentCount {
			return nil, regerrors.New(regerrors.ErrDefinitionMismatch, "%s has %d extents, %s has %d",
				dir, r.Def().ExtentCount, dirs[0], regions[0].Def().ExtentCount)
		}
	}

	report := &DumpReport{Dirs: dirs, Def: regions[0].Def()}

	switch {
	case opts.Block != nil:
		detail, err := dumpBlock(ctx, regions, *opts.Block)
		if err != nil {
			return nil, err
		}
		report.Detail = detail
	case opts.Extent != nil:
		rows, err := dumpExtentBlocks(ctx, regions, *opts.Extent)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !opts.OnlyDifferences || row.Differs {
				report.Blocks = append(report.Blocks, row)
			}
		}
	default:
		for _, row := range dumpExtents(regions) {
			if !opts.OnlyDifferences || row.Differs {
				report.Extents = append(report.Extents, row)
			}
		}
	}
	return report, nil
}

func dumpExtents(regions []*Region) []ExtentRow {
	all := make([][]ExtentInfo, len(regions))
	for i, r := range regions {
		all[i] = r.ExtentInfos()
	}

	rows := make([]ExtentRow, len(all[0]))
	for n := range rows {
		row := ExtentRow{Number: n}
		for i := range regions {
			in := all[i][n]
			row.Infos = append(row.Infos, in)
			first := all[0][n]
			if in.Generation != first.Generation || in.FlushNumber != first.FlushNumber || in.Dirty != first.Dirty {
				row.Differs = true
			}
		}
		rows[n] = row
	}
	return rows
}

func dumpExtentBlocks(ctx context.Context, regions []*Region, n int) ([]BlockRow, error) {
	def := regions[0].Def()
	if n < 0 || n >= int(def.ExtentCount) {
		return nil, regerrors.New(regerrors.ErrInvalidRequest, "extent %d out of range [0, %d)", n, def.ExtentCount)
	}

	rows := make([]BlockRow, def.ExtentSize)
	for b := range rows {
		rows[b].Block = uint64(b)
	}

	for _, r := range regions {
		data, err := r.Read(ctx, BlockRange{Start: uint64(n) * def.ExtentSize, Count: def.ExtentSize})
		if err != nil {
			return nil, err
		}
		e, err := r.extentAt(n)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		dirty := e.dirty.Clone()
		e.mu.Unlock()

		for b := range rows {
			block := data[uint64(b)*def.BlockSize : uint64(b+1)*def.BlockSize]
			h := xxh3.Hash(block)
			if len(rows[b].Hashes) > 0 && rows[b].Hashes[0] != h {
				rows[b].Differs = true
			}
			rows[b].Hashes = append(rows[b].Hashes, h)
			rows[b].Dirty = append(rows[b].Dirty, dirty.Test(uint64(b)))
		}
	}
	return rows, nil
}

func dumpBlock(ctx context.Context, regions []*Region, block uint64) (*BlockDetail, error) {
	def := regions[0].Def()
	detail := &BlockDetail{Block: block, Extent: int(block / def.ExtentSize)}

	for _, r := range regions {
		data, err := r.Read(ctx, BlockRange{Start: block, Count: 1})
		if err != nil {
			return nil, err
		}
		if len(detail.Data) > 0 && !bytes.Equal(detail.Data[0], data) {
			detail.Differs = true
		}
		detail.Data = append(detail.Data, data)
	}
	return detail, nil
}
