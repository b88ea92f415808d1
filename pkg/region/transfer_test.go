package region

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestCreateWithImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "imported")

	// 512-byte blocks, 100 blocks per extent, 15 extents. The source is not
	// a block multiple, so the tail is zero padded.
	src := randomBytes(t, 512*100*15-300)

	r, err := CreateWithImport(ctx, dir, NewDefinition(512, 100, 15), Options{}, bytes.NewReader(src))
	require.NoError(t, err)
	defer r.Close()

	for _, in := range r.ExtentInfos() {
		assert.Equal(t, uint64(1), in.FlushNumber)
		assert.Equal(t, uint64(0), in.Generation)
		assert.False(t, in.Dirty)
	}

	var out bytes.Buffer
	n, err := r.ExportTo(ctx, &out, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(512*100*15), n)

	want := append(append([]byte{}, src...), make([]byte, 300)...)
	assert.Equal(t, want, out.Bytes())
}

func TestCreateWithImport_ExtendsRegion(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "grown")

	src := randomBytes(t, 512*8*3+512)
	r, err := CreateWithImport(ctx, dir, NewDefinition(512, 8, 2), Options{}, bytes.NewReader(src))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(4), r.Def().ExtentCount)

	got, err := r.Read(ctx, BlockRange{Start: 0, Count: 25})
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestExportTo_SkipAndCount(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))

	for b := 0; b < 32; b++ {
		require.NoError(t, r.Write(ctx, uint64(b), fill(byte(b), 512), false))
	}

	var out bytes.Buffer
	n, err := r.ExportTo(ctx, &out, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*512), n)
	for i := 0; i < 4; i++ {
		assert.Equal(t, fill(byte(6+i), 512), out.Bytes()[i*512:(i+1)*512])
	}

	_, err = r.ExportTo(ctx, &out, 30, 4)
	assert.True(t, regerrors.IsOutOfBoundsError(err))
}

func TestDumpRegions(t *testing.T) {
	ctx := context.Background()
	def := testDef(meta.KindSQLite)

	a, dirA := newTestRegion(t, def)
	b, dirB := newTestRegion(t, def)

	require.NoError(t, a.Write(ctx, 9, fill(1, 512), false))
	require.NoError(t, b.Write(ctx, 9, fill(2, 512), false))
	require.NoError(t, a.Flush(ctx, 1, 1, nil))
	require.NoError(t, b.Flush(ctx, 1, 1, nil))
	require.NoError(t, a.Write(ctx, 0, fill(3, 512), false))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	t.Run("Extents", func(t *testing.T) {
		report, err := DumpRegions(ctx, []string{dirA, dirB}, DumpOptions{OnlyDifferences: true})
		require.NoError(t, err)
		require.Len(t, report.Extents, 1)
		assert.Equal(t, 0, report.Extents[0].Number)
		assert.True(t, report.Extents[0].Infos[0].Dirty)
		assert.False(t, report.Extents[0].Infos[1].Dirty)
	})

	t.Run("ExtentBlocks", func(t *testing.T) {
		ext := 1
		report, err := DumpRegions(ctx, []string{dirA, dirB}, DumpOptions{Extent: &ext, OnlyDifferences: true})
		require.NoError(t, err)
		require.Len(t, report.Blocks, 1)
		assert.Equal(t, uint64(1), report.Blocks[0].Block)
	})

	t.Run("Block", func(t *testing.T) {
		block := uint64(9)
		report, err := DumpRegions(ctx, []string{dirA, dirB}, DumpOptions{Block: &block})
		require.NoError(t, err)
		require.NotNil(t, report.Detail)
		assert.True(t, report.Detail.Differs)
		assert.Equal(t, fill(1, 512), report.Detail.Data[0])
		assert.Equal(t, fill(2, 512), report.Detail.Data[1])
	})

	t.Run("TooMany", func(t *testing.T) {
		_, err := DumpRegions(ctx, []string{dirA, dirB, dirA, dirB}, DumpOptions{})
		assert.True(t, regerrors.IsInvalidRequestError(err))
	})
}

func TestRegion_RepairHooks(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))

	require.NoError(t, r.Write(ctx, 8, fill(1, 512), false))
	require.NoError(t, r.Flush(ctx, 2, 1, nil))

	require.NoError(t, r.CloseExtent(ctx, 1, "peer:4567"))
	assert.Equal(t, 1, r.ActiveRepair())

	rec, ok := r.RepairState()
	require.True(t, ok)
	assert.Equal(t, StateClosed, rec.Step)
	assert.Equal(t, uint64(1), rec.PreGeneration)
	assert.FileExists(t, filepath.Join(dir, RepairFile))

	// Only one extent at a time; the same extent cannot be closed twice.
	assert.True(t, regerrors.IsRepairInProgressError(r.CloseExtent(ctx, 2, "peer")))
	assert.True(t, regerrors.IsExtentNotOpenError(r.CloseExtent(ctx, 1, "peer")))
	assert.True(t, regerrors.IsRepairInProgressError(r.Extend(ctx, 8)))

	// Repair writes need the Repairing step.
	assert.True(t, regerrors.IsExtentNotOpenError(r.Write(ctx, 8, fill(5, 512), true)))
	require.NoError(t, r.SetRepairStep(1, StateRepairing, 1))
	require.NoError(t, r.Write(ctx, 8, fill(5, 512), true))
	assert.True(t, regerrors.IsExtentNotOpenError(r.Write(ctx, 0, fill(5, 512), true)),
		"repair writes to open extents are refused")

	// A normal write to the extent waits until it is reopened.
	done := make(chan error, 1)
	go func() { done <- r.Write(ctx, 9, fill(6, 512), false) }()
	select {
	case <-done:
		t.Fatal("write completed while extent was under repair")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.SetRepairStep(1, StateReopening, 1))
	// Generation must advance past the pre-repair generation.
	require.NoError(t, r.FlushExtent(ctx, 1, 2, 1))
	require.NoError(t, r.SetRepairStep(1, StateVerifying, 1))
	assert.True(t, regerrors.IsRepairFailedError(r.ReopenExtent(ctx, 1)))

	require.NoError(t, r.FlushExtent(ctx, 1, 2, 2))
	require.NoError(t, r.ReopenExtent(ctx, 1))
	require.NoError(t, <-done)

	in, err := r.ExtentInfo(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), in.Generation)
	assert.Equal(t, StateOpen, in.State)

	got, err := r.Read(ctx, BlockRange{Start: 8, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, append(fill(5, 512), fill(6, 512)...), got)

	// The record stays until the next full flush.
	assert.FileExists(t, filepath.Join(dir, RepairFile))
	require.NoError(t, r.Flush(ctx, 3, 2, nil))
	assert.NoFileExists(t, filepath.Join(dir, RepairFile))
	_, ok = r.RepairState()
	assert.False(t, ok)
}

func TestRegion_ExtentDataChecksum(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.Write(ctx, 0, randomBytes(t, 512*8), false))

	var buf bytes.Buffer
	info, sum, err := r.ExtentData(ctx, 0, &buf)
	require.NoError(t, err)
	assert.Equal(t, 512*8, buf.Len())
	assert.True(t, info.Dirty)
	assert.Len(t, sum, 16)

	again, err := r.ExtentChecksum(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	other, err := r.ExtentChecksum(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, sum, other)
}
