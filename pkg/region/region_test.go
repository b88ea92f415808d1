package region

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/region/meta"
)

var allBackends = []meta.Kind{meta.KindSQLite, meta.KindBadger}

func testDef(backend meta.Kind) Definition {
	d := NewDefinition(512, 8, 4)
	d.MetadataBackend = backend
	return d
}

func newTestRegion(t *testing.T, def Definition) (*Region, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "region")
	r, err := Create(context.Background(), dir, def, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, dir
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{"Default", NewDefinition(512, 100, 15), true},
		{"LargeBlocks", NewDefinition(64*1024, 1, 1), true},
		{"BlockTooSmall", NewDefinition(256, 100, 15), false},
		{"BlockTooLarge", NewDefinition(128*1024, 100, 15), false},
		{"BlockNotPowerOfTwo", NewDefinition(1000, 100, 15), false},
		{"ZeroExtentSize", NewDefinition(512, 0, 15), false},
		{"ZeroExtentCount", NewDefinition(512, 100, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, regerrors.IsInvalidDefinitionError(err), "got %v", err)
			}
		})
	}
}

func TestExtentPath(t *testing.T) {
	assert.Equal(t, filepath.Join("r", "00", "000", "001"), ExtentPath("r", 1))
	assert.Equal(t, filepath.Join("r", "01", "234", "567"), ExtentPath("r", 0x1234567))
}

func TestBlockRange_Within(t *testing.T) {
	tests := []struct {
		name string
		br   BlockRange
		want bool
	}{
		{"Whole", BlockRange{Start: 0, Count: 32}, true},
		{"LastBlock", BlockRange{Start: 31, Count: 1}, true},
		{"PastEnd", BlockRange{Start: 31, Count: 2}, false},
		{"StartAtEnd", BlockRange{Start: 32, Count: 1}, false},
		{"Huge", BlockRange{Start: 0, Count: 1 << 62}, false},
		{"Wraps", BlockRange{Start: ^uint64(0), Count: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.br.Within(32))
		})
	}
}

func TestRegion_CreateLayout(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			r, dir := newTestRegion(t, testDef(backend))

			assert.FileExists(t, filepath.Join(dir, DefinitionFile))
			for i := 0; i < 4; i++ {
				st, err := os.Stat(ExtentPath(dir, i))
				require.NoError(t, err)
				assert.Equal(t, int64(512*8), st.Size())
			}
			if backend == meta.KindSQLite {
				assert.FileExists(t, meta.SQLitePath(ExtentPath(dir, 0)))
			} else {
				assert.DirExists(t, meta.BadgerDir(dir))
			}

			for _, in := range r.ExtentInfos() {
				assert.Equal(t, uint64(0), in.Generation)
				assert.Equal(t, uint64(0), in.FlushNumber)
				assert.False(t, in.Dirty)
			}
		})
	}
}

func TestRegion_CreateExisting(t *testing.T) {
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.Close())

	_, err := Create(context.Background(), dir, testDef(meta.KindSQLite), Options{})
	assert.True(t, regerrors.IsAlreadyExistsError(err), "got %v", err)
}

func TestRegion_CreateRejectsInvalidDefinition(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bad")
	_, err := Create(context.Background(), dir, NewDefinition(500, 8, 4), Options{})
	assert.True(t, regerrors.IsInvalidDefinitionError(err))
	assert.NoFileExists(t, filepath.Join(dir, DefinitionFile))
}

func TestRegion_WriteFlushRead(t *testing.T) {
	ctx := context.Background()

	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			r, dir := newTestRegion(t, testDef(backend))

			// Spans extents 0 and 1.
			data := append(fill(0xAA, 512*3), fill(0xBB, 512*3)...)
			require.NoError(t, r.Write(ctx, 5, data, false))
			require.NoError(t, r.Flush(ctx, 1, 1, nil))
			require.NoError(t, r.Close())

			r, err := Open(ctx, dir, Options{Verify: true})
			require.NoError(t, err)
			defer r.Close()

			got, err := r.Read(ctx, BlockRange{Start: 5, Count: 6})
			require.NoError(t, err)
			assert.Equal(t, data, got)

			for _, in := range r.ExtentInfos() {
				assert.Equal(t, uint64(1), in.FlushNumber)
				assert.Equal(t, uint64(1), in.Generation)
				assert.False(t, in.Dirty)
			}
		})
	}
}

func TestRegion_UnwrittenBlocksReadZero(t *testing.T) {
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))
	got, err := r.Read(context.Background(), BlockRange{Start: 30, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), got)
}

func TestRegion_OverlappingWritesLastWins(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))

	require.NoError(t, r.Write(ctx, 2, fill(1, 512*4), false))
	require.NoError(t, r.Write(ctx, 4, fill(2, 512*4), false))

	got, err := r.Read(ctx, BlockRange{Start: 2, Count: 6})
	require.NoError(t, err)
	assert.Equal(t, append(fill(1, 512*2), fill(2, 512*4)...), got)
}

func TestRegion_DirtyBitsSurviveReopen(t *testing.T) {
	ctx := context.Background()

	for _, backend := range allBackends {
		t.Run(string(backend), func(t *testing.T) {
			r, dir := newTestRegion(t, testDef(backend))

			require.NoError(t, r.Write(ctx, 9, fill(7, 512*2), false))
			in, err := r.ExtentInfo(1)
			require.NoError(t, err)
			assert.True(t, in.Dirty)
			assert.Equal(t, uint64(2), in.DirtyBlocks)

			// No flush: the persisted bitmap must still show both blocks.
			require.NoError(t, r.Close())
			r, err = Open(ctx, dir, Options{})
			require.NoError(t, err)
			defer r.Close()

			in, err = r.ExtentInfo(1)
			require.NoError(t, err)
			assert.True(t, in.Dirty)
			assert.Equal(t, uint64(2), in.DirtyBlocks)

			require.NoError(t, r.Flush(ctx, 1, 0, nil))
			in, err = r.ExtentInfo(1)
			require.NoError(t, err)
			assert.False(t, in.Dirty)
		})
	}
}

func TestRegion_WriteValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))

	assert.True(t, regerrors.IsInvalidRequestError(r.Write(ctx, 0, nil, false)))
	assert.True(t, regerrors.IsInvalidRequestError(r.Write(ctx, 0, make([]byte, 100), false)))
	assert.True(t, regerrors.IsOutOfBoundsError(r.Write(ctx, 31, make([]byte, 1024), false)))
	assert.True(t, regerrors.IsOutOfBoundsError(r.Write(ctx, 32, make([]byte, 512), false)))

	_, err := r.Read(ctx, BlockRange{Start: 40, Count: 1})
	assert.True(t, regerrors.IsOutOfBoundsError(err))
	_, err = r.Read(ctx, BlockRange{Start: 0, Count: 0})
	assert.True(t, regerrors.IsInvalidRequestError(err))
}

func TestRegion_FlushBarrier(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))

	require.NoError(t, r.Write(ctx, 0, fill(3, 512), false))
	require.NoError(t, r.Flush(ctx, 5, 2, nil))

	for _, in := range r.ExtentInfos() {
		assert.Equal(t, uint64(5), in.FlushNumber)
		assert.Equal(t, uint64(2), in.Generation)
		assert.False(t, in.Dirty)
	}

	// Equal flush numbers are accepted, lower ones are not.
	require.NoError(t, r.Flush(ctx, 5, 2, nil))
	err := r.Flush(ctx, 4, 2, nil)
	require.True(t, regerrors.IsInvalidFlushError(err), "got %v", err)

	// The generation recorded never goes down.
	require.NoError(t, r.Flush(ctx, 6, 1, nil))
	in, err := r.ExtentInfo(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), in.Generation)
	assert.Equal(t, uint64(6), in.FlushNumber)
}

func TestRegion_FlushWithExtentLimit(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))

	limit := uint32(1)
	require.NoError(t, r.Flush(ctx, 3, 1, &limit))

	infos := r.ExtentInfos()
	assert.Equal(t, uint64(3), infos[0].FlushNumber)
	assert.Equal(t, uint64(3), infos[1].FlushNumber)
	assert.Equal(t, uint64(0), infos[2].FlushNumber)
	assert.FileExists(t, filepath.Join(dir, RepairFile))

	bad := uint32(4)
	assert.True(t, regerrors.IsInvalidRequestError(r.Flush(ctx, 4, 1, &bad)))

	require.NoError(t, r.Flush(ctx, 4, 1, nil))
	assert.NoFileExists(t, filepath.Join(dir, RepairFile))
}

func TestRegion_OpenDetectsFlushMismatch(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))

	limit := uint32(0)
	require.NoError(t, r.Flush(ctx, 3, 0, &limit))
	require.NoError(t, r.Close())

	// The partial flush marker lets the region open.
	r, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Without it, same-generation extents with different flush numbers are
	// corrupt.
	require.NoError(t, os.Remove(filepath.Join(dir, RepairFile)))
	_, err = Open(ctx, dir, Options{})
	assert.True(t, regerrors.IsCorruptMetadataError(err), "got %v", err)
}

func TestCheckFlushConsistency(t *testing.T) {
	ok := []ExtentInfo{
		{Number: 0, Generation: 1, FlushNumber: 4},
		{Number: 1, Generation: 2, FlushNumber: 6},
		{Number: 2, Generation: 1, FlushNumber: 4},
	}
	assert.NoError(t, checkFlushConsistency(ok))

	regression := []ExtentInfo{
		{Number: 0, Generation: 1, FlushNumber: 9},
		{Number: 1, Generation: 2, FlushNumber: 6},
	}
	assert.True(t, regerrors.IsCorruptMetadataError(checkFlushConsistency(regression)))
}

func TestRegion_OpenVerify(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.Close())

	require.NoError(t, os.Truncate(ExtentPath(dir, 2), 100))

	r, err := Open(ctx, dir, Options{})
	require.NoError(t, err, "size is only checked with Verify")
	require.NoError(t, r.Close())

	_, err = Open(ctx, dir, Options{Verify: true})
	assert.True(t, regerrors.IsCorruptMetadataError(err), "got %v", err)
}

func TestRegion_OpenExpectation(t *testing.T) {
	ctx := context.Background()
	def := testDef(meta.KindSQLite)
	r, dir := newTestRegion(t, def)
	require.NoError(t, r.Close())

	_, err := Open(ctx, dir, Options{Expect: &Expectation{BlockSize: 4096}})
	assert.True(t, regerrors.IsDefinitionMismatchError(err))

	_, err = Open(ctx, dir, Options{Expect: &Expectation{UUID: uuid.New()}})
	assert.True(t, regerrors.IsDefinitionMismatchError(err))

	r, err = Open(ctx, dir, Options{Expect: &Expectation{BlockSize: 512, ExtentSize: 8, UUID: def.UUID}})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestRegion_OpenMissing(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{})
	assert.True(t, regerrors.IsInvalidDefinitionError(err))
}

func TestRegion_ReadOnlyRejectsMutation(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.Write(ctx, 0, fill(9, 512), false))
	require.NoError(t, r.Flush(ctx, 1, 1, nil))
	require.NoError(t, r.Close())

	ro, err := Open(ctx, dir, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	assert.True(t, regerrors.IsReadOnlyError(ro.Write(ctx, 0, fill(1, 512), false)))
	assert.True(t, regerrors.IsReadOnlyError(ro.Write(ctx, 0, fill(1, 512), true)))
	assert.True(t, regerrors.IsReadOnlyError(ro.Flush(ctx, 2, 1, nil)))
	assert.True(t, regerrors.IsReadOnlyError(ro.CloseExtent(ctx, 0, "peer")))
	assert.True(t, regerrors.IsReadOnlyError(ro.Extend(ctx, 8)))

	got, err := ro.Read(ctx, BlockRange{Start: 0, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, fill(9, 512), got)

	in, err := ro.ExtentInfo(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), in.FlushNumber)
	assert.False(t, in.Dirty)
}

func TestRegion_ExclusiveLock(t *testing.T) {
	_, dir := newTestRegion(t, testDef(meta.KindSQLite))
	_, err := Open(context.Background(), dir, Options{})
	assert.True(t, regerrors.IsInvalidRequestError(err), "got %v", err)
}

func TestRegion_DisjointConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))

	var wg sync.WaitGroup
	errs := make(chan error, 4*8)
	for e := 0; e < 4; e++ {
		wg.Add(1)
		go func(ext int) {
			defer wg.Done()
			for b := 0; b < 8; b++ {
				block := uint64(ext*8 + b)
				errs <- r.Write(ctx, block, fill(byte(block), 512), false)
			}
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := r.Read(ctx, BlockRange{Start: 0, Count: 32})
	require.NoError(t, err)
	for b := 0; b < 32; b++ {
		assert.Equal(t, fill(byte(b), 512), got[b*512:(b+1)*512], "block %d", b)
	}
}

func TestRegion_Extend(t *testing.T) {
	ctx := context.Background()
	r, dir := newTestRegion(t, testDef(meta.KindSQLite))

	require.NoError(t, r.Flush(ctx, 4, 2, nil))
	require.NoError(t, r.Extend(ctx, 6))
	assert.Equal(t, uint32(6), r.Def().ExtentCount)

	in, err := r.ExtentInfo(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), in.Generation)
	assert.Equal(t, uint64(4), in.FlushNumber)

	require.NoError(t, r.Write(ctx, 47, fill(1, 512), false))
	assert.True(t, regerrors.IsInvalidRequestError(r.Extend(ctx, 6)))

	require.NoError(t, r.Close())
	r, err = Open(ctx, dir, Options{Verify: true})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint32(6), r.Def().ExtentCount)
}

func TestRegion_ClosedRegion(t *testing.T) {
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Read(context.Background(), BlockRange{Start: 0, Count: 1})
	assert.True(t, regerrors.IsClosedError(err))
}

func TestRegion_ReadWaitsForContext(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegion(t, testDef(meta.KindSQLite))
	require.NoError(t, r.CloseExtent(ctx, 1, "peer"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := r.Read(short, BlockRange{Start: 8, Count: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other extents are unaffected.
	_, err = r.Read(ctx, BlockRange{Start: 0, Count: 1})
	assert.NoError(t, err)
}
