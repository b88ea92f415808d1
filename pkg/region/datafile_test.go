package region

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAligned(t *testing.T) {
	block := directio.AlignedBlock(2 * directio.BlockSize)

	assert.True(t, aligned(nil))
	assert.True(t, aligned(block[:0]))
	assert.True(t, aligned(block))
	if directio.AlignSize > 1 {
		assert.False(t, aligned(block[1:]))
		assert.True(t, aligned(block[directio.AlignSize:]))
	}
}

func TestDataFile_ReadWrite(t *testing.T) {
	for _, direct := range []bool{false, true} {
		name := "Buffered"
		if direct {
			name = "Direct"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "000")
			f, err := openDataFile(path, os.O_RDWR|os.O_CREATE, direct)
			if direct && err != nil {
				t.Skipf("O_DIRECT not supported here: %v", err)
			}
			require.NoError(t, err)
			defer func() { _ = f.close() }()

			size := directio.BlockSize
			// Offset by one byte so the source is never aligned.
			src := make([]byte, 2*size+1)[1:]
			for i := range src {
				src[i] = byte(i % 251)
			}
			if err := f.writeAt(src, int64(size)); err != nil {
				if direct && errors.Is(err, os.ErrInvalid) {
					t.Skipf("O_DIRECT writes rejected here: %v", err)
				}
				require.NoError(t, err)
			}

			dst := make([]byte, 2*size+1)[1:]
			require.NoError(t, f.readAt(dst, int64(size)))
			assert.Equal(t, src, dst)

			n, err := f.size()
			require.NoError(t, err)
			assert.Equal(t, int64(3*size), n)

			assert.NoError(t, f.readAt(nil, 0))
			assert.NoError(t, f.writeAt(nil, 0))
		})
	}
}
