package bytesize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "4KiB", want: 4096},
		{in: "4ki", want: 4096},
		{in: "64MiB", want: 64 * MiB},
		{in: "1.5Ki", want: 1536},
		{in: "100MB", want: 100 * MB},
		{in: " 2 Gi ", want: 2 * GiB},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "10XB", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "99999999999Ti", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("8KiB")))
	assert.Equal(t, 8*KiB, b)
	assert.Error(t, b.UnmarshalText([]byte("eight")))
}

func TestMarshalTextRoundTrip(t *testing.T) {
	for _, v := range []ByteSize{0, 512, 4 * KiB, 3 * MiB, 1000, GiB + 1} {
		text, err := v.MarshalText()
		require.NoError(t, err)
		back, err := ParseByteSize(string(text))
		require.NoError(t, err)
		assert.Equal(t, v, back, "text %q", text)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "4KiB", (4 * KiB).String())
	assert.Equal(t, "1.50MiB", (MiB + 512*KiB).String())
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.True(t, ByteSize(512).IsPowerOfTwo())
	assert.True(t, (64 * KiB).IsPowerOfTwo())
	assert.False(t, ByteSize(0).IsPowerOfTwo())
	assert.False(t, ByteSize(1000).IsPowerOfTwo())
}

func TestInt64Clamps(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), ByteSize(math.MaxUint64).Int64())
	assert.Equal(t, int64(4096), (4 * KiB).Int64())
}
