package meta

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-length per-block dirty bitmap. Bit i set means block i
// of the extent was written since its last flush.
type Bitmap struct {
	words []uint64
	n     uint64
}

// NewBitmap creates a cleared bitmap for n blocks.
func NewBitmap(n uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (n+63)/64),
		n:     n,
	}
}

// BitmapFromBytes decodes the packed form produced by Bytes. Bit i lives in
// byte i/8 at position i%8. Bits past n must be zero.
func BitmapFromBytes(n uint64, packed []byte) (*Bitmap, error) {
	if uint64(len(packed)) != (n+7)/8 {
		return nil, fmt.Errorf("bitmap of %d bytes cannot describe %d blocks", len(packed), n)
	}
	b := NewBitmap(n)
	for i, v := range packed {
		b.words[i/8] |= uint64(v) << (8 * (i % 8))
	}
	if n%64 != 0 && len(b.words) > 0 {
		if b.words[len(b.words)-1]>>(n%64) != 0 {
			return nil, fmt.Errorf("bitmap has bits set past block %d", n)
		}
	}
	return b, nil
}

// Len returns the number of blocks covered.
func (b *Bitmap) Len() uint64 {
	return b.n
}

// Test reports whether block i is dirty.
func (b *Bitmap) Test(i uint64) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

// SetRange marks blocks [from, to) dirty and reports whether any of them
// was clean before.
func (b *Bitmap) SetRange(from, to uint64) bool {
	changed := false
	for i := from; i < to; i++ {
		w, m := i/64, uint64(1)<<(i%64)
		if b.words[w]&m == 0 {
			b.words[w] |= m
			changed = true
		}
	}
	return changed
}

// ContainsRange reports whether every block in [from, to) is dirty.
func (b *Bitmap) ContainsRange(from, to uint64) bool {
	for i := from; i < to; i++ {
		if !b.Test(i) {
			return false
		}
	}
	return true
}

// Any reports whether any block is dirty.
func (b *Bitmap) Any() bool {
	for _, w := range b.words {
		if w != 0 {
			return true
		}
	}
	return false
}

// Count returns the number of dirty blocks.
func (b *Bitmap) Count() uint64 {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return uint64(c)
}

// Reset clears every bit.
func (b *Bitmap) Reset() {
	clear(b.words)
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	c := &Bitmap{words: make([]uint64, len(b.words)), n: b.n}
	copy(c.words, b.words)
	return c
}

// CopyFrom overwrites b with o. Both must cover the same number of blocks.
func (b *Bitmap) CopyFrom(o *Bitmap) {
	copy(b.words, o.words)
}

// Bytes returns the packed little-endian form, (n+7)/8 bytes long.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := range out {
		out[i] = byte(b.words[i/8] >> (8 * (i % 8)))
	}
	return out
}
