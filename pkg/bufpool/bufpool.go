// Package bufpool recycles the byte slices used for block I/O: extent
// streaming, region import and protocol frame encoding.
//
// Buffers come in power-of-two size classes from MinSize to MaxSize. A
// request is served from the smallest class that fits; larger requests are
// allocated directly and never pooled. All functions are safe for
// concurrent use.
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
package bufpool

import (
	"math/bits"
	"sync"
)

const (
	// MinSize is the smallest size class (4 KiB).
	MinSize = 4 << 10

	// MaxSize is the largest pooled size class (16 MiB).
	MaxSize = 16 << 20
)

var (
	minShift = bits.Len(MinSize - 1)
	maxShift = bits.Len(MaxSize - 1)
)

// Pool holds one sync.Pool per size class.
type Pool struct {
	classes []sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{classes: make([]sync.Pool, maxShift-minShift+1)}
	for i := range p.classes {
		size := 1 << (minShift + i)
		p.classes[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// class returns the index of the smallest class holding size bytes, or -1
// when size exceeds MaxSize.
func class(size int) int {
	if size <= MinSize {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}

// Get returns a slice of length size. Its capacity is the size class, so
// callers may reslice up to cap. Return it with Put.
func (p *Pool) Get(size int) []byte {
	c := class(size)
	if c < 0 {
		return make([]byte, size)
	}
	buf := *p.classes[c].Get().(*[]byte)
	return buf[:size]
}

// Put returns buf to its class. Slices whose capacity is not exactly a
// class size, including oversized ones, are dropped.
func (p *Pool) Put(buf []byte) {
	n := cap(buf)
	if n < MinSize || n > MaxSize || n&(n-1) != 0 {
		return
	}
	buf = buf[:n]
	p.classes[class(n)].Put(&buf)
}

var global = NewPool()

// Get returns a buffer from the shared pool.
func Get(size int) []byte {
	return global.Get(size)
}

// GetBlocks returns a buffer for count blocks of blockSize bytes.
func GetBlocks(count, blockSize uint64) []byte {
	return global.Get(int(count * blockSize))
}

// Put returns a buffer to the shared pool.
func Put(buf []byte) {
	global.Put(buf)
}
