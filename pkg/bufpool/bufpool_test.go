package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_SizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Zero", 0, MinSize},
		{"OneBlock", 512, MinSize},
		{"ExactMin", MinSize, MinSize},
		{"JustAboveMin", MinSize + 1, 2 * MinSize},
		{"Extent", 100 * 512, 64 << 10},
		{"ExactMax", MaxSize, MaxSize},
		{"Oversized", MaxSize + 1, MaxSize + 1},
	}
	p := NewPool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			defer p.Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestGetBlocks(t *testing.T) {
	buf := GetBlocks(64, 4096)
	defer Put(buf)
	assert.Len(t, buf, 64*4096)
}

func TestPut_IgnoresForeignSlices(t *testing.T) {
	p := NewPool()
	assert.NotPanics(t, func() {
		p.Put(nil)
		p.Put(make([]byte, 100))
		p.Put(make([]byte, 3*MinSize))
		p.Put(make([]byte, 2*MaxSize))
	})
}

func TestPut_ReturnedBufferIsFullLength(t *testing.T) {
	p := NewPool()
	buf := p.Get(10)
	buf[0] = 0xAA
	p.Put(buf)

	// Whatever the pool hands back, it must be resliced to the request.
	again := p.Get(MinSize)
	assert.Len(t, again, MinSize)
	p.Put(again)
}

func TestConcurrentGetPut(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				size := (g*200 + i) * 97 % (1 << 20)
				buf := p.Get(size)
				for j := range buf {
					buf[j] = byte(g)
				}
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkGetPut(b *testing.B) {
	for b.Loop() {
		buf := Get(64 * 512)
		Put(buf)
	}
}
