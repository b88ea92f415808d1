package region

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/ncw/directio"
)

// dataFile is the block file of one extent. With direct I/O the file is
// opened O_DIRECT and a caller buffer that is not aligned is copied through
// a directio.AlignedBlock. Offsets are always block multiples, so they are
// aligned as long as the block size is a multiple of directio.BlockSize.
type dataFile struct {
	f      *os.File
	direct bool
}

// DirectIOSupported reports whether blockSize can be used with O_DIRECT.
func DirectIOSupported(blockSize uint64) bool {
	return blockSize%directio.BlockSize == 0
}

// aligned reports whether p starts on a directio.AlignSize boundary. An
// empty slice has no address to check and is treated as aligned.
func aligned(p []byte) bool {
	align := directio.AlignSize
	if align == 0 || len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))&uintptr(align-1) == 0
}

func openDataFile(path string, flag int, direct bool) (*dataFile, error) {
	if direct {
		f, err := directio.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		return &dataFile{f: f, direct: true}, nil
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &dataFile{f: f}, nil
}

func (d *dataFile) readAt(p []byte, off int64) error {
	buf := p
	if d.direct && !aligned(p) {
		buf = directio.AlignedBlock(len(p))
	}
	n, err := d.f.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read: %d of %d bytes at offset %d", n, len(buf), off)
	}
	if len(p) > 0 && &buf[0] != &p[0] {
		copy(p, buf)
	}
	return nil
}

func (d *dataFile) writeAt(p []byte, off int64) error {
	buf := p
	if d.direct && !aligned(p) {
		buf = directio.AlignedBlock(len(p))
		copy(buf, p)
	}
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

func (d *dataFile) sync() error {
	return fdatasync(d.f)
}

func (d *dataFile) size() (int64, error) {
	st, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (d *dataFile) close() error {
	return d.f.Close()
}
