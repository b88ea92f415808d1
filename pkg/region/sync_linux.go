//go:build linux

package region

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data (and the metadata needed to read it back)
// without forcing an inode timestamp update.
func fdatasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
