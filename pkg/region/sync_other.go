//go:build !linux

package region

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
