//go:build unix

package region

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// dirLock is an advisory flock on <region>/.lock. Read-write opens take it
// exclusively, read-only opens shared.
type dirLock struct {
	f *os.File
}

func lockRegion(dir string, readOnly bool) (*dirLock, error) {
	path := filepath.Join(dir, LockFile)

	flag, how := os.O_CREATE|os.O_RDWR, unix.LOCK_EX
	if readOnly {
		flag, how = os.O_RDONLY, unix.LOCK_SH
	}

	f, err := os.OpenFile(path, flag, 0644)
	if readOnly && errors.Is(err, fs.ErrNotExist) {
		return &dirLock{}, nil
	}
	if err != nil {
		return nil, regerrors.NewIOError(regerrors.NoExtent, "open region lock", err)
	}

	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, regerrors.New(regerrors.ErrInvalidRequest, "region %s is in use by another process", dir)
		}
		return nil, regerrors.NewIOError(regerrors.NoExtent, "lock region", fmt.Errorf("flock %s: %w", path, err))
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
