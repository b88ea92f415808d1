package region

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// ExtentPath returns the data file of extent n. Extents are spread over a
// two-level hex directory tree so that no directory grows past 4096 entries:
// extent 0x1234567 lives at <dir>/01/234/567.
func ExtentPath(dir string, n int) string {
	return filepath.Join(dir,
		fmt.Sprintf("%02X", (n>>24)&0xff),
		fmt.Sprintf("%03X", (n>>12)&0xfff),
		fmt.Sprintf("%03X", n&0xfff),
	)
}

var extentFileName = regexp.MustCompile(`^[0-9A-F]{3}$`)

// countExtentFiles walks the extent tree and counts data files.
func countExtentFiles(dir string) (int, error) {
	count := 0
	top, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, t := range top {
		if !t.IsDir() || len(t.Name()) != 2 {
			continue
		}
		err := filepath.WalkDir(filepath.Join(dir, t.Name()), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() && extentFileName.MatchString(d.Name()) {
				count++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// writeFileAtomic replaces path with data: temp file, fsync, rename, fsync
// of the parent directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// removeFileDurable removes path and syncs its directory. A missing file is
// not an error.
func removeFileDurable(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
