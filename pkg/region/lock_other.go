//go:build !unix

package region

type dirLock struct{}

func lockRegion(dir string, readOnly bool) (*dirLock, error) {
	return &dirLock{}, nil
}

func (l *dirLock) release() error {
	return nil
}
