//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package storage

import (
	"errors"
	"os"
)

// tryLock falls back to an exclusive-create lock file. A crashed holder
// leaves the file behind and it has to be removed by hand.
func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path+".held", os.O_CREATE|os.O_EXCL|os.O_RDWR, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return f, nil
}

func unlock(f *os.File) error {
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
