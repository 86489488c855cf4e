package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vjranagit/modelvault/pkg/types"
)

const defaultLockPoll = 100 * time.Millisecond

// FileLock is an advisory, process-wide exclusive lock held on a lock file
type FileLock struct {
	path string
	file *os.File
}

// FamilyLock serializes every writer of one family
type FamilyLock = FileLock

// LockFamily blocks until the family lock is acquired or ctx is done.
// Concurrent runs against the same family serialize here.
func LockFamily(ctx context.Context, cfg *Config, family string) (*FamilyLock, error) {
	if err := types.ValidateFamily(family); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.FamilyDir(family), dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageFailure, cfg.FamilyDir(family), err)
	}
	lock, err := LockFile(ctx, cfg.lockPath(family), cfg.pollInterval())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", family, err)
	}
	return lock, nil
}

// LockFile blocks until an exclusive lock on path is acquired or ctx is
// done, retrying every poll. The lock file is created if needed and left in
// place on Unlock.
func LockFile(ctx context.Context, path string, poll time.Duration) (*FileLock, error) {
	if poll <= 0 {
		poll = defaultLockPoll
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageFailure, filepath.Dir(path), err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		f, err := tryLock(path)
		if err == nil {
			return &FileLock{path: path, file: f}, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: lock %s: %w", ErrStorageFailure, path, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLocked, path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlock(l.file)
	l.file = nil
	return err
}
