package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteFileFunc writes one artifact file durably
type WriteFileFunc func(name string, data []byte, perm os.FileMode) error

// Config holds storage configuration
type Config struct {
	// Root is the directory holding one sub-directory per model family
	Root string

	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time

	// WriteFile overrides how artifact files are written; defaults to
	// a write followed by fsync
	WriteFile WriteFileFunc

	// LockPollInterval is how often a contended family lock is retried
	LockPollInterval time.Duration
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Root:             "./models",
		LockPollInterval: 100 * time.Millisecond,
	}
}

func (c *Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Config) writeFile() WriteFileFunc {
	if c.WriteFile != nil {
		return c.WriteFile
	}
	return writeFileSync
}

func (c *Config) pollInterval() time.Duration {
	if c.LockPollInterval > 0 {
		return c.LockPollInterval
	}
	return 100 * time.Millisecond
}

// FamilyDir is the root directory of one family
func (c *Config) FamilyDir(family string) string {
	return filepath.Join(c.Root, family)
}

// VersionsDir holds the version history of a family
func (c *Config) VersionsDir(family string) string {
	return filepath.Join(c.Root, family, "versions")
}

// CurrentDir is the production location of a family
func (c *Config) CurrentDir(family string) string {
	return filepath.Join(c.Root, family, "current")
}

func (c *Config) lockPath(family string) string {
	return filepath.Join(c.Root, family, ".lock")
}

func (c *Config) swapJournalPath(family string) string {
	return filepath.Join(c.Root, family, ".swap")
}

func writeFileSync(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory entries so renames survive a crash
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
