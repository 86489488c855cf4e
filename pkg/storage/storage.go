package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
	"github.com/vjranagit/modelvault/pkg/types"
)

// VersionStore defines the contract for a family's version history
type VersionStore interface {
	// Save durably writes a new version and returns its key
	Save(ctx context.Context, family string, set types.ArtifactSet, score float64) (types.VersionID, error)

	// List returns all versions, oldest first
	List(ctx context.Context, family string) ([]types.VersionID, error)

	// Latest returns the newest version, if any
	Latest(ctx context.Context, family string) (types.VersionID, bool, error)

	// Read returns the artifacts of a version
	Read(ctx context.Context, family string, id types.VersionID) (types.ArtifactSet, error)

	// Delete removes a version; deleting an absent version is not an error
	Delete(ctx context.Context, family string, id types.VersionID) error
}

const (
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
	filePerm      = 0o644
	dirPerm       = 0o755
)

// FileStore implements VersionStore on the local filesystem. Each version is
// a directory under <root>/<family>/versions named by its key.
type FileStore struct {
	cfg *Config
	// mu serializes key allocation within the process; other processes are
	// kept out by the family lock
	mu sync.Mutex
}

// NewFileStore creates a new filesystem version store
func NewFileStore(cfg *Config) (*FileStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(cfg.Root, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %w", ErrStorageFailure, cfg.Root, err)
	}
	return &FileStore{cfg: cfg}, nil
}

// Config returns the store configuration
func (s *FileStore) Config() *Config {
	return s.cfg
}

// Save implements VersionStore.Save
func (s *FileStore) Save(ctx context.Context, family string, set types.ArtifactSet, score float64) (types.VersionID, error) {
	if err := types.ValidateFamily(family); err != nil {
		return "", err
	}
	if set.Len() == 0 {
		return "", fmt.Errorf("refusing to save empty artifact set for %s", family)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	versionsDir := s.cfg.VersionsDir(family)
	if err := os.MkdirAll(versionsDir, dirPerm); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrStorageFailure, versionsDir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextID(family, score)
	if err != nil {
		return "", err
	}

	staging := filepath.Join(versionsDir, stagingPrefix+uuid.NewString())
	if err := writeArtifactDir(staging, set, s.cfg.writeFile()); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("%w: write version %s/%s: %w", ErrStorageFailure, family, id, err)
	}

	target := filepath.Join(versionsDir, string(id))
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("%w: publish version %s/%s: %w", ErrStorageFailure, family, id, err)
	}
	if err := syncDir(versionsDir); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	metrics.VersionsSaved.WithLabelValues(family).Inc()
	metrics.SaveDuration.WithLabelValues(family).Observe(time.Since(start).Seconds())
	logging.Debug().
		Str("family", family).
		Str("version", string(id)).
		Int("files", set.Len()).
		Int64("bytes", set.Size()).
		Msg("Saved version")

	return id, nil
}

// nextID allocates a key strictly greater than every existing key of the
// family. Keys have one-second resolution, so a save within the same second
// as the latest version is bumped forward.
func (s *FileStore) nextID(family string, score float64) (types.VersionID, error) {
	ts := s.cfg.now().UTC().Truncate(time.Second)

	versions, err := s.list(family)
	if err != nil {
		return "", err
	}
	if n := len(versions); n > 0 {
		if last := versions[n-1].Time(); !ts.After(last) {
			ts = last.Add(time.Second)
		}
	}
	return types.NewVersionID(ts, score), nil
}

// List implements VersionStore.List
func (s *FileStore) List(ctx context.Context, family string) ([]types.VersionID, error) {
	if err := types.ValidateFamily(family); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(family)
}

func (s *FileStore) list(family string) ([]types.VersionID, error) {
	entries, err := os.ReadDir(s.cfg.VersionsDir(family))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.VersionID{}, nil
		}
		return nil, fmt.Errorf("%w: list versions of %s: %w", ErrStorageFailure, family, err)
	}

	versions := make([]types.VersionID, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, _, _, err := types.ParseVersionID(entry.Name())
		if err != nil {
			continue
		}
		versions = append(versions, id)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Latest implements VersionStore.Latest
func (s *FileStore) Latest(ctx context.Context, family string) (types.VersionID, bool, error) {
	versions, err := s.List(ctx, family)
	if err != nil {
		return "", false, err
	}
	if len(versions) == 0 {
		return "", false, nil
	}
	return versions[len(versions)-1], true, nil
}

// Read implements VersionStore.Read
func (s *FileStore) Read(ctx context.Context, family string, id types.VersionID) (types.ArtifactSet, error) {
	dir, err := s.versionDir(family, id)
	if err != nil {
		return types.ArtifactSet{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.ArtifactSet{}, err
	}

	set, err := readArtifactDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.ArtifactSet{}, fmt.Errorf("version %s/%s: %w", family, id, ErrNotFound)
		}
		return types.ArtifactSet{}, fmt.Errorf("%w: read version %s/%s: %w", ErrStorageFailure, family, id, err)
	}
	return set, nil
}

// Exists reports whether a version is still present in the history
func (s *FileStore) Exists(ctx context.Context, family string, id types.VersionID) (bool, error) {
	dir, err := s.versionDir(family, id)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat version %s/%s: %w", ErrStorageFailure, family, id, err)
	}
	return info.IsDir(), nil
}

// Delete implements VersionStore.Delete. The directory is renamed out of the
// history before removal so a crash never leaves a half-deleted version
// visible to List.
func (s *FileStore) Delete(ctx context.Context, family string, id types.VersionID) error {
	dir, err := s.versionDir(family, id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	trash := filepath.Join(s.cfg.VersionsDir(family), trashPrefix+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug().Str("family", family).Str("version", string(id)).Msg("Version already absent")
			return nil
		}
		return fmt.Errorf("%w: delete version %s/%s: %w", ErrStorageFailure, family, id, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		// Already invisible to List; Recover finishes the removal.
		logging.Warn().Err(err).Str("path", trash).Msg("Failed to remove deleted version")
	}
	return nil
}

// Recover removes staging and trash directories left behind by an
// interrupted save or delete
func (s *FileStore) Recover(ctx context.Context, family string) error {
	if err := types.ValidateFamily(family); err != nil {
		return err
	}
	versionsDir := s.cfg.VersionsDir(family)
	entries, err := os.ReadDir(versionsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: scan %s: %w", ErrStorageFailure, versionsDir, err)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, stagingPrefix) && !strings.HasPrefix(name, trashPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(versionsDir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		logging.Info().Str("family", family).Str("path", name).Msg("Removed leftover from interrupted write")
	}
	return errors.Join(errs...)
}

func (s *FileStore) versionDir(family string, id types.VersionID) (string, error) {
	if err := types.ValidateFamily(family); err != nil {
		return "", err
	}
	if _, _, _, err := types.ParseVersionID(string(id)); err != nil {
		return "", fmt.Errorf("version %s/%s: %w", family, id, ErrNotFound)
	}
	return filepath.Join(s.cfg.VersionsDir(family), string(id)), nil
}

// writeArtifactDir creates dir and writes every artifact into it
func writeArtifactDir(dir string, set types.ArtifactSet, write WriteFileFunc) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	for _, f := range set.Files() {
		if err := write(filepath.Join(dir, f.Name), f.Data, filePerm); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return syncDir(dir)
}

// readArtifactDir loads the regular files of dir, ordered by name
func readArtifactDir(dir string) (types.ArtifactSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return types.ArtifactSet{}, err
	}

	files := make([]types.Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return types.ArtifactSet{}, err
		}
		files = append(files, types.Artifact{Name: entry.Name(), Data: data})
	}
	return types.NewArtifactSet(files...)
}
