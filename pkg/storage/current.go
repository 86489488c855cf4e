package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/types"
)

// CurrentPointer manages the production location of each family. Contents
// are replaced through a staged directory and a pair of renames recorded in
// a swap journal, so an interrupted replacement can always be rolled
// forward or back.
type CurrentPointer struct {
	cfg *Config
}

// NewCurrentPointer creates a pointer manager over the same root as the
// version store
func NewCurrentPointer(cfg *Config) *CurrentPointer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &CurrentPointer{cfg: cfg}
}

// swapJournal is persisted before any rename of the current directory
type swapJournal struct {
	Version   types.VersionID `json:"version"`
	Staging   string          `json:"staging"`
	Old       string          `json:"old,omitempty"`
	StartedAt time.Time       `json:"started_at"`
}

// Swap is an in-flight replacement of a family's current contents. The new
// contents are already live; Commit discards the previous contents and
// Revert restores them.
type Swap struct {
	cfg     *Config
	family  string
	journal swapJournal
}

// Version is the version whose artifacts the swap installs
func (s *Swap) Version() types.VersionID {
	return s.journal.Version
}

// Read returns the artifacts currently in production
func (c *CurrentPointer) Read(ctx context.Context, family string) (types.ArtifactSet, error) {
	if err := types.ValidateFamily(family); err != nil {
		return types.ArtifactSet{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.ArtifactSet{}, err
	}
	set, err := readArtifactDir(c.cfg.CurrentDir(family))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.ArtifactSet{}, fmt.Errorf("current of %s: %w", family, ErrNotFound)
		}
		return types.ArtifactSet{}, fmt.Errorf("%w: read current of %s: %w", ErrStorageFailure, family, err)
	}
	return set, nil
}

// Exists reports whether the family has production contents
func (c *CurrentPointer) Exists(family string) bool {
	info, err := os.Stat(c.cfg.CurrentDir(family))
	return err == nil && info.IsDir()
}

// Swap stages set and makes it the family's current contents, keeping the
// previous contents aside until Commit or Revert. If any step fails the
// previous contents are left in place.
func (c *CurrentPointer) Swap(ctx context.Context, family string, version types.VersionID, set types.ArtifactSet) (*Swap, error) {
	if err := types.ValidateFamily(family); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok, err := c.Pending(family); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: unresolved swap for %s", ErrStorageFailure, family)
	}

	familyDir := c.cfg.FamilyDir(family)
	if err := os.MkdirAll(familyDir, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageFailure, familyDir, err)
	}

	id := uuid.NewString()
	staging := ".current-staging-" + id
	if err := writeArtifactDir(filepath.Join(familyDir, staging), set, c.cfg.writeFile()); err != nil {
		os.RemoveAll(filepath.Join(familyDir, staging))
		return nil, fmt.Errorf("%w: stage current of %s: %w", ErrStorageFailure, family, err)
	}

	swap := &Swap{
		cfg:    c.cfg,
		family: family,
		journal: swapJournal{
			Version:   version,
			Staging:   staging,
			StartedAt: c.cfg.now().UTC(),
		},
	}
	if c.Exists(family) {
		swap.journal.Old = ".current-old-" + id
	}

	if err := swap.writeJournal(); err != nil {
		os.RemoveAll(filepath.Join(familyDir, staging))
		return nil, err
	}

	current := c.cfg.CurrentDir(family)
	if swap.journal.Old != "" {
		if err := os.Rename(current, filepath.Join(familyDir, swap.journal.Old)); err != nil {
			swap.abort()
			return nil, fmt.Errorf("%w: move aside current of %s: %w", ErrStorageFailure, family, err)
		}
	}
	if err := os.Rename(filepath.Join(familyDir, staging), current); err != nil {
		swap.abort()
		return nil, fmt.Errorf("%w: install current of %s: %w", ErrStorageFailure, family, err)
	}
	if err := syncDir(familyDir); err != nil {
		swap.abort()
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	return swap, nil
}

// Replace swaps and immediately commits
func (c *CurrentPointer) Replace(ctx context.Context, family string, version types.VersionID, set types.ArtifactSet) error {
	swap, err := c.Swap(ctx, family, version, set)
	if err != nil {
		return err
	}
	return swap.Commit()
}

// Pending returns a swap left unresolved by an interrupted process
func (c *CurrentPointer) Pending(family string) (*Swap, bool, error) {
	data, err := os.ReadFile(c.cfg.swapJournalPath(family))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read swap journal of %s: %w", ErrStorageFailure, family, err)
	}
	var journal swapJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		return nil, false, fmt.Errorf("%w: decode swap journal of %s: %w", ErrStorageFailure, family, err)
	}
	return &Swap{cfg: c.cfg, family: family, journal: journal}, true, nil
}

func (s *Swap) writeJournal() error {
	data, err := json.Marshal(s.journal)
	if err != nil {
		return fmt.Errorf("%w: encode swap journal: %w", ErrStorageFailure, err)
	}
	path := s.cfg.swapJournalPath(s.family)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data, filePerm); err != nil {
		return fmt.Errorf("%w: write swap journal: %w", ErrStorageFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write swap journal: %w", ErrStorageFailure, err)
	}
	return syncDir(s.cfg.FamilyDir(s.family))
}

func (s *Swap) clearJournal() error {
	if err := os.Remove(s.cfg.swapJournalPath(s.family)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: clear swap journal of %s: %w", ErrStorageFailure, s.family, err)
	}
	return syncDir(s.cfg.FamilyDir(s.family))
}

func (s *Swap) path(name string) string {
	return filepath.Join(s.cfg.FamilyDir(s.family), name)
}

// Installed reports whether the staged contents reached the current location
func (s *Swap) Installed() bool {
	if _, err := os.Stat(s.path(s.journal.Staging)); err == nil {
		return false
	}
	_, err := os.Stat(s.cfg.CurrentDir(s.family))
	return err == nil
}

// Commit discards the previous contents
func (s *Swap) Commit() error {
	if !s.Installed() {
		if err := s.Revert(); err != nil {
			return err
		}
		return fmt.Errorf("%w: swap of %s was never installed", ErrStorageFailure, s.family)
	}
	if s.journal.Old != "" {
		if err := os.RemoveAll(s.path(s.journal.Old)); err != nil {
			return fmt.Errorf("%w: discard previous current of %s: %w", ErrStorageFailure, s.family, err)
		}
	}
	return s.clearJournal()
}

// Revert restores the previous contents, or removes the current location if
// there were none before the swap
func (s *Swap) Revert() error {
	current := s.cfg.CurrentDir(s.family)
	old := s.path(s.journal.Old)

	oldPresent := false
	if s.journal.Old != "" {
		if _, err := os.Stat(old); err == nil {
			oldPresent = true
		}
	}

	switch {
	case oldPresent:
		if err := s.discardCurrent(); err != nil {
			return err
		}
		if err := os.Rename(old, current); err != nil {
			return fmt.Errorf("%w: restore current of %s: %w", ErrStorageFailure, s.family, err)
		}
	case s.journal.Old == "" && s.Installed():
		if err := s.discardCurrent(); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(s.path(s.journal.Staging)); err != nil {
		return fmt.Errorf("%w: remove staging of %s: %w", ErrStorageFailure, s.family, err)
	}
	logging.Info().Str("family", s.family).Str("version", string(s.journal.Version)).Msg("Reverted current swap")
	return s.clearJournal()
}

func (s *Swap) discardCurrent() error {
	current := s.cfg.CurrentDir(s.family)
	trash := s.path(trashPrefix + uuid.NewString())
	if err := os.Rename(current, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: move aside current of %s: %w", ErrStorageFailure, s.family, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		logging.Warn().Err(err).Str("path", trash).Msg("Failed to remove discarded current")
	}
	return nil
}

// abort undoes a partially applied swap; failures are logged because the
// journal stays behind for recovery
func (s *Swap) abort() {
	if err := s.Revert(); err != nil {
		logging.Error().Err(err).Str("family", s.family).Msg("Failed to abort current swap; recovery required")
	}
}

// Cleanup removes staging and trash directories that no pending swap refers
// to. It must run after any pending swap has been resolved.
func (c *CurrentPointer) Cleanup(family string) error {
	if err := types.ValidateFamily(family); err != nil {
		return err
	}
	if _, ok, err := c.Pending(family); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: unresolved swap for %s", ErrStorageFailure, family)
	}

	familyDir := c.cfg.FamilyDir(family)
	entries, err := os.ReadDir(familyDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: scan %s: %w", ErrStorageFailure, familyDir, err)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, ".current-staging-") && !strings.HasPrefix(name, ".current-old-") && !strings.HasPrefix(name, trashPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(familyDir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
