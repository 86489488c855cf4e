package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/storage"
)

// BundleExt is the file extension of edge bundles
const BundleExt = ".tar.zst"

// BundlePublisher writes a compressed bundle of every family's current
// contents found among the published paths to Dir/<family>.tar.zst, where
// edge devices pick it up.
type BundlePublisher struct {
	Dir        string
	cfg        *storage.Config
	current    *storage.CurrentPointer
	ledger     ledger.Ledger
	compressor *storage.Compressor
}

// NewBundlePublisher creates a bundle publisher over the model root in cfg
func NewBundlePublisher(dir string, cfg *storage.Config, l ledger.Ledger, level int) (*BundlePublisher, error) {
	compressor, err := storage.NewCompressor(level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	return &BundlePublisher{
		Dir:        dir,
		cfg:        cfg,
		current:    storage.NewCurrentPointer(cfg),
		ledger:     l,
		compressor: compressor,
	}, nil
}

// BundlePath returns where the bundle of family is written
func (b *BundlePublisher) BundlePath(family string) string {
	return filepath.Join(b.Dir, family+BundleExt)
}

// Publish implements Publisher. Paths other than current directories are
// ignored.
func (b *BundlePublisher) Publish(ctx context.Context, paths []string, _ string) error {
	for _, p := range paths {
		family := filepath.Base(filepath.Dir(p))
		if filepath.Clean(p) != filepath.Clean(b.cfg.CurrentDir(family)) {
			continue
		}
		if err := b.publishFamily(ctx, family); err != nil {
			return fmt.Errorf("%w: bundle %s: %w", ErrPublishFailure, family, err)
		}
	}
	return nil
}

func (b *BundlePublisher) publishFamily(ctx context.Context, family string) error {
	set, err := b.current.Read(ctx, family)
	if err != nil {
		return err
	}
	rec, _, err := b.ledger.Get(ctx, family)
	if err != nil {
		return err
	}

	target := b.BundlePath(family)
	tmp, err := os.CreateTemp(b.Dir, "."+family+BundleExt+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := b.compressor.WriteBundle(tmp, family, rec.Version, set); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}

	logging.Info().
		Str("family", family).
		Str("version", string(rec.Version)).
		Str("path", target).
		Msg("Wrote edge bundle")
	return nil
}
