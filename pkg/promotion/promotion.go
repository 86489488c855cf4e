// Package promotion owns every mutation of a family's current pointer. A
// candidate replaces production only when its score strictly beats the best
// score in the ledger; ties never promote.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

// Controller decides and performs promotions
type Controller struct {
	store   storage.VersionStore
	current *storage.CurrentPointer
	ledger  ledger.Ledger
	clock   func() time.Time
	log     zerolog.Logger
}

// NewController creates a promotion controller
func NewController(store storage.VersionStore, current *storage.CurrentPointer, l ledger.Ledger) *Controller {
	return &Controller{
		store:   store,
		current: current,
		ledger:  l,
		clock:   time.Now,
		log:     logging.With().Str("component", "promotion").Logger(),
	}
}

// BestScore returns the ledger's best score for family, 0.0 when the family
// has no baseline yet
func (c *Controller) BestScore(ctx context.Context, family string) (float64, error) {
	rec, found, err := c.ledger.Get(ctx, family)
	if err != nil {
		return 0, fmt.Errorf("%w: read ledger for %s: %w", storage.ErrStorageFailure, family, err)
	}
	if !found {
		return 0, nil
	}
	return rec.Score, nil
}

// PromoteIfImproved replaces the family's current contents with version
// when score > best. On any failure current and the ledger are left as they
// were.
func (c *Controller) PromoteIfImproved(ctx context.Context, family string, score float64, version types.VersionID) (types.PromotionOutcome, error) {
	best, err := c.BestScore(ctx, family)
	if err != nil {
		return types.PromotionOutcome{}, err
	}

	out := types.PromotionOutcome{PreviousScore: best, EffectiveScore: best}
	if !(score > best) {
		c.log.Info().
			Str("family", family).
			Float64("score", score).
			Float64("best", best).
			Msg("Candidate did not improve on best score; current unchanged")
		return out, nil
	}

	if err := c.install(ctx, family, version, score); err != nil {
		return out, err
	}

	metrics.Promotions.WithLabelValues(family, "improved").Inc()
	c.log.Info().
		Str("family", family).
		Str("version", string(version)).
		Float64("previous", best).
		Float64("score", score).
		Msg("Promoted version to current")

	return types.PromotionOutcome{Promoted: true, PreviousScore: best, EffectiveScore: score}, nil
}

// Rollback makes version current regardless of score and records it as the
// ledger baseline. The recorded score is the four-decimal score in the key.
func (c *Controller) Rollback(ctx context.Context, family string, version types.VersionID) error {
	if err := c.install(ctx, family, version, version.Score()); err != nil {
		return err
	}
	metrics.Promotions.WithLabelValues(family, "rollback").Inc()
	c.log.Warn().Str("family", family).Str("version", string(version)).Msg("Rolled back current")
	return nil
}

// PreviousVersion returns the newest version older than the one the ledger
// records as current, or the second newest version when there is no record
func (c *Controller) PreviousVersion(ctx context.Context, family string) (types.VersionID, error) {
	versions, err := c.store.List(ctx, family)
	if err != nil {
		return "", err
	}
	rec, found, err := c.ledger.Get(ctx, family)
	if err != nil {
		return "", fmt.Errorf("%w: read ledger for %s: %w", storage.ErrStorageFailure, family, err)
	}

	if found && rec.Version != "" {
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i] < rec.Version {
				return versions[i], nil
			}
		}
		return "", fmt.Errorf("no version older than %s for %s: %w", rec.Version, family, storage.ErrNotFound)
	}

	if len(versions) < 2 {
		return "", fmt.Errorf("not enough versions to roll back %s: %w", family, storage.ErrNotFound)
	}
	return versions[len(versions)-2], nil
}

// install swaps version into current, records it in the ledger, then
// commits. If the ledger write fails the swap is reverted.
func (c *Controller) install(ctx context.Context, family string, version types.VersionID, score float64) error {
	set, err := c.store.Read(ctx, family, version)
	if err != nil {
		return fmt.Errorf("read candidate %s/%s: %w", family, version, err)
	}

	swap, err := c.current.Swap(ctx, family, version, set)
	if err != nil {
		return err
	}

	rec := types.MetricsRecord{Score: score, Version: version, UpdatedAt: c.clock().UTC()}
	if err := c.ledger.Set(ctx, family, rec); err != nil {
		if rerr := swap.Revert(); rerr != nil {
			c.log.Error().Err(rerr).Str("family", family).Msg("Failed to revert current after ledger failure; recovery required")
			return errors.Join(fmt.Errorf("%w: record score for %s: %w", storage.ErrStorageFailure, family, err), rerr)
		}
		return fmt.Errorf("%w: record score for %s: %w", storage.ErrStorageFailure, family, err)
	}
	metrics.BestScore.WithLabelValues(family).Set(score)

	if err := swap.Commit(); err != nil {
		// The promotion is recorded; Recover discards the old contents.
		c.log.Warn().Err(err).Str("family", family).Msg("Failed to discard previous current")
	}
	return nil
}

// Recover resolves a swap interrupted by a crash. The ledger decides the
// outcome: if it already records the swapped version the swap is committed,
// otherwise it is reverted.
func (c *Controller) Recover(ctx context.Context, family string) error {
	swap, ok, err := c.current.Pending(family)
	if err != nil {
		return err
	}
	if ok {
		rec, found, err := c.ledger.Get(ctx, family)
		if err != nil {
			return fmt.Errorf("%w: read ledger for %s: %w", storage.ErrStorageFailure, family, err)
		}
		if found && rec.Version == swap.Version() && swap.Installed() {
			c.log.Info().Str("family", family).Str("version", string(swap.Version())).Msg("Completing interrupted promotion")
			err = swap.Commit()
		} else {
			c.log.Warn().Str("family", family).Str("version", string(swap.Version())).Msg("Reverting interrupted promotion")
			err = swap.Revert()
		}
		if err != nil {
			return err
		}
	}
	return c.current.Cleanup(family)
}
