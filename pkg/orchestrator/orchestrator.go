// Package orchestrator runs the retrain cycle of every configured family:
// obtain a candidate, save it, decide promotion, prune history, publish and
// report. Families are isolated; a failure in one never affects another.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/promotion"
	"github.com/vjranagit/modelvault/pkg/publish"
	"github.com/vjranagit/modelvault/pkg/retention"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/trainer"
	"github.com/vjranagit/modelvault/pkg/types"
)

// Family is one model family and the trainer that produces its candidates
type Family struct {
	Name    string
	Trainer trainer.Trainer
}

// Reporter persists a finished run and returns the paths it wrote
type Reporter interface {
	Write(report *types.RunReport) ([]string, error)
}

// Options tune a run
type Options struct {
	// KeepLast is the number of versions retained per family; zero deletes
	// the whole history after every cycle
	KeepLast int

	// Parallel bounds how many families run at once; values below 2 run
	// families sequentially
	Parallel int

	// LockTimeout bounds the wait for a family lock; zero waits until the
	// run's context is done
	LockTimeout time.Duration

	// Store overrides the version store built from the storage config
	Store storage.VersionStore

	Publisher publish.Publisher

	// PublishPaths are published with every promotion in addition to the
	// family's current directory, typically the ledger file
	PublishPaths []string

	Reporter Reporter
}

// Orchestrator drives retrain cycles
type Orchestrator struct {
	cfg       *storage.Config
	opts      Options
	families  []Family
	store     storage.VersionStore
	promotion *promotion.Controller
	retention *retention.Policy
	clock     func() time.Time
}

// New creates an orchestrator over the model root in cfg
func New(cfg *storage.Config, l ledger.Ledger, families []Family, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config is required")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.KeepLast < 0 {
		return nil, fmt.Errorf("keep_last must be >= 0, got %d", opts.KeepLast)
	}

	seen := make(map[string]struct{}, len(families))
	for _, f := range families {
		if err := types.ValidateFamily(f.Name); err != nil {
			return nil, err
		}
		if f.Trainer == nil {
			return nil, fmt.Errorf("family %s has no trainer", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("family %s configured twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	store := opts.Store
	if store == nil {
		fs, err := storage.NewFileStore(cfg)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	if opts.Publisher == nil {
		opts.Publisher = publish.Nop{}
	}

	return &Orchestrator{
		cfg:       cfg,
		opts:      opts,
		families:  families,
		store:     store,
		promotion: promotion.NewController(store, storage.NewCurrentPointer(cfg), l),
		retention: retention.NewPolicy(store),
		clock:     time.Now,
	}, nil
}

// Run executes one cycle for every family and writes the run report. The
// report holds one entry per family in configuration order. The returned
// error joins every storage failure and any report write failure; training
// failures are only reported.
func (o *Orchestrator) Run(ctx context.Context) (*types.RunReport, error) {
	report := &types.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: o.clock().UTC(),
		KeepLast:  o.opts.KeepLast,
		Families:  make([]types.FamilyReport, len(o.families)),
	}
	log := logging.With().Str("run_id", report.RunID).Logger()
	log.Info().Int("families", len(o.families)).Int("keep_last", o.opts.KeepLast).Msg("Starting retrain run")

	// Families share nothing, so one failing never cancels the others.
	var g errgroup.Group
	if o.opts.Parallel > 1 {
		g.SetLimit(o.opts.Parallel)
	} else {
		g.SetLimit(1)
	}
	for i, f := range o.families {
		g.Go(func() error {
			report.Families[i] = o.RunFamily(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = o.clock().UTC()

	var errs []error
	for _, fr := range report.Families {
		if fr.Status == types.StatusStorageFailure {
			errs = append(errs, fmt.Errorf("%w: %s: %s", storage.ErrStorageFailure, fr.Family, fr.Error))
		}
	}

	if o.opts.Reporter != nil {
		if _, err := o.opts.Reporter.Write(report); err != nil {
			log.Error().Err(err).Msg("Failed to write run report")
			errs = append(errs, fmt.Errorf("write run report: %w", err))
		}
	}

	log.Info().Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).Msg("Retrain run finished")
	return report, errors.Join(errs...)
}

// RunFamily executes one family's cycle while holding its lock
func (o *Orchestrator) RunFamily(ctx context.Context, f Family) types.FamilyReport {
	fr := types.FamilyReport{Family: f.Name}
	log := logging.With().Str("component", "orchestrator").Str("family", f.Name).Logger()

	defer func() {
		metrics.RetrainCycles.WithLabelValues(f.Name, string(fr.Status)).Inc()
		level := zerolog.InfoLevel
		if fr.Error != "" {
			level = zerolog.WarnLevel
		}
		ev := log.WithLevel(level)
		if fr.Error != "" {
			ev = ev.Str("error", fr.Error)
		}
		ev.Str("status", string(fr.Status)).
			Bool("promoted", fr.Promoted).
			Str("version", string(fr.Version)).
			Msg("Cycle finished")
	}()

	fail := func(status types.CycleStatus, err error) types.FamilyReport {
		fr.Status = status
		fr.Error = err.Error()
		return fr
	}

	lockCtx := ctx
	if o.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, o.opts.LockTimeout)
		defer cancel()
	}
	lock, err := storage.LockFamily(lockCtx, o.cfg, f.Name)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return fail(types.StatusLocked, err)
		}
		return fail(types.StatusStorageFailure, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release family lock")
		}
	}()

	if err := o.recover(ctx, f.Name); err != nil {
		return fail(types.StatusStorageFailure, err)
	}

	best, err := o.promotion.BestScore(ctx, f.Name)
	if err != nil {
		return fail(types.StatusStorageFailure, err)
	}
	fr.PreviousScore = best

	// OBTAIN_ARTIFACT
	set, score, err := f.Trainer.Train(ctx)
	if err == nil && set.Len() == 0 {
		err = fmt.Errorf("%w: trainer returned no artifacts", trainer.ErrTrainingFailure)
	}
	if err != nil {
		metrics.TrainingFailures.WithLabelValues(f.Name).Inc()
		if !errors.Is(err, trainer.ErrTrainingFailure) {
			err = fmt.Errorf("%w: %w", trainer.ErrTrainingFailure, err)
		}
		return fail(types.StatusTrainingFailure, err)
	}
	fr.NewScore = &score

	// SAVE_VERSION
	version, err := o.store.Save(ctx, f.Name, set, score)
	if err != nil {
		return fail(types.StatusStorageFailure, err)
	}
	fr.Version = version

	// DECIDE_PROMOTION
	outcome, err := o.promotion.PromoteIfImproved(ctx, f.Name, score, version)
	if err != nil {
		return fail(types.StatusStorageFailure, err)
	}
	fr.Promoted = outcome.Promoted
	if outcome.Promoted {
		fr.Status = types.StatusPromoted
	} else {
		fr.Status = types.StatusNotImproved
	}

	// PRUNE
	pruned, err := o.retention.Prune(ctx, f.Name, o.opts.KeepLast)
	fr.Pruned = pruned
	if err != nil {
		fr.Notes = append(fr.Notes, err.Error())
	}

	if outcome.Promoted {
		paths := append([]string{o.cfg.CurrentDir(f.Name)}, o.opts.PublishPaths...)
		msg := fmt.Sprintf("Nightly retrain: promote %s %s (%.4f > %.4f)", f.Name, version, score, best)
		if err := o.opts.Publisher.Publish(ctx, paths, msg); err != nil {
			fr.Notes = append(fr.Notes, err.Error())
		}
	}

	return fr
}

// recover finishes or rolls back work interrupted by an earlier crash
func (o *Orchestrator) recover(ctx context.Context, family string) error {
	if r, ok := o.store.(interface {
		Recover(ctx context.Context, family string) error
	}); ok {
		if err := r.Recover(ctx, family); err != nil {
			return err
		}
	}
	return o.promotion.Recover(ctx, family)
}
