package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vjranagit/modelvault/internal/config"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/orchestrator"
	"github.com/vjranagit/modelvault/pkg/promotion"
	"github.com/vjranagit/modelvault/pkg/publish"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/trainer"
)

// app holds the components shared by every subcommand
type app struct {
	cfg     *config.Config
	storage *storage.Config
	store   *storage.FileStore
	current *storage.CurrentPointer
	ledger  ledger.Ledger
}

func newApp(cfg *config.Config) (*app, error) {
	scfg := cfg.ToStorageConfig()
	store, err := storage.NewFileStore(scfg)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &app{
		cfg:     cfg,
		storage: scfg,
		store:   store,
		current: storage.NewCurrentPointer(scfg),
		ledger:  l,
	}, nil
}

func (a *app) Close() error {
	return a.ledger.Close()
}

func (a *app) controller() *promotion.Controller {
	return promotion.NewController(a.store, a.current, a.ledger)
}

// families builds a command trainer for every configured family, or only
// for the named ones when only is non-empty
func (a *app) families(only []string) ([]orchestrator.Family, error) {
	for _, name := range only {
		if _, ok := a.cfg.Family(name); !ok {
			return nil, fmt.Errorf("family %s is not configured", name)
		}
	}

	out := make([]orchestrator.Family, 0, len(a.cfg.Families))
	for _, fc := range a.cfg.Families {
		if len(only) > 0 && !slices.Contains(only, fc.Name) {
			continue
		}
		out = append(out, orchestrator.Family{
			Name: fc.Name,
			Trainer: &trainer.CommandTrainer{
				Family:  fc.Name,
				Command: fc.Command,
				Args:    fc.Args,
				WorkDir: fc.WorkDir,
				Timeout: fc.Timeout,
				Env:     fc.Env,
			},
		})
	}
	return out, nil
}

// publisher combines the enabled publishers. Bundles are written before
// the git commit so both see the same promotion.
func (a *app) publisher() (publish.Publisher, error) {
	var multi publish.Multi

	if b := a.cfg.Publish.Bundle; b.Enabled {
		bp, err := publish.NewBundlePublisher(b.Dir, a.storage, a.ledger, b.CompressionLevel)
		if err != nil {
			return nil, err
		}
		multi = append(multi, publish.Named{Name: "bundle", Publisher: bp})
	}

	if g := a.cfg.Publish.Git; g.Enabled {
		multi = append(multi, publish.Named{Name: "git", Publisher: &publish.GitPublisher{
			RepoDir:     g.RepoDir,
			Remote:      g.Remote,
			Branch:      g.Branch,
			Pull:        g.Pull,
			Push:        g.Push,
			AuthorName:  g.AuthorName,
			AuthorEmail: g.AuthorEmail,
			Timeout:     g.Timeout,
		}})
	}

	if len(multi) == 0 {
		return publish.Nop{}, nil
	}
	return multi, nil
}

// publishPaths are published alongside each promoted current directory
func (a *app) publishPaths() []string {
	if p, ok := a.ledger.(interface{ Path() string }); ok {
		return []string{p.Path()}
	}
	return nil
}

// lockFamily takes the family lock, bounded by the configured timeout
func (a *app) lockFamily(ctx context.Context, family string) (*storage.FamilyLock, error) {
	if a.cfg.Storage.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Storage.LockTimeout)
		defer cancel()
	}
	return storage.LockFamily(ctx, a.storage, family)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
