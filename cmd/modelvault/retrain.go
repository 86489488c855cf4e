package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/orchestrator"
	"github.com/vjranagit/modelvault/pkg/report"
	"github.com/vjranagit/modelvault/pkg/types"
)

var (
	retrainFamilies []string
	retrainKeepLast int
)

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Run one retrain cycle for every configured family",
	Long: `Trains a candidate for each family, saves it as a new version, promotes it
when its score beats the best recorded score, prunes old versions, publishes
promotions and writes the nightly report.

Training failures are reported but do not fail the command. Storage and
report write failures exit non-zero.`,
	Args: cobra.NoArgs,
	RunE: runRetrain,
}

func init() {
	retrainCmd.Flags().StringSliceVarP(&retrainFamilies, "family", "f", nil, "Only retrain these families (repeatable)")
	retrainCmd.Flags().IntVar(&retrainKeepLast, "keep-last", -1, "Versions to keep per family (default from config)")
	rootCmd.AddCommand(retrainCmd)
}

func runRetrain(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close ledger")
		}
	}()

	families, err := a.families(retrainFamilies)
	if err != nil {
		return err
	}
	if len(families) == 0 {
		return errors.New("no families configured")
	}

	keepLast := cfg.Storage.KeepLast
	if cmd.Flags().Changed("keep-last") {
		if retrainKeepLast < 0 {
			return fmt.Errorf("--keep-last must be >= 0, got %d", retrainKeepLast)
		}
		keepLast = retrainKeepLast
	}

	pub, err := a.publisher()
	if err != nil {
		return err
	}
	writer, err := report.NewWriter(cfg.Report.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close run journal")
		}
	}()

	orch, err := orchestrator.New(a.storage, a.ledger, families, orchestrator.Options{
		KeepLast:     keepLast,
		Parallel:     cfg.Orchestrator.Parallel,
		LockTimeout:  cfg.Storage.LockTimeout,
		Store:        a.store,
		Publisher:    pub,
		PublishPaths: a.publishPaths(),
		Reporter:     writer,
	})
	if err != nil {
		return err
	}

	rep, err := orch.Run(ctx)
	if rep != nil {
		printSummary(cmd, rep.Families)
	}
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.New("retrain interrupted")
	}
	return nil
}

func printSummary(cmd *cobra.Command, families []types.FamilyReport) {
	out := cmd.OutOrStdout()
	for _, fr := range families {
		score := "n/a"
		if fr.NewScore != nil {
			score = fmt.Sprintf("%.4f", *fr.NewScore)
		}
		fmt.Fprintf(out, "%-20s %-17s previous=%.4f new=%s promoted=%t\n",
			fr.Family, fr.Status, fr.PreviousScore, score, fr.Promoted)
	}
}
