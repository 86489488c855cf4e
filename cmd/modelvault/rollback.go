package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/types"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <family> [version]",
	Short: "Make an older version current",
	Long: `Replaces the family's current contents with the given version, or with the
version saved before the current one when no version is given. The ledger
records the version's score as the new baseline, so later candidates must
beat it to be promoted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	family := args[0]
	if err := types.ValidateFamily(family); err != nil {
		return err
	}

	var target types.VersionID
	if len(args) == 2 {
		id, _, _, err := types.ParseVersionID(args[1])
		if err != nil {
			return err
		}
		target = id
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close ledger")
		}
	}()

	ctx := cmd.Context()
	lock, err := a.lockFamily(ctx, family)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logging.Warn().Err(err).Msg("Failed to release family lock")
		}
	}()

	ctrl := a.controller()
	if err := a.store.Recover(ctx, family); err != nil {
		return err
	}
	if err := ctrl.Recover(ctx, family); err != nil {
		return err
	}

	if target == "" {
		if target, err = ctrl.PreviousVersion(ctx, family); err != nil {
			return err
		}
	}
	if err := ctrl.Rollback(ctx, family, target); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: current is now %s (score %.4f)\n", family, target, target.Score())
	return nil
}
