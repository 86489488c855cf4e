package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/types"
)

var versionsJSON bool

var versionsCmd = &cobra.Command{
	Use:   "versions <family>",
	Short: "List the saved versions of a family, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersions,
}

func init() {
	versionsCmd.Flags().BoolVar(&versionsJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(versionsCmd)
}

type versionRow struct {
	ID      types.VersionID `json:"id"`
	Score   float64         `json:"score"`
	Created string          `json:"created_at"`
	Current bool            `json:"current"`
}

func runVersions(cmd *cobra.Command, args []string) error {
	family := args[0]
	if err := types.ValidateFamily(family); err != nil {
		return err
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
	versions, err := a.store.List(ctx, family)
	if err != nil {
		return err
	}
	rec, found, err := a.ledger.Get(ctx, family)
	if err != nil {
		return err
	}

	rows := make([]versionRow, 0, len(versions))
	for _, id := range versions {
		rows = append(rows, versionRow{
			ID:      id,
			Score:   id.Score(),
			Created: formatTime(id.Time()),
			Current: found && rec.Version == id,
		})
	}

	out := cmd.OutOrStdout()
	if versionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSCORE\tCREATED\tCURRENT")
	for _, r := range rows {
		marker := ""
		if r.Current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%s\t%s\n", r.ID, r.Score, r.Created, marker)
	}
	if found {
		fmt.Fprintf(tw, "\nbest score %.4f recorded %s\n", rec.Score, formatTime(rec.UpdatedAt))
	}
	return tw.Flush()
}
