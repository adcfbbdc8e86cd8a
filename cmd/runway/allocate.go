package main

import (
	"github.com/spf13/cobra"

	"github.com/madhatter5501/runway"
)

var allocateFlags struct {
	strategy        string
	seedVersion     string
	snapshotVersion string
	dryRun          bool
	force           bool
}

var allocateCmd = &cobra.Command{
	Use:   "allocate <run-id>",
	Short: "Allocate a preview slot for a run",
	Long: `Acquires a slot lease, assigns the worktree, and resets the slot's
preview database as one operation. Prints the allocation verdict as JSON;
"waiting" (all slots busy) exits zero so callers can poll.

Examples:
  runway allocate r-123 --strategy seed --seed-version v1
  runway allocate r-123 --strategy snapshot --snapshot-version 2024-06-01 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		actor := "cli"
		result, err := svc.Allocate(cmd.Context(), runway.AllocateParams{
			RunID:           args[0],
			Strategy:        allocateFlags.strategy,
			SeedVersion:     allocateFlags.seedVersion,
			SnapshotVersion: allocateFlags.snapshotVersion,
			DryRun:          allocateFlags.dryRun,
			Force:           allocateFlags.force,
			Actor:           &actor,
		})
		if err != nil {
			return err
		}
		return outputJSON(result)
	},
}

func init() {
	allocateCmd.Flags().StringVar(&allocateFlags.strategy, "strategy", "seed", "Reset strategy: seed or snapshot")
	allocateCmd.Flags().StringVar(&allocateFlags.seedVersion, "seed-version", "", "Seed version for the seed strategy")
	allocateCmd.Flags().StringVar(&allocateFlags.snapshotVersion, "snapshot-version", "", "Snapshot version for the snapshot strategy")
	allocateCmd.Flags().BoolVar(&allocateFlags.dryRun, "dry-run", false, "Validate and plan without touching the database")
	allocateCmd.Flags().BoolVar(&allocateFlags.force, "force", false, "Repair stale slot bookkeeping on the run before acquiring")
	rootCmd.AddCommand(allocateCmd)
}
