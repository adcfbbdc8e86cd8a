package main

import (
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Expire overdue slot leases",
	Long: `Scans the slot pool for leases past their TTL, expires them, and moves
their runs to expired. The serve loop does this on a timer; this command is
for one-shot runs from cron or an operator shell.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		result, err := svc.ReapExpiredSlots(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		return outputJSON(result)
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
