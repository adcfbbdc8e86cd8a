package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the local development fixture",
	Long: `Creates a development user and one queued example run so a fresh
database has something to look at. Idempotent: a second call is a no-op.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		result, err := svc.SeedLocalData(cmd.Context())
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Println("Fixture already present, nothing to do")
			return nil
		}
		fmt.Printf("Seeded run %s (user %s)\n", result.RunID, result.UserID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
