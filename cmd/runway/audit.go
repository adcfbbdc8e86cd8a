package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the store for integrity drift",
	Long: `Runs the preview-reset integrity audit once: finishes reset rows a
crashed process left in running, flags recorded resets that violate the
slot/database invariant, and cleans worktree bindings whose run already
finished. Prints the findings as JSON; an empty object means clean.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		findings, err := svc.IntegrityAudit(cmd.Context())
		if err != nil {
			return err
		}
		if len(findings) == 0 {
			fmt.Println("Store is clean")
			return nil
		}
		return outputJSON(findings)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
