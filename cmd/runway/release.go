package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var releaseListFlags struct {
	status string
	limit  int
	asJSON bool
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Inspect the release registry",
}

var releaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List releases, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		releases, err := svc.Store().ListReleases(releaseListFlags.status, releaseListFlags.limit)
		if err != nil {
			return err
		}
		if releaseListFlags.asJSON {
			return outputJSON(releases)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RELEASE\tSTATUS\tCOMMIT\tDEPLOYED AT")
		for _, r := range releases {
			deployed := "-"
			if r.DeployedAt != nil {
				deployed = r.DeployedAt.Format("2006-01-02 15:04:05")
			}
			sha := r.CommitSHA
			if len(sha) > 12 {
				sha = sha[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ReleaseID, r.Status, sha, deployed)
		}
		return w.Flush()
	},
}

var releaseShowCmd = &cobra.Command{
	Use:   "show <release-id>",
	Short: "Show one release as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()

		release, ok := svc.Store().GetRelease(args[0])
		if !ok {
			return fmt.Errorf("release %s not found", args[0])
		}
		return outputJSON(release)
	},
}

func init() {
	releaseListCmd.Flags().StringVar(&releaseListFlags.status, "status", "", "Filter by status (deployed, replaced, deploy_failed, rolled_back)")
	releaseListCmd.Flags().IntVar(&releaseListFlags.limit, "limit", 20, "Maximum rows")
	releaseListCmd.Flags().BoolVar(&releaseListFlags.asJSON, "json", false, "Print JSON instead of a table")
	releaseCmd.AddCommand(releaseListCmd)
	releaseCmd.AddCommand(releaseShowCmd)
	rootCmd.AddCommand(releaseCmd)
}
