package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			info := map[string]string{
				"version": Version,
				"go":      runtime.Version(),
			}
			if Commit != "" {
				info["commit"] = Commit
			}
			if BuildTime != "" {
				info["build_time"] = BuildTime
			}
			return outputJSON(info)
		}
		if Commit != "" {
			fmt.Printf("runway %s (%s, %s)\n", Version, shortCommit(Commit), runtime.Version())
		} else {
			fmt.Printf("runway %s (%s)\n", Version, runtime.Version())
		}
		return nil
	},
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(versionCmd)
}
