package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/madhatter5501/runway"
)

var smokeFlags struct {
	previewURLs   []string
	changedRoutes []string
	coreRoutes    []string
	proxyOrigin   string
	timeout       time.Duration
	output        string
	runID         string
}

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Probe preview endpoints and report pass/fail",
	Long: `Issues GET probes against each preview URL for the core routes plus any
changed routes and prints the pass/fail report. With --run-id the report is
also stored against the run as an artifact, a validation check, and an
event.

Exits non-zero when any check fails.

Examples:
  runway smoke --preview-url http://127.0.0.1:4301 --preview-url http://127.0.0.1:4302
  runway smoke --preview-url preview-1.local --changed-route /codex --run-id r-123`,
	Args: cobra.NoArgs,
	RunE: runSmoke,
}

func init() {
	smokeCmd.Flags().StringArrayVar(&smokeFlags.previewURLs, "preview-url", nil, "Preview URL to probe (repeatable)")
	smokeCmd.Flags().StringArrayVar(&smokeFlags.changedRoutes, "changed-route", nil, "Changed route to include (repeatable)")
	smokeCmd.Flags().StringArrayVar(&smokeFlags.coreRoutes, "core-route", nil, "Core route to probe (repeatable, default /health and /)")
	smokeCmd.Flags().StringVar(&smokeFlags.proxyOrigin, "proxy-origin", "", "Send requests via this origin with the preview host header")
	smokeCmd.Flags().DurationVar(&smokeFlags.timeout, "timeout", 8*time.Second, "Per-request timeout")
	smokeCmd.Flags().StringVar(&smokeFlags.output, "output", "", "Write the full report to this file")
	smokeCmd.Flags().StringVar(&smokeFlags.runID, "run-id", "", "Persist the report against this run")
	_ = smokeCmd.MarkFlagRequired("preview-url")
	rootCmd.AddCommand(smokeCmd)
}

func runSmoke(cmd *cobra.Command, args []string) error {
	report, err := runway.RunSmokeSuite(cmd.Context(), runway.SmokeParams{
		PreviewURLs:   smokeFlags.previewURLs,
		ChangedRoutes: smokeFlags.changedRoutes,
		CoreRoutes:    smokeFlags.coreRoutes,
		ProxyOrigin:   smokeFlags.proxyOrigin,
		Timeout:       smokeFlags.timeout,
	})
	if err != nil {
		return err
	}

	if smokeFlags.output != "" {
		body, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(smokeFlags.output, append(body, '\n'), 0o644); err != nil {
			return err
		}
	}

	if smokeFlags.runID != "" {
		svc, closeDB, err := openService()
		if err != nil {
			return err
		}
		defer closeDB()
		if err := svc.PersistSmokeReport(cmd.Context(), smokeFlags.runID, report); err != nil {
			return err
		}
	}

	if err := outputJSON(report.Summary); err != nil {
		return err
	}
	if report.Summary.OverallStatus != "passed" {
		return fmt.Errorf("smoke failed: %d of %d checks failed",
			report.Summary.FailedChecks, report.Summary.TotalChecks)
	}
	return nil
}
