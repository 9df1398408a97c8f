package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/cwygoda/scout/internal/adapter/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Maintain rendered article files",
}

var artifactsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stored files no article refers to",
	Long: `Remove stored files that no article refers to, e.g. files left behind
when a deletion could not reach the storage backend.

Examples:
  scout artifacts sweep --dry-run
  scout artifacts sweep --min-age 24h
  scout artifacts sweep --pattern 'user_42/*.pdf'`,
	Args: cobra.NoArgs,
	RunE: runArtifactsSweep,
}

var (
	sweepPattern string
	sweepMinAge  time.Duration
	sweepDryRun  bool
)

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsSweepCmd)

	f := artifactsSweepCmd.Flags()
	f.StringVar(&sweepPattern, "pattern", artifact.DefaultSweepPattern, "Glob of keys to consider (doublestar syntax)")
	f.DurationVar(&sweepMinAge, "min-age", time.Hour, "Leave files younger than this")
	f.BoolVar(&sweepDryRun, "dry-run", false, "Report orphans without deleting them")
}

func runArtifactsSweep(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	known, err := a.repo.ListFileRefs(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list article files", err)
	}
	report, err := artifact.Sweep(cmd.Context(), a.backend, known, artifact.SweepOptions{
		Pattern: sweepPattern,
		MinAge:  sweepMinAge,
		DryRun:  sweepDryRun,
	}, a.log.Named("sweep"))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Sweep failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		Scanned int      `json:"scanned"`
		Orphans []string `json:"orphans"`
		Removed int      `json:"removed"`
		DryRun  bool     `json:"dry_run"`
	}{report.Scanned, report.Orphans, report.Removed, sweepDryRun})
}
