package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the dispatch queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queued and leased deliveries",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Release all leases and requeue unqueued jobs",
	Long: `Release every lease and queue unfinished jobs that have no queue entry.
Only run this while no worker is using the database.`,
	Args: cobra.NoArgs,
	RunE: runQueueRecover,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd, queueRecoverCmd)
}

func runQueueStats(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.repo.Stats(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read queue", err)
	}
	return writeJSON(cmd.OutOrStdout(), map[string]int{"queued": stats.Queued, "leased": stats.Leased})
}

func runQueueRecover(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	released, err := a.repo.RecoverStale(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to release leases", err)
	}
	queued, err := a.repo.Reconcile(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to reconcile queue", err)
	}
	return writeJSON(cmd.OutOrStdout(), map[string]int64{"released": released, "queued": queued})
}
