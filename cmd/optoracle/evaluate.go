package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score one live snapshot per currency and print the anomalies",
	Long: `Fetches the current option books, scores them with the configured weights
and prints every anomaly above the threshold. Nothing is stored and no alert
is sent.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Monitor.UseOptimized {
		if _, err := a.engine.RestoreWeights(); err != nil {
			return err
		}
	}

	snapshots, records, err := a.engine.Evaluate(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range snapshots {
		fmt.Fprintf(out, "%s: %d quotes, index %.2f at %s\n",
			s.Currency, len(s.Quotes), s.ReferencePrice, s.ObservedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No anomalies above threshold")
		return nil
	}
	fmt.Fprintln(out)
	for _, r := range records {
		fmt.Fprintf(out, "%-24s %s  score %6.2f  pz %5.2f vz %5.2f oiz %5.2f  %5.1fh  %s\n",
			r.Symbol, r.CohortKey, r.Score, r.PriceZ, r.VolumeZ, r.OIZ, r.HoursToExpiry, r.Kind)
	}
	return nil
}
