package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	optimizeApply bool
	optimizeTop   int
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Grid-search scoring weights over stored history",
	Long: `Replays the stored snapshots of the backtest lookback window through the
scorer for every candidate weight combination and ranks them by how often an
alert preceded a large index move.

Without --apply the run is a dry run. With --apply it is stored, and a monitor
started with monitor.use_optimized picks it up.`,
	RunE: runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)
	optimizeCmd.Flags().BoolVar(&optimizeApply, "apply", false, "store the run so monitors can apply its weights")
	optimizeCmd.Flags().IntVar(&optimizeTop, "top", 5, "number of ranked combinations to print")
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	report, run, err := a.engine.Optimize(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Samples: %d, combinations: %d\n", report.Samples, run.GridSize)
	fmt.Fprintf(out, "Best: %s\n", report.BestWeights())
	fmt.Fprintf(out, "Success rate: %.1f%% (%d/%d alerts, %d false positives, precision %.3f)\n",
		run.SuccessRate, run.Successful, run.TotalAlerts, run.FalsePositives, run.Precision)
	fmt.Fprintln(out, report.Recommendation.Text)

	fmt.Fprintln(out)
	for i, r := range report.Ranked {
		if i >= optimizeTop {
			break
		}
		fmt.Fprintf(out, "%2d. price=%.2f volume=%.2f oi=%.2f  %5.1f%%  alerts=%d\n",
			i+1, r.Weights.PriceWeight, r.Weights.VolumeWeight, r.Weights.OIWeight, r.SuccessRate, r.TotalAlerts)
	}

	if !optimizeApply {
		return nil
	}
	if err := a.engine.Record(run); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nStored run %s\n", run.ID)
	return nil
}
