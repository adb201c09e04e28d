package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	alertsTop   int
	alertsClear bool
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List the highest-scoring stored anomalies",
	Long: `Prints the stored anomaly records with the highest scores. With --clear the
alert history is deleted after printing; snapshots and cooldowns are kept.`,
	RunE: runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.Flags().IntVar(&alertsTop, "top", 20, "number of records to print")
	alertsCmd.Flags().BoolVar(&alertsClear, "clear", false, "delete the alert history afterwards")
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.GetTopAlerts(alertsTop)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No anomalies recorded")
	}
	for i, r := range records {
		fmt.Fprintf(out, "%2d. %-24s %s  score %6.2f  pz %5.2f vz %5.2f oiz %5.2f  %5.1fh  %s\n",
			i+1, r.Symbol, r.CohortKey, r.Score, r.PriceZ, r.VolumeZ, r.OIZ, r.HoursToExpiry, r.Kind)
	}

	if !alertsClear {
		return nil
	}
	if err := a.store.ClearAlerts(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Alert history cleared")
	return nil
}
