package commands

import (
	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/usage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show token usage and cost",
	Long: `Show token usage and cost for a time range.

Statistics come from the database when it holds data. Before the first
sync, or if the database is unavailable, they are computed directly from
the session logs.

Ranges: all, last-7-days (7d), last-30-days (30d). Ranges are by calendar
day and include today.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringP("range", "r", string(usage.RangeAll), "Time range: all, 7d, 30d")
	statsCmd.Flags().StringP("project", "p", "", "Restrict to one project (name or directory)")
	statsCmd.Flags().Int("days", 14, "Daily rows to show (0 for all)")
	addOutputFlags(statsCmd)
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	rangeFlag, _ := cmd.Flags().GetString("range")
	project, _ := cmd.Flags().GetString("project")
	days, _ := cmd.Flags().GetInt("days")
	jsonOutput := outputMode(cmd)

	r, err := usage.ParseTimeRange(rangeFlag)
	if err != nil {
		return err
	}

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	stats, err := eng.GetStatistics(cmd.Context(), r, project)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), stats)
	}
	renderStats(cmd.OutOrStdout(), stats, days)
	return nil
}
