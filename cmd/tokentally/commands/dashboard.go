package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/ui"
	"github.com/marcus/tokentally/internal/usage"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live usage dashboard",
	Long: `Open an interactive dashboard that refreshes statistics periodically.

Keys: 1-3 switch range, tab switches breakdown, s runs an incremental
sync, r refreshes, q quits.`,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().StringP("range", "r", string(usage.RangeLast7Days), "Initial time range: all, 7d, 30d")
	dashboardCmd.Flags().StringP("project", "p", "", "Restrict to one project")
	dashboardCmd.Flags().Duration("refresh", 0, "Refresh interval (default 30s)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	rangeFlag, _ := cmd.Flags().GetString("range")
	project, _ := cmd.Flags().GetString("project")
	refresh, _ := cmd.Flags().GetDuration("refresh")

	r, err := usage.ParseTimeRange(rangeFlag)
	if err != nil {
		return err
	}

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return ui.New(ctx, eng, r, project, refresh).Run()
}
