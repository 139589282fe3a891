package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show sync history",
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntP("limit", "n", 10, "Number of runs to show")
	addOutputFlags(runsCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput := outputMode(cmd)

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	runs, err := eng.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, runs)
	}

	s := newStyles()
	if len(runs) == 0 {
		fmt.Fprintln(out, s.Muted.Render("No syncs recorded yet."))
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		status := r.Status
		switch r.Status {
		case store.RunCompleted:
			status = s.OK.Render(status)
		case store.RunFailed:
			status = s.Error.Render(status)
		default:
			status = s.Warn.Render(status)
		}
		took := "-"
		if r.FinishedAt != nil {
			took = r.Duration().Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			humanize.Time(r.StartedAt),
			r.Mode,
			status,
			fmt.Sprintf("%d/%d", r.FilesProcessed, r.FilesScanned),
			humanize.Comma(r.NewEntries),
			fmt.Sprintf("%d", r.FilesFailed),
			took,
		})
	}

	fmt.Fprintln(out, s.Title.Render("Sync history"))
	fmt.Fprint(out, table(s, []string{"started", "mode", "status", "files", "new", "failed", "took"}, rows))
	for _, r := range runs {
		if r.Error != "" {
			fmt.Fprintf(out, "  %s %s\n", s.Muted.Render(r.StartedAt.Local().Format(time.DateTime)), s.Error.Render(r.Error))
		}
	}
	return nil
}
