package commands

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/usage"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List tracked session log files",
	Long: `List the session log files known to the database with their processing
status and entry counts.`,
	RunE: runFiles,
}

func init() {
	filesCmd.Flags().String("status", "", "Filter by status: pending, processing, completed, failed")
	addOutputFlags(filesCmd)
	rootCmd.AddCommand(filesCmd)
}

func runFiles(cmd *cobra.Command, args []string) error {
	statusFlag, _ := cmd.Flags().GetString("status")
	jsonOutput := outputMode(cmd)

	status := usage.ProcessingStatus(strings.ToLower(statusFlag))
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q", statusFlag)
	}

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	files, err := eng.Files(cmd.Context(), status)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, files)
	}

	s := newStyles()
	if len(files) == 0 {
		fmt.Fprintln(out, s.Muted.Render("No tracked files. Run 'tokentally sync' first."))
		return nil
	}

	rows := make([][]string, 0, len(files))
	failed := 0
	for _, f := range files {
		st := string(f.Status)
		switch f.Status {
		case usage.StatusCompleted:
			st = s.OK.Render(st)
		case usage.StatusFailed:
			st = s.Error.Render(st)
			failed++
		default:
			st = s.Warn.Render(st)
		}
		rows = append(rows, []string{
			relPath(eng.Root(), f.FilePath),
			st,
			fmt.Sprintf("%d", f.EntryCount),
			humanize.Bytes(uint64(max(f.FileSize, 0))),
			humanize.Time(f.LastModified),
		})
	}

	fmt.Fprintln(out, s.Title.Render(fmt.Sprintf("Tracked files (%d)", len(files))))
	fmt.Fprint(out, table(s, []string{"file", "status", "entries", "size", "modified"}, rows))

	if failed > 0 {
		fmt.Fprintln(out)
		for _, f := range files {
			if f.Status == usage.StatusFailed && f.LastError != "" {
				fmt.Fprintf(out, "  %s %s\n", s.Error.Render(relPath(eng.Root(), f.FilePath)+":"), s.Muted.Render(f.LastError))
			}
		}
	}
	return nil
}

func relPath(root, path string) string {
	if rel, ok := strings.CutPrefix(path, strings.TrimSuffix(root, "/")+"/"); ok {
		return rel
	}
	return path
}
