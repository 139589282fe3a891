package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/pipeline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest session logs into the database",
	Long: `Scan the projects directory and ingest new or changed session logs.

Incremental by default: files whose size, modification time and content
hash are unchanged are skipped. Use --full to reprocess every file.
Interrupting with Ctrl-C stops after the current file; work already
committed is kept.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("full", false, "Reprocess every file")
	addOutputFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")
	jsonOutput := outputMode(cmd)

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := pipeline.ModeIncremental
	if full {
		mode = pipeline.ModeFull
	}

	sum, err := eng.Sync(ctx, mode)
	if err != nil && sum.Status == "" {
		return fmt.Errorf("sync: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if werr := writeJSON(out, sum); werr != nil {
			return werr
		}
	} else {
		renderSummary(out, sum)
	}
	if err != nil {
		return fmt.Errorf("sync %s: %w", sum.Status, err)
	}
	return nil
}
