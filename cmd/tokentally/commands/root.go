// Package commands implements the tokentally CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "tokentally",
	Short: "Token usage and cost accounting for Claude session logs",
	Long: `tokentally ingests the JSONL session logs written by Claude coding
sessions, prices every request, and keeps daily, per-model and per-project
statistics in a local SQLite database.

Run 'tokentally sync' to ingest, then 'tokentally stats' to report.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Log debug output to stderr")
}
