package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Rebuild statistics from stored events",
	Long: `Recompute the daily, model and project statistics tables from the
events already in the database. Source files are not read.`,
	RunE: runRegenerate,
}

func init() {
	addOutputFlags(regenerateCmd)
	rootCmd.AddCommand(regenerateCmd)
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	jsonOutput := outputMode(cmd)

	eng, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.Regenerate(cmd.Context())
	if err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}
	s := newStyles()
	fmt.Fprintf(out, "%s %d days, %d models, %d projects\n", s.OK.Render("Statistics rebuilt:"), res.Days, res.Models, res.Projects)
	return nil
}
