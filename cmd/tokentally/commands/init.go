package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Write a commented tokentally configuration file.

By default, creates tokentally.yaml in the current directory.
Use --global to create ~/.config/tokentally/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("global", false, "Create global config instead of project config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()
	s := newStyles()

	configPath := config.GlobalConfigPath()
	if !global {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configPath = filepath.Join(cwd, config.ProjectConfigName)
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "%s %s\n", s.Warn.Render("Config already exists:"), configPath)
		fmt.Fprint(out, "Overwrite? [y/N]: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := writeConfigTemplate(configPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", s.OK.Render("Created"), configPath)
	return nil
}

func writeConfigTemplate(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(config.Template), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
