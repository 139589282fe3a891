package commands

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [name...]",
	Short: "Show model pricing",
	Long: `Show per-million-token rates from the pricing table.

With arguments, each raw model name is resolved to its canonical key the
same way ingestion does, and names with no rates are flagged.`,
	RunE: runModels,
}

type modelRow struct {
	Name       string  `json:"name,omitempty"`
	Key        string  `json:"key"`
	Priced     bool    `json:"priced"`
	Input      float64 `json:"input,omitempty"`
	Output     float64 `json:"output,omitempty"`
	CacheWrite float64 `json:"cache_write,omitempty"`
	CacheRead  float64 `json:"cache_read,omitempty"`
}

func init() {
	addOutputFlags(modelsCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	jsonOutput := outputMode(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	prices, err := loadPrices(cfg)
	if err != nil {
		return err
	}

	var rows []modelRow
	if len(args) == 0 {
		for _, key := range prices.Table().Keys() {
			rows = append(rows, modelRow{Key: key})
		}
	} else {
		for _, name := range args {
			rows = append(rows, modelRow{Name: name, Key: prices.Normalize(name)})
		}
	}
	for i := range rows {
		if r, ok := prices.Rates(rows[i].Key); ok {
			rows[i].Priced = true
			rows[i].Input = r.Input.InexactFloat64()
			rows[i].Output = r.Output.InexactFloat64()
			rows[i].CacheWrite = r.CacheWrite.InexactFloat64()
			rows[i].CacheRead = r.CacheRead.InexactFloat64()
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rows)
	}

	s := newStyles()
	header := []string{"model", "input", "output", "cache write", "cache read"}
	if len(args) > 0 {
		header = append([]string{"name"}, header...)
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		var line []string
		if len(args) > 0 {
			line = append(line, r.Name)
		}
		if r.Priced {
			line = append(line, r.Key, rate(r.Input), rate(r.Output), rate(r.CacheWrite), rate(r.CacheRead))
		} else {
			line = append(line, r.Key, s.Warn.Render("no pricing"), "", "", "")
		}
		cells = append(cells, line)
	}

	fmt.Fprintln(out, s.Title.Render("Model pricing"))
	fmt.Fprintln(out, s.Subtitle.Render(fmt.Sprintf("USD per million tokens · table %s", prices.Version())))
	fmt.Fprint(out, table(s, header, cells))
	return nil
}

func rate(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}
