package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/pipeline"
	"github.com/marcus/tokentally/internal/ui"
	"github.com/marcus/tokentally/internal/usage"
)

type styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Section  lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Muted    lipgloss.Style
	Accent   lipgloss.Style
	OK       lipgloss.Style
	Warn     lipgloss.Style
	Error    lipgloss.Style
	Card     lipgloss.Style
}

func newStyles() styles {
	return styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Subtitle: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Section:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Accent:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		OK:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Card: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			BorderForeground(lipgloss.Color("238")),
	}
}

// addOutputFlags registers --json and --no-color.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "Output as JSON")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
}

// outputMode reads the output flags. Plain output is forced for JSON and
// --no-color.
func outputMode(cmd *cobra.Command) (jsonOutput bool) {
	jsonOutput, _ = cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || jsonOutput {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	return jsonOutput
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTokens(n int64) string {
	return humanize.Comma(n)
}

func formatTimeShort(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func rangeLabel(r usage.TimeRange) string {
	switch r {
	case usage.RangeLast7Days:
		return "last 7 days"
	case usage.RangeLast30Days:
		return "last 30 days"
	default:
		return "all time"
	}
}

// table renders rows as left-aligned columns; the first column is styled as
// a label.
func table(s styles, header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(cell string, width int) string {
		return cell + strings.Repeat(" ", width-lipgloss.Width(cell))
	}

	var b strings.Builder
	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = s.Muted.Render(pad(h, widths[i]))
	}
	b.WriteString("  " + strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	for _, row := range rows {
		for i, cell := range row {
			padded := pad(cell, widths[i])
			if i == 0 {
				cells[i] = s.Value.Render(padded)
			} else {
				cells[i] = s.Label.Render(padded)
			}
		}
		b.WriteString("  " + strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	}
	return b.String()
}

func renderStats(w io.Writer, stats usage.Statistics, maxDays int) {
	s := newStyles()
	var b strings.Builder

	title := "Token usage · " + rangeLabel(stats.TimeRange)
	if stats.Project != "" {
		title += " · " + stats.Project
	}
	b.WriteString(s.Title.Render(title))
	b.WriteString("\n")
	sub := fmt.Sprintf("Source: %s", stats.Source)
	if stats.Source == usage.SourceFallback {
		sub += " (computed from session logs; run 'tokentally sync' to build the database)"
	}
	b.WriteString(s.Subtitle.Render(sub))
	b.WriteString("\n\n")

	t := stats.Totals
	if t.Entries == 0 {
		b.WriteString(s.Muted.Render("No usage recorded for this period."))
		b.WriteString("\n")
		fmt.Fprint(w, b.String())
		return
	}

	summary := []string{
		fmt.Sprintf("%s %s", s.Label.Render("Cost:    "), s.Accent.Render(ui.FormatCost(t.Cost))),
		fmt.Sprintf("%s %s", s.Label.Render("Tokens:  "), s.Value.Render(formatTokens(t.TotalTokens))),
		fmt.Sprintf("%s %s in · %s out · %s cache write · %s cache read",
			s.Label.Render("         "),
			ui.FormatTokens(t.InputTokens), ui.FormatTokens(t.OutputTokens),
			ui.FormatTokens(t.CacheCreationTokens), ui.FormatTokens(t.CacheReadTokens)),
		fmt.Sprintf("%s %d", s.Label.Render("Sessions:"), t.Sessions),
		fmt.Sprintf("%s %s", s.Label.Render("Requests:"), formatTokens(t.Requests)),
	}
	b.WriteString(s.Section.Render("Summary"))
	b.WriteString("\n")
	b.WriteString(s.Card.Render(strings.Join(summary, "\n")))
	b.WriteString("\n\n")

	if len(stats.Models) > 0 {
		rows := make([][]string, 0, len(stats.Models))
		for _, m := range stats.Models {
			rows = append(rows, []string{m.Model, ui.FormatTokens(m.TotalTokens), formatTokens(m.Requests), ui.FormatCost(m.Cost)})
		}
		b.WriteString(s.Section.Render("Models"))
		b.WriteString("\n")
		b.WriteString(table(s, []string{"model", "tokens", "requests", "cost"}, rows))
		b.WriteString("\n")
	}

	if len(stats.Projects) > 0 {
		rows := make([][]string, 0, len(stats.Projects))
		for _, p := range stats.Projects {
			rows = append(rows, []string{p.ProjectName, ui.FormatTokens(p.TotalTokens), fmt.Sprintf("%d", p.Sessions), ui.FormatCost(p.Cost), formatTimeShort(p.LastUsed)})
		}
		b.WriteString(s.Section.Render("Projects"))
		b.WriteString("\n")
		b.WriteString(table(s, []string{"project", "tokens", "sessions", "cost", "last used"}, rows))
		b.WriteString("\n")
	}

	if len(stats.Daily) > 0 {
		days := stats.Daily
		if maxDays > 0 && len(days) > maxDays {
			days = days[len(days)-maxDays:]
		}
		rows := make([][]string, 0, len(days))
		for i := len(days) - 1; i >= 0; i-- {
			d := days[i]
			rows = append(rows, []string{d.Date, ui.FormatTokens(d.TotalTokens), ui.FormatCost(d.Cost), strings.Join(d.Models, ", ")})
		}
		b.WriteString(s.Section.Render("Daily"))
		b.WriteString("\n")
		b.WriteString(table(s, []string{"date", "tokens", "cost", "models"}, rows))
		if len(days) < len(stats.Daily) {
			b.WriteString("  ")
			b.WriteString(s.Muted.Render(fmt.Sprintf("...and %d earlier days", len(stats.Daily)-len(days))))
			b.WriteString("\n")
		}
	}

	fmt.Fprint(w, b.String())
}

func renderSummary(w io.Writer, sum pipeline.Summary) {
	s := newStyles()
	var b strings.Builder

	status := s.OK.Render(sum.Status)
	if sum.Status != "completed" {
		status = s.Warn.Render(sum.Status)
	}
	b.WriteString(s.Title.Render(fmt.Sprintf("Sync (%s)", sum.Mode)))
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString("\n")

	lines := []string{
		fmt.Sprintf("%s %d scanned, %d processed, %d unchanged, %d removed",
			s.Label.Render("Files:  "), sum.FilesScanned, sum.FilesProcessed, sum.FilesSkipped, sum.RemovedFiles),
		fmt.Sprintf("%s %s added, %s removed, %s skipped",
			s.Label.Render("Entries:"), formatTokens(sum.NewEntries), formatTokens(sum.RemovedEntries), humanize.Comma(int64(sum.SkippedEntries))),
		fmt.Sprintf("%s %s", s.Label.Render("Took:   "), sum.Duration.Round(time.Millisecond)),
	}
	if sum.ParseErrors > 0 {
		lines = append(lines, fmt.Sprintf("%s %d malformed lines skipped", s.Label.Render("Parse:  "), sum.ParseErrors))
	}
	b.WriteString(s.Card.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")

	if sum.FilesFailed > 0 {
		b.WriteString(s.Error.Render(fmt.Sprintf("%d files failed:", sum.FilesFailed)))
		b.WriteString("\n")
		for _, fe := range sum.Errors {
			b.WriteString("  ")
			b.WriteString(s.Muted.Render(fe.Path + ": " + fe.Err))
			b.WriteString("\n")
		}
	}
	if len(sum.UnpricedModels) > 0 {
		names := lo.Keys(sum.UnpricedModels)
		slices.Sort(names)
		b.WriteString(s.Warn.Render("No pricing for: " + strings.Join(names, ", ")))
		b.WriteString("\n")
	}

	fmt.Fprint(w, b.String())
}
