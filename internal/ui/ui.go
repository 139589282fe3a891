// Package ui provides a live terminal dashboard of token usage.
// Uses Bubbletea; statistics refresh on an interval and syncs run on demand.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/tokentally/internal/pipeline"
	"github.com/marcus/tokentally/internal/usage"
)

// Source supplies statistics and runs syncs.
type Source interface {
	GetStatistics(ctx context.Context, r usage.TimeRange, project string) (usage.Statistics, error)
	RunIncrementalSync(ctx context.Context) (pipeline.Summary, error)
}

// Panel represents which breakdown is shown.
type Panel int

const (
	PanelModels Panel = iota
	PanelProjects
	PanelDaily
	panelCount
)

func (p Panel) String() string {
	switch p {
	case PanelModels:
		return "Models"
	case PanelProjects:
		return "Projects"
	case PanelDaily:
		return "Daily"
	default:
		return "?"
	}
}

// Model holds the dashboard state.
type Model struct {
	ctx      context.Context
	src      Source
	project  string
	interval time.Duration

	width    int
	height   int
	quitting bool

	rangeIdx    int
	activePanel Panel
	scroll      int

	stats       usage.Statistics
	err         error
	loading     bool
	syncing     bool
	lastRefresh time.Time
	lastSync    *pipeline.Summary
	syncErr     error

	tick   int
	styles *Styles
}

// Styles holds lipgloss styles for the dashboard.
type Styles struct {
	Border lipgloss.Style

	Title    lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Accent   lipgloss.Style
	Muted    lipgloss.Style
	TabOn    lipgloss.Style
	TabOff   lipgloss.Style
	StatusOK lipgloss.Style
	Warn     lipgloss.Style
	Error    lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}

	return &Styles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle).
			Padding(0, 1),
		Title:    lipgloss.NewStyle().Bold(true).Foreground(highlight),
		Label:    lipgloss.NewStyle().Foreground(subtle),
		Value:    lipgloss.NewStyle().Bold(true),
		Accent:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}),
		Muted:    lipgloss.NewStyle().Foreground(subtle),
		TabOn:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#fff")).Background(highlight).Padding(0, 1),
		TabOff:   lipgloss.NewStyle().Foreground(subtle).Padding(0, 1),
		StatusOK: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}),
		Warn:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}),
		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpText: lipgloss.NewStyle().Foreground(subtle),
	}
}

type (
	tickMsg    time.Time
	refreshMsg time.Time
	statsMsg   struct {
		stats usage.Statistics
		err   error
	}
	syncMsg struct {
		sum pipeline.Summary
		err error
	}
)

// New creates a dashboard over src. Statistics are refetched every interval.
func New(ctx context.Context, src Source, r usage.TimeRange, project string, interval time.Duration) *Model {
	idx := 0
	for i, tr := range usage.TimeRanges {
		if tr == r {
			idx = i
		}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Model{
		ctx:      ctx,
		src:      src,
		project:  project,
		interval: interval,
		width:    100,
		height:   30,
		rangeIdx: idx,
		loading:  true,
		styles:   newStyles(),
	}
}

// Range returns the selected time range.
func (m Model) Range() usage.TimeRange {
	return usage.TimeRanges[m.rangeIdx]
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStats(), tickCmd(), m.refreshCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refreshCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) fetchStats() tea.Cmd {
	ctx, src, r, project := m.ctx, m.src, m.Range(), m.project
	return func() tea.Msg {
		stats, err := src.GetStatistics(ctx, r, project)
		return statsMsg{stats: stats, err: err}
	}
}

func (m Model) runSync() tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		sum, err := src.RunIncrementalSync(ctx)
		return syncMsg{sum: sum, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.tick++
		return m, tickCmd()

	case refreshMsg:
		if m.loading {
			return m, m.refreshCmd()
		}
		m.loading = true
		return m, tea.Batch(m.fetchStats(), m.refreshCmd())

	case statsMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			// Responses for a range the user has since left are dropped.
			if msg.stats.TimeRange == m.Range() {
				m.stats = msg.stats
				m.lastRefresh = time.Now()
			} else {
				m.loading = true
				return m, m.fetchStats()
			}
		}
		return m, nil

	case syncMsg:
		m.syncing = false
		m.syncErr = msg.err
		if msg.err == nil || errors.Is(msg.err, usage.ErrCancelled) {
			sum := msg.sum
			m.lastSync = &sum
		}
		m.loading = true
		return m, m.fetchStats()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "1", "2", "3":
		idx := int(msg.String()[0] - '1')
		if idx == m.rangeIdx {
			return m, nil
		}
		m.rangeIdx = idx
		m.scroll = 0
		m.loading = true
		return m, m.fetchStats()

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % panelCount
		m.scroll = 0
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + panelCount - 1) % panelCount
		m.scroll = 0
		return m, nil

	case "down", "j":
		if m.scroll < m.rowCount()-1 {
			m.scroll++
		}
		return m, nil

	case "up", "k":
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil

	case "r":
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.fetchStats()

	case "s":
		if m.syncing {
			return m, nil
		}
		m.syncing = true
		m.syncErr = nil
		return m, m.runSync()
	}

	return m, nil
}

func (m Model) rowCount() int {
	switch m.activePanel {
	case PanelModels:
		return len(m.stats.Models)
	case PanelProjects:
		return len(m.stats.Projects)
	default:
		return len(m.stats.Daily)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := m.renderHeader()
	summary := m.styles.Border.Width(m.width - 2).Render(m.renderSummary())
	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(summary) - 4
	body := m.styles.Border.Width(m.width - 2).Render(m.renderPanel(max(bodyHeight, 3)))

	return lipgloss.JoinVertical(lipgloss.Left, header, summary, body, m.renderHelpBar())
}

func (m Model) renderHeader() string {
	var tabs []string
	for i, r := range usage.TimeRanges {
		label := fmt.Sprintf("%d %s", i+1, r)
		if i == m.rangeIdx {
			tabs = append(tabs, m.styles.TabOn.Render(label))
		} else {
			tabs = append(tabs, m.styles.TabOff.Render(label))
		}
	}

	title := "tokentally"
	if m.project != "" {
		title += " · " + m.project
	}

	status := m.styles.Muted.Render("source " + string(m.stats.Source))
	switch {
	case m.syncing:
		status = m.styles.Accent.Render(m.spinner() + " syncing")
	case m.loading:
		status = m.styles.Muted.Render(m.spinner() + " loading")
	case m.err != nil:
		status = m.styles.Error.Render("error: " + m.err.Error())
	}

	return lipgloss.JoinHorizontal(lipgloss.Center,
		m.styles.Title.Render(title), "  ",
		strings.Join(tabs, ""), "  ",
		status,
	)
}

func (m Model) renderSummary() string {
	t := m.stats.Totals
	if t.Entries == 0 && !m.loading {
		return m.styles.Muted.Render("No usage recorded for this period.")
	}

	line1 := fmt.Sprintf("%s %s   %s %s   %s %d   %s %s",
		m.styles.Label.Render("Cost"), m.styles.Accent.Render(FormatCost(t.Cost)),
		m.styles.Label.Render("Tokens"), m.styles.Value.Render(humanize.Comma(t.TotalTokens)),
		m.styles.Label.Render("Sessions"), t.Sessions,
		m.styles.Label.Render("Requests"), humanize.Comma(t.Requests),
	)
	line2 := m.styles.Muted.Render(fmt.Sprintf("%s in · %s out · %s cache write · %s cache read",
		FormatTokens(t.InputTokens), FormatTokens(t.OutputTokens),
		FormatTokens(t.CacheCreationTokens), FormatTokens(t.CacheReadTokens)))

	line3 := m.styles.Muted.Render("refreshed " + sinceLabel(m.lastRefresh))
	switch {
	case m.syncErr != nil:
		line3 += "  " + m.styles.Error.Render("sync failed: "+m.syncErr.Error())
	case m.lastSync != nil:
		line3 += "  " + m.styles.StatusOK.Render(fmt.Sprintf("last sync %s: %d files, +%d/-%d entries",
			m.lastSync.Status, m.lastSync.FilesProcessed, m.lastSync.NewEntries, m.lastSync.RemovedEntries))
	}

	return strings.Join([]string{line1, line2, line3}, "\n")
}

func (m Model) renderPanel(height int) string {
	var tabs []string
	for p := Panel(0); p < panelCount; p++ {
		if p == m.activePanel {
			tabs = append(tabs, m.styles.TabOn.Render(p.String()))
		} else {
			tabs = append(tabs, m.styles.TabOff.Render(p.String()))
		}
	}

	var rows []string
	switch m.activePanel {
	case PanelModels:
		for _, s := range m.stats.Models {
			rows = append(rows, fmt.Sprintf("%-28s %8s %8s %10s",
				truncate(s.Model, 28), FormatTokens(s.TotalTokens), humanize.Comma(s.Requests), FormatCost(s.Cost)))
		}
	case PanelProjects:
		for _, s := range m.stats.Projects {
			rows = append(rows, fmt.Sprintf("%-28s %8s %5d %10s  %s",
				truncate(s.ProjectName, 28), FormatTokens(s.TotalTokens), s.Sessions, FormatCost(s.Cost), sinceLabel(s.LastUsed)))
		}
	case PanelDaily:
		for i := len(m.stats.Daily) - 1; i >= 0; i-- {
			d := m.stats.Daily[i]
			rows = append(rows, fmt.Sprintf("%-12s %8s %10s  %s",
				d.Date, FormatTokens(d.TotalTokens), FormatCost(d.Cost), strings.Join(d.Models, ", ")))
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(tabs, " "))
	b.WriteString("\n\n")

	if len(rows) == 0 {
		b.WriteString(m.styles.Muted.Render("Nothing to show"))
		return b.String()
	}

	visible := max(height-3, 1)
	start := min(m.scroll, max(len(rows)-visible, 0))
	for i := start; i < len(rows) && i < start+visible; i++ {
		b.WriteString(rows[i])
		b.WriteString("\n")
	}
	if len(rows) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", start+1, len(rows))))
	}
	return b.String()
}

func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.tick%len(frames)]
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"1-3", "range"},
		{"tab", "breakdown"},
		{"j/k", "scroll"},
		{"s", "sync"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}
	return "  " + strings.Join(parts, "  |  ")
}

// FormatTokens renders a token count compactly, e.g. 1.5k or 2.3m.
func FormatTokens(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fb", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.0fk", float64(n)/1_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// FormatCost renders a USD amount. Sub-cent amounts keep four decimals.
func FormatCost(c float64) string {
	if c > 0 && c < 0.01 {
		return fmt.Sprintf("$%.4f", c)
	}
	return "$" + humanize.CommafWithDigits(c, 2)
}

func sinceLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run starts the dashboard and blocks until the user quits or ctx ends.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(m.ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && m.ctx.Err() != nil {
		return nil
	}
	return err
}
