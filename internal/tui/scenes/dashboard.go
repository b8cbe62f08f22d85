// Package scenes provides the TUI scenes for the audit monitor viewer.
package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zx159753/kernel-audit-system/internal/schema"
	"github.com/zx159753/kernel-audit-system/internal/tui/source"
	"github.com/zx159753/kernel-audit-system/internal/tui/styles"
)

// DashboardScene displays store totals and the severity breakdown.
type DashboardScene struct {
	source     *source.Source
	stats      *source.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// statsMsg carries updated stats
type statsMsg struct {
	stats *source.Stats
	err   error
}

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(src *source.Source) *DashboardScene {
	return &DashboardScene{
		source:  src,
		loading: true,
	}
}

// Init initializes the dashboard scene - fetches initial data
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := d.source.Stats()
		return statsMsg{stats: stats, err: err}
	}
}

// TickCmd returns a command that ticks every interval
// IMPORTANT: This is returned by the parent model only when this scene is active
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		d.stats = msg.stats
		d.err = msg.err
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Kernel Audit Monitor"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("  Loading store..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", d.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Check that the store directory exists and is readable."))
		return b.String()
	}

	critical := d.stats.BySeverity[schema.SeverityCritical]
	cards := []string{
		d.renderMetricCard("Alerts Total", formatNumber(int64(d.stats.RecordCount))),
		d.renderMetricCard("Critical", formatNumber(int64(critical))),
		d.renderMetricCard("Segments", fmt.Sprintf("%d/%d", d.stats.SealedCount, d.stats.SegmentCount)),
		d.renderMetricCard("Store Size", formatBytes(d.stats.TotalBytes)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  By Severity"))
	b.WriteString("\n")
	for _, sev := range []schema.Severity{
		schema.SeverityCritical, schema.SeverityHigh,
		schema.SeverityMedium, schema.SeverityLow,
	} {
		count := d.stats.BySeverity[sev]
		b.WriteString(fmt.Sprintf("  %s %6d\n", styles.SeverityLabel(sev, 10), count))
	}
	b.WriteString("\n")

	if !d.stats.LastAlert.IsZero() {
		b.WriteString(fmt.Sprintf("  Last alert: %s\n", d.stats.LastAlert.Local().Format("2006-01-02 15:04:05")))
	} else {
		b.WriteString(styles.Muted.Render("  No alerts recorded yet."))
		b.WriteString("\n")
	}

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)

	return card.Render(content)
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}
