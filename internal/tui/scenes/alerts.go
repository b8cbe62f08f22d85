package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zx159753/kernel-audit-system/internal/store"
	"github.com/zx159753/kernel-audit-system/internal/tui/source"
	"github.com/zx159753/kernel-audit-system/internal/tui/styles"
)

// fetchLimit caps how many records the alerts scene pulls per refresh.
const fetchLimit = 200

// AlertsScene displays recent alerts, newest first.
type AlertsScene struct {
	source     *source.Source
	alerts     []*store.Record
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// alertsMsg carries updated alerts
type alertsMsg struct {
	alerts []*store.Record
	err    string
}

// NewAlertsScene creates a new alerts scene
func NewAlertsScene(src *source.Source) *AlertsScene {
	return &AlertsScene{
		source:  src,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the alerts scene
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		alerts, err := a.source.Recent(fetchLimit)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{alerts: alerts}
	}
}

// TickCmd returns a command that ticks every interval
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Update handles messages for the alerts scene
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-12)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.alerts)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "pgup":
			a.cursor = max(0, a.cursor-a.maxRows)
			a.offset = max(0, a.offset-a.maxRows)
		case "pgdown":
			a.cursor = min(len(a.alerts)-1, a.cursor+a.maxRows)
			a.offset = min(max(0, len(a.alerts)-a.maxRows), a.offset+a.maxRows)
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.err = msg.err
		a.lastUpdate = time.Now()
		if a.cursor >= len(a.alerts) {
			a.cursor = max(0, len(a.alerts)-1)
		}
		return a, nil

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}

	return a, nil
}

// View renders the alert list
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Alerts"))
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Check that -store points at the daemon's store directory."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts recorded."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Alerts appear here once the monitor daemon matches an audit line."))
		return b.String()
	}

	countText := fmt.Sprintf("  Showing %d most recent alerts", len(a.alerts))
	b.WriteString(styles.Subtitle.Render(countText))
	if a.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-10s %-10s %-22s %s",
		"Time", "Severity", "Rule", "Event")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(a.offset+a.maxRows, len(a.alerts))
	for i, rec := range a.alerts[a.offset:endIdx] {
		idx := a.offset + i
		b.WriteString(a.renderAlertRow(rec, idx == a.cursor))
		b.WriteString("\n")
	}

	if len(a.alerts) > a.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			a.offset+1, endIdx, len(a.alerts))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (a *AlertsScene) renderAlertRow(rec *store.Record, selected bool) string {
	timestamp := rec.Timestamp.Local().Format("15:04:05")
	severity := styles.SeverityLabel(rec.Severity, 10)
	rule := truncate(rec.RuleID, 22)
	event := truncate(rec.RawEvent, max(20, a.width-50))

	row := fmt.Sprintf("  %-10s %s %-22s %s", timestamp, severity, rule, event)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return row
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
