// Package styles provides consistent styling for the TUI
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

var (
	// Colors
	Primary    = lipgloss.Color("#D97706")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")

	// Muted text style
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	// Base styles
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	// Status styles
	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	// Tab styles
	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	// Help text
	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	// Table styles
	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	// Metric card
	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)

	severityCritical = lipgloss.NewStyle().Bold(true).Foreground(Error)
	severityHigh     = lipgloss.NewStyle().Foreground(Error)
	severityMedium   = lipgloss.NewStyle().Foreground(Warning)
	severityLow      = lipgloss.NewStyle().Foreground(Secondary)
)

// SeverityLabel renders a severity padded to width with its color.
func SeverityLabel(sev schema.Severity, width int) string {
	padded := fmt.Sprintf("%-*s", width, string(sev))
	switch sev {
	case schema.SeverityCritical:
		return severityCritical.Render(padded)
	case schema.SeverityHigh:
		return severityHigh.Render(padded)
	case schema.SeverityMedium:
		return severityMedium.Render(padded)
	case schema.SeverityLow:
		return severityLow.Render(padded)
	}
	return Muted.Render(padded)
}
