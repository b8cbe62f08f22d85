// Package report summarizes the alert store for shift handoff and
// compliance review. It reads sealed and current segments directly, so
// it works on a live store and on one copied off a dead host.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zx159753/kernel-audit-system/internal/schema"
	"github.com/zx159753/kernel-audit-system/internal/store"
)

// Options filters which records a summary covers. Zero values mean no
// filtering.
type Options struct {
	Since       time.Time
	Until       time.Time
	MinSeverity schema.Severity
	RuleID      string

	// Color enables ANSI styling in text output.
	Color bool
}

// RuleCount aggregates alerts for one rule.
type RuleCount struct {
	RuleID   string          `json:"rule_id"`
	Severity schema.Severity `json:"severity"`
	Count    int             `json:"count"`
	LastSeen time.Time       `json:"last_seen"`
}

// Summary is an aggregated view of the store.
type Summary struct {
	GeneratedAt time.Time               `json:"generated_at"`
	StoreDir    string                  `json:"store_dir"`
	Scanned     int                     `json:"scanned"`
	Matched     int                     `json:"matched"`
	First       time.Time               `json:"first,omitempty"`
	Last        time.Time               `json:"last,omitempty"`
	BySeverity  map[schema.Severity]int `json:"by_severity"`
	Rules       []RuleCount             `json:"rules"`

	color bool
}

// Generate reads every record under dir and aggregates the ones
// matching opts.
func Generate(ctx context.Context, dir string, opts Options) (*Summary, error) {
	records, err := store.ReadDir(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("report: failed to read store: %w", err)
	}

	s := &Summary{
		GeneratedAt: time.Now().UTC(),
		StoreDir:    dir,
		Scanned:     len(records),
		BySeverity:  make(map[schema.Severity]int),
		color:       opts.Color,
	}

	byRule := make(map[string]*RuleCount)
	for _, rec := range records {
		if !matches(rec, opts) {
			continue
		}
		s.Matched++
		s.BySeverity[rec.Severity]++

		if s.First.IsZero() || rec.Timestamp.Before(s.First) {
			s.First = rec.Timestamp
		}
		if rec.Timestamp.After(s.Last) {
			s.Last = rec.Timestamp
		}

		rc, ok := byRule[rec.RuleID]
		if !ok {
			rc = &RuleCount{RuleID: rec.RuleID, Severity: rec.Severity}
			byRule[rec.RuleID] = rc
		}
		rc.Count++
		if rec.Timestamp.After(rc.LastSeen) {
			rc.LastSeen = rec.Timestamp
		}
	}

	for _, rc := range byRule {
		s.Rules = append(s.Rules, *rc)
	}
	sort.Slice(s.Rules, func(i, j int) bool {
		if s.Rules[i].Count != s.Rules[j].Count {
			return s.Rules[i].Count > s.Rules[j].Count
		}
		return s.Rules[i].RuleID < s.Rules[j].RuleID
	})

	return s, nil
}

func matches(rec *store.Record, opts Options) bool {
	if !opts.Since.IsZero() && rec.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && !rec.Timestamp.Before(opts.Until) {
		return false
	}
	if opts.MinSeverity != "" && rec.Severity.Rank() < opts.MinSeverity.Rank() {
		return false
	}
	if opts.RuleID != "" && rec.RuleID != opts.RuleID {
		return false
	}
	return true
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	criticalStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	highStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mediumStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	lowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
)

func (s *Summary) styled(style lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return style.Render(text)
}

func (s *Summary) severityLabel(sev schema.Severity) string {
	padded := fmt.Sprintf("%-8s", string(sev))
	switch sev {
	case schema.SeverityCritical:
		return s.styled(criticalStyle, padded)
	case schema.SeverityHigh:
		return s.styled(highStyle, padded)
	case schema.SeverityMedium:
		return s.styled(mediumStyle, padded)
	case schema.SeverityLow:
		return s.styled(lowStyle, padded)
	}
	return padded
}

// Render writes the summary as text.
func (s *Summary) Render(w io.Writer) error {
	var b strings.Builder

	b.WriteString(s.styled(titleStyle, "Audit alert report"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  store:    %s\n", s.StoreDir)
	if !s.First.IsZero() {
		fmt.Fprintf(&b, "  window:   %s .. %s\n",
			s.First.UTC().Format(time.RFC3339), s.Last.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "  scanned:  %d\n", s.Scanned)
	fmt.Fprintf(&b, "  matched:  %d\n", s.Matched)

	if s.Matched == 0 {
		b.WriteString("\n")
		b.WriteString(s.styled(mutedStyle, "  no alerts matched"))
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString("\n")
	b.WriteString(s.styled(titleStyle, "By severity"))
	b.WriteString("\n")
	for _, sev := range []schema.Severity{
		schema.SeverityCritical, schema.SeverityHigh,
		schema.SeverityMedium, schema.SeverityLow,
	} {
		if count := s.BySeverity[sev]; count > 0 {
			fmt.Fprintf(&b, "  %s %6d\n", s.severityLabel(sev), count)
		}
	}

	b.WriteString("\n")
	b.WriteString(s.styled(titleStyle, "By rule"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %-24s %-8s %6s  %s\n", "RULE", "SEV", "COUNT", "LAST SEEN")
	for _, rc := range s.Rules {
		fmt.Fprintf(&b, "  %-24s %s %6d  %s\n",
			rc.RuleID,
			s.severityLabel(rc.Severity),
			rc.Count,
			rc.LastSeen.UTC().Format(time.RFC3339),
		)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes the summary as indented JSON.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
