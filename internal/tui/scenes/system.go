package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zx159753/kernel-audit-system/internal/tui/source"
	"github.com/zx159753/kernel-audit-system/internal/tui/styles"
)

// SystemScene displays the store layout: segments, sizes and seal state.
type SystemScene struct {
	source     *source.Source
	stats      *source.Stats
	segments   []source.SegmentInfo
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// systemMsg carries updated store state
type systemMsg struct {
	stats    *source.Stats
	segments []source.SegmentInfo
	err      error
}

// NewSystemScene creates a new store info scene
func NewSystemScene(src *source.Source) *SystemScene {
	return &SystemScene{
		source:  src,
		loading: true,
	}
}

// Init initializes the system scene
func (s *SystemScene) Init() tea.Cmd {
	return s.fetchState()
}

func (s *SystemScene) fetchState() tea.Cmd {
	return func() tea.Msg {
		stats, err := s.source.Stats()
		if err != nil {
			return systemMsg{err: err}
		}
		segments, err := s.source.Segments()
		return systemMsg{stats: stats, segments: segments, err: err}
	}
}

// TickCmd returns a command that ticks every interval
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case systemMsg:
		s.loading = false
		s.stats = msg.stats
		s.segments = msg.segments
		s.err = msg.err
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, s.fetchState()
		}
		return s, nil
	}

	return s, nil
}

// View renders the store info scene
func (s *SystemScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Store"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("  Loading store information..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render("  Location"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s\n", s.stats.Dir))
	b.WriteString(fmt.Sprintf("  Records: %s   Size: %s\n",
		styles.MetricValue.Render(formatNumber(int64(s.stats.RecordCount))),
		styles.MetricValue.Render(formatBytes(s.stats.TotalBytes)),
	))
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Segments"))
	b.WriteString("\n")

	if len(s.segments) == 0 {
		b.WriteString(styles.Muted.Render("  No segments yet."))
		b.WriteString("\n")
	} else {
		maxRows := max(5, s.height-14)
		shown := s.segments
		if len(shown) > maxRows {
			// Newest segments are the interesting ones.
			shown = shown[len(shown)-maxRows:]
		}
		for _, seg := range shown {
			var marker string
			if seg.Sealed {
				marker = styles.StatusOK.Render("●")
			} else {
				marker = styles.Muted.Render("○")
			}
			b.WriteString(fmt.Sprintf("  %s %-36s %8s  %s\n",
				marker,
				seg.Name,
				formatBytes(seg.Size),
				styles.Muted.Render(seg.ModTime.Local().Format("2006-01-02 15:04")),
			))
		}
		if hidden := len(s.segments) - len(shown); hidden > 0 {
			b.WriteString(styles.Muted.Render(fmt.Sprintf("  ... %d older segments not shown\n", hidden)))
		}
		b.WriteString(styles.Muted.Render("  ● sealed (checksummed)   ○ current\n"))
	}
	b.WriteString("\n")

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}
