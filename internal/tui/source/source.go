// Package source reads the alert store for the TUI. Everything here is
// read-only, so the viewer is safe to run next to a live daemon.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
	"github.com/zx159753/kernel-audit-system/internal/store"
)

// Stats is an aggregated view of the store for the dashboard.
type Stats struct {
	Dir          string
	RecordCount  int
	SegmentCount int
	SealedCount  int
	TotalBytes   int64
	BySeverity   map[schema.Severity]int
	LastAlert    time.Time
}

// SegmentInfo describes one store segment on disk.
type SegmentInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	Sealed  bool
}

// Source reads alerts and segment state from a store directory.
type Source struct {
	dir string
}

// New creates a Source for the given store directory.
func New(dir string) *Source {
	return &Source{dir: dir}
}

// Dir returns the store directory.
func (s *Source) Dir() string { return s.dir }

// Stats aggregates the whole store.
func (s *Source) Stats() (*Stats, error) {
	records, err := store.ReadDir(context.Background(), s.dir)
	if err != nil {
		return nil, fmt.Errorf("source: failed to read store: %w", err)
	}

	stats := &Stats{
		Dir:         s.dir,
		RecordCount: len(records),
		BySeverity:  make(map[schema.Severity]int),
	}

	for _, rec := range records {
		stats.BySeverity[rec.Severity]++
		if rec.Timestamp.After(stats.LastAlert) {
			stats.LastAlert = rec.Timestamp
		}
	}

	segments, err := s.Segments()
	if err != nil {
		return nil, err
	}
	stats.SegmentCount = len(segments)
	for _, seg := range segments {
		stats.TotalBytes += seg.Size
		if seg.Sealed {
			stats.SealedCount++
		}
	}

	return stats, nil
}

// Recent returns up to limit records, newest first.
func (s *Source) Recent(limit int) ([]*store.Record, error) {
	records, err := store.ReadDir(context.Background(), s.dir)
	if err != nil {
		return nil, fmt.Errorf("source: failed to read store: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	// ReadDir yields append order; the viewer wants newest on top.
	out := make([]*store.Record, len(records))
	for i, rec := range records {
		out[len(records)-1-i] = rec
	}
	return out, nil
}

// Segments lists the store's segment files, oldest first.
func (s *Source) Segments() ([]SegmentInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "alerts-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("source: failed to list segments: %w", err)
	}
	sort.Strings(paths)

	var segments []SegmentInfo
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		_, sidecarErr := os.Stat(path + ".sha256")
		segments = append(segments, SegmentInfo{
			Name:    filepath.Base(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Sealed:  sidecarErr == nil,
		})
	}
	return segments, nil
}
