package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
	"github.com/zx159753/kernel-audit-system/internal/store"
)

func seedStore(t *testing.T, dir string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewStore(&store.Config{Dir: dir, MaxFileSize: 10 * 1024 * 1024}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	fixtures := []struct {
		rule     string
		severity schema.Severity
		offset   time.Duration
	}{
		{"PRIV_ESCALATION", schema.SeverityCritical, 0},
		{"PRIV_ESCALATION", schema.SeverityCritical, time.Minute},
		{"CONTAINER_ESCAPE", schema.SeverityHigh, 2 * time.Minute},
		{"BPF_OPERATION", schema.SeverityLow, 3 * time.Minute},
	}

	for _, f := range fixtures {
		alert := schema.NewAlert(f.rule, "test", f.severity,
			"type=SYSCALL uid=0 auid=1000", schema.EventDetails{UID: "0"})
		alert.Timestamp = base.Add(f.offset)
		if err := s.Append(alert); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGenerateCounts(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	s, err := Generate(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if s.Scanned != 4 || s.Matched != 4 {
		t.Errorf("Scanned=%d Matched=%d, want 4/4", s.Scanned, s.Matched)
	}
	if s.BySeverity[schema.SeverityCritical] != 2 {
		t.Errorf("critical count = %d, want 2", s.BySeverity[schema.SeverityCritical])
	}
	if s.BySeverity[schema.SeverityHigh] != 1 || s.BySeverity[schema.SeverityLow] != 1 {
		t.Errorf("unexpected severity counts: %v", s.BySeverity)
	}

	if len(s.Rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(s.Rules))
	}
	if s.Rules[0].RuleID != "PRIV_ESCALATION" || s.Rules[0].Count != 2 {
		t.Errorf("top rule = %+v, want PRIV_ESCALATION x2", s.Rules[0])
	}
	// Equal counts fall back to rule id order.
	if s.Rules[1].RuleID != "BPF_OPERATION" || s.Rules[2].RuleID != "CONTAINER_ESCAPE" {
		t.Errorf("tie-break order wrong: %s, %s", s.Rules[1].RuleID, s.Rules[2].RuleID)
	}

	if !s.First.Equal(time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("First = %v", s.First)
	}
	if !s.Last.Equal(time.Date(2026, 8, 23, 10, 3, 0, 0, time.UTC)) {
		t.Errorf("Last = %v", s.Last)
	}
}

func TestGenerateMinSeverity(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	s, err := Generate(context.Background(), dir, Options{MinSeverity: schema.SeverityHigh})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if s.Matched != 3 {
		t.Errorf("Matched = %d, want 3 (two critical + one high)", s.Matched)
	}
	if s.Scanned != 4 {
		t.Errorf("Scanned = %d, want 4", s.Scanned)
	}
	if s.BySeverity[schema.SeverityLow] != 0 {
		t.Error("low severity record was not filtered")
	}
}

func TestGenerateRuleFilter(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	s, err := Generate(context.Background(), dir, Options{RuleID: "CONTAINER_ESCAPE"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if s.Matched != 1 || len(s.Rules) != 1 {
		t.Fatalf("Matched=%d rules=%d, want 1/1", s.Matched, len(s.Rules))
	}
	if s.Rules[0].Severity != schema.SeverityHigh {
		t.Errorf("rule severity = %s, want HIGH", s.Rules[0].Severity)
	}
}

func TestGenerateTimeWindow(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	opts := Options{
		Since: time.Date(2026, 8, 23, 10, 1, 0, 0, time.UTC),
		Until: time.Date(2026, 8, 23, 10, 3, 0, 0, time.UTC),
	}
	s, err := Generate(context.Background(), dir, opts)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Since is inclusive, Until exclusive: 10:01 and 10:02 match.
	if s.Matched != 2 {
		t.Errorf("Matched = %d, want 2", s.Matched)
	}
}

func TestRenderText(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	s, err := Generate(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{"PRIV_ESCALATION", "CRITICAL", "scanned:  4", "matched:  4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain render contains ANSI escapes")
	}
}

func TestRenderEmpty(t *testing.T) {
	dir := t.TempDir()

	s, err := Generate(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(buf.String(), "no alerts matched") {
		t.Errorf("empty render missing placeholder:\n%s", buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	s, err := Generate(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var buf bytes.Buffer
	if err := s.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var decoded Summary
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Matched != 4 || len(decoded.Rules) != 3 {
		t.Errorf("decoded Matched=%d rules=%d", decoded.Matched, len(decoded.Rules))
	}
}
