// Package main summarizes the alert store from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/report"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

var version = "dev"

func main() {
	var (
		storeDir    string
		since       string
		until       string
		minSeverity string
		ruleID      string
		format      string
		color       bool
		showVersion bool
	)

	flag.StringVar(&storeDir, "store", "/var/lib/auditmon", "Alert store directory")
	flag.StringVar(&since, "since", "", "Only count alerts at or after this time (RFC 3339 or 2006-01-02)")
	flag.StringVar(&until, "until", "", "Only count alerts before this time (RFC 3339 or 2006-01-02)")
	flag.StringVar(&minSeverity, "min-severity", "", "Drop alerts below this severity (LOW, MEDIUM, HIGH, CRITICAL)")
	flag.StringVar(&ruleID, "rule", "", "Only count alerts from this rule")
	flag.StringVar(&format, "format", "text", "Output format: text or json")
	flag.BoolVar(&color, "color", false, "Use ANSI colors in text output")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("auditmon-report %s\n", version)
		os.Exit(0)
	}

	opts := report.Options{RuleID: ruleID, Color: color}

	if since != "" {
		t, err := parseTime(since)
		if err != nil {
			fatalf("invalid -since: %v", err)
		}
		opts.Since = t
	}
	if until != "" {
		t, err := parseTime(until)
		if err != nil {
			fatalf("invalid -until: %v", err)
		}
		opts.Until = t
	}
	if minSeverity != "" {
		sev, err := schema.ParseSeverity(minSeverity)
		if err != nil {
			fatalf("invalid -min-severity: %v", err)
		}
		opts.MinSeverity = sev
	}

	summary, err := report.Generate(context.Background(), storeDir, opts)
	if err != nil {
		fatalf("report failed: %v", err)
	}

	switch format {
	case "json":
		err = summary.WriteJSON(os.Stdout)
	case "text":
		err = summary.Render(os.Stdout)
	default:
		fatalf("unknown -format %q, want text or json", format)
	}
	if err != nil {
		fatalf("failed to write report: %v", err)
	}
}

// parseTime accepts RFC 3339 timestamps and bare dates.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor a date", s)
	}
	return t, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "auditmon-report: "+format+"\n", args...)
	os.Exit(1)
}
