package schema

import (
	"fmt"
	"strings"
)

// Severity classifies how urgent an alert is. The four levels are fixed;
// rules declare exactly one of them.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// IsValid checks if the severity is one of the four defined levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank returns a sortable weight for the severity, highest first.
// CRITICAL=4, HIGH=3, MEDIUM=2, LOW=1, anything else 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity normalizes a severity string (case-insensitive) to one of
// the defined levels.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("invalid severity %q (want CRITICAL, HIGH, MEDIUM or LOW)", s)
	}
	return sev, nil
}
