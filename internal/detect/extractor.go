// Package detect classifies raw audit log lines against an ordered rule
// set and enriches matches with fields parsed out of the line.
package detect

import (
	"regexp"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// FieldExtractor pulls the well-known audit record fields out of a raw
// line. All patterns are compiled once at construction; extraction on a
// line that carries none of the fields yields empty details, never an
// error.
type FieldExtractor struct {
	syscall *regexp.Regexp
	pid     *regexp.Regexp
	uid     *regexp.Regexp
	auid    *regexp.Regexp
	exe     *regexp.Regexp
	key     *regexp.Regexp
}

// NewFieldExtractor compiles the extraction patterns. The leading \b
// assertions keep pid= from matching inside ppid= and uid= from matching
// inside auid=, euid= or fsuid=.
func NewFieldExtractor() *FieldExtractor {
	return &FieldExtractor{
		syscall: regexp.MustCompile(`\bsyscall=([A-Za-z0-9_]+)`),
		pid:     regexp.MustCompile(`\bpid=([0-9]+)`),
		uid:     regexp.MustCompile(`\buid=([0-9]+)`),
		auid:    regexp.MustCompile(`\bauid=([0-9]+)`),
		exe:     regexp.MustCompile(`exe="([^"]*)"`),
		key:     regexp.MustCompile(`key="([^"]*)"`),
	}
}

// Extract returns the fields present in line. Absent fields are left
// empty and later omitted from serialized alerts.
func (x *FieldExtractor) Extract(line string) schema.EventDetails {
	return schema.EventDetails{
		Syscall: firstGroup(x.syscall, line),
		PID:     firstGroup(x.pid, line),
		UID:     firstGroup(x.uid, line),
		AUID:    firstGroup(x.auid, line),
		Exe:     firstGroup(x.exe, line),
		Key:     firstGroup(x.key, line),
	}
}

func firstGroup(re *regexp.Regexp, line string) string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}
