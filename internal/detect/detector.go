package detect

import (
	"github.com/zx159753/kernel-audit-system/internal/rules"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Detector matches raw lines against a rule set and produces alerts.
// Classification is pure: the detector holds no I/O and emits at most one
// alert per line.
type Detector struct {
	rules     *rules.RuleSet
	extractor *FieldExtractor
}

// NewDetector builds a detector over an already-compiled rule set.
func NewDetector(rs *rules.RuleSet) *Detector {
	return &Detector{
		rules:     rs,
		extractor: NewFieldExtractor(),
	}
}

// Classify evaluates line against the rules in order and returns an alert
// for the first match, or nil when nothing matches. The alert carries the
// verbatim line plus whatever fields could be parsed from it.
func (d *Detector) Classify(line string) *schema.Alert {
	rule := d.rules.Match(line)
	if rule == nil {
		return nil
	}
	details := d.extractor.Extract(line)
	return schema.NewAlert(rule.ID, rule.Description, rule.Severity, line, details)
}

// RuleCount reports how many rules the detector evaluates per line.
func (d *Detector) RuleCount() int {
	return d.rules.Len()
}
