package rules

import (
	"fmt"
	"regexp"
)

// RuleSet holds an ordered list of rules with their patterns compiled
// once at construction. The set is immutable after NewRuleSet returns and
// safe for concurrent readers.
type RuleSet struct {
	rules    []*Rule
	compiled []*regexp.Regexp
}

// NewRuleSet compiles the given rules in order. Any rule that fails to
// validate or compile rejects the whole set; a bad pattern must surface at
// startup, not on the line that would have matched it.
func NewRuleSet(list []*Rule) (*RuleSet, error) {
	rs := &RuleSet{
		rules:    make([]*Rule, 0, len(list)),
		compiled: make([]*regexp.Regexp, 0, len(list)),
	}
	for i, rule := range list {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}
		rs.rules = append(rs.rules, rule)
		rs.compiled = append(rs.compiled, re)
	}
	return rs, nil
}

// Match returns the first rule whose pattern matches anywhere in line, or
// nil if no rule matches. Later rules are not consulted after a hit.
func (rs *RuleSet) Match(line string) *Rule {
	for i, re := range rs.compiled {
		if re.MatchString(line) {
			return rs.rules[i]
		}
	}
	return nil
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []*Rule {
	return rs.rules
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}
