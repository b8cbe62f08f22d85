// Package rules defines the detection rules matched against audit log
// lines. A rule pairs a regular-expression pattern with an identifier,
// description and severity; rule order is fixed for the lifetime of a run
// and evaluation stops at the first match.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Rule represents one detection rule. The pattern is a case-sensitive
// regular expression matched anywhere in the line, not anchored.
type Rule struct {
	ID          string          `yaml:"id" validate:"required"`
	Pattern     string          `yaml:"pattern" validate:"required"`
	Description string          `yaml:"description"`
	Severity    schema.Severity `yaml:"severity" validate:"required,severity"`
	Tags        []string        `yaml:"tags,omitempty"`
	MITRE       *MITREMapping   `yaml:"mitre,omitempty"`
}

// MITREMapping maps the rule to MITRE ATT&CK.
type MITREMapping struct {
	TacticID    string `yaml:"tactic_id"`
	TacticName  string `yaml:"tactic_name"`
	TechniqueID string `yaml:"technique_id"`
}

// ruleFile is the on-disk YAML document shape.
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

var ruleValidator = newRuleValidator()

func newRuleValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return schema.Severity(fl.Field().String()).IsValid()
	})
	return v
}

// Validate checks the rule's required fields and that its pattern compiles.
func (r *Rule) Validate() error {
	if err := ruleValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid rule %q: %w", r.ID, err)
	}
	if _, err := regexp.Compile(r.Pattern); err != nil {
		return fmt.Errorf("invalid rule %q: bad pattern: %w", r.ID, err)
	}
	return nil
}

// normalize canonicalizes fields that tolerate loose input, currently the
// severity case.
func (r *Rule) normalize() error {
	sev, err := schema.ParseSeverity(string(r.Severity))
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	r.Severity = sev
	return nil
}

// ParseRules parses rules from YAML bytes. Both a `rules:` document and a
// bare list are accepted; declaration order is preserved.
func ParseRules(data []byte) ([]*Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		// Try bare list format
		var list []*Rule
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		file.Rules = list
	}

	if len(file.Rules) == 0 {
		var list []*Rule
		if err := yaml.Unmarshal(data, &list); err == nil {
			file.Rules = list
		}
	}

	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("no rules found in document")
	}

	for i, rule := range file.Rules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d: empty entry", i)
		}
		if err := rule.normalize(); err != nil {
			return nil, err
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	return file.Rules, nil
}

// LoadFiles loads rules from the given paths in order. A directory
// contributes its .yaml/.yml files sorted by name; duplicate rule IDs
// across files are rejected.
func LoadFiles(paths []string) ([]*Rule, error) {
	var all []*Rule
	seen := make(map[string]string)

	for _, path := range paths {
		files, err := expandPath(path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read rule file %s: %w", f, err)
			}
			rules, err := ParseRules(data)
			if err != nil {
				return nil, fmt.Errorf("rule file %s: %w", f, err)
			}
			for _, rule := range rules {
				if prev, dup := seen[rule.ID]; dup {
					return nil, fmt.Errorf("rule ID %q in %s already defined in %s", rule.ID, f, prev)
				}
				seen[rule.ID] = f
				all = append(all, rule)
			}
		}
	}

	return all, nil
}

func expandPath(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rule path %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("rule path %s: %w", path, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
