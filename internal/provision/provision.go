// Package provision installs kernel audit rules through auditctl at
// startup and removes them again on shutdown. Rule installation is
// best-effort per rule: one bad rule is logged and skipped, the rest still
// land.
package provision

import (
	"errors"
	"path"
	"strings"
)

// ErrProvision wraps per-rule installation failures. The monitor treats it
// as a warning; detection works on whatever events the kernel already
// emits.
var ErrProvision = errors.New("audit rule provisioning failed")

// ErrAuditctlNotFound is returned when no auditctl binary can be located.
var ErrAuditctlNotFound = errors.New("auditctl command not found")

// Spec describes one audit rule. Either the watch fields or Raw is set,
// never both.
type Spec struct {
	// Path, Perms and Key describe a file watch (-w path -p perms -k key).
	Path  string
	Perms string
	Key   string

	// Raw holds literal auditctl arguments for syscall rules.
	Raw []string
}

// WatchSpec builds a file watch rule.
func WatchSpec(path, perms, key string) Spec {
	return Spec{Path: path, Perms: perms, Key: key}
}

// RawSpec builds a rule from literal auditctl arguments.
func RawSpec(args ...string) Spec {
	return Spec{Raw: args}
}

// Args returns the auditctl arguments that install this rule.
func (s Spec) Args() []string {
	if len(s.Raw) > 0 {
		return s.Raw
	}
	args := []string{"-w", s.Path}
	if s.Perms != "" {
		args = append(args, "-p", s.Perms)
	}
	if s.Key != "" {
		args = append(args, "-k", s.Key)
	}
	return args
}

// RemoveArgs returns the auditctl arguments that delete this rule. Watch
// rules flip -w to -W; syscall rules flip -a to -d.
func (s Spec) RemoveArgs() []string {
	if len(s.Raw) > 0 {
		args := make([]string, len(s.Raw))
		copy(args, s.Raw)
		if args[0] == "-a" {
			args[0] = "-d"
		}
		return args
	}
	args := []string{"-W", s.Path}
	if s.Perms != "" {
		args = append(args, "-p", s.Perms)
	}
	if s.Key != "" {
		args = append(args, "-k", s.Key)
	}
	return args
}

func (s Spec) String() string {
	return strings.Join(s.Args(), " ")
}

// identityFiles are credential databases; writes to any of them carry the
// "identity" key that IDENTITY_TAMPER matches on.
var identityFiles = map[string]bool{
	"/etc/passwd":  true,
	"/etc/shadow":  true,
	"/etc/group":   true,
	"/etc/gshadow": true,
}

var privilegeFiles = map[string]bool{
	"/etc/sudoers":   true,
	"/etc/sudoers.d": true,
}

// KeyForPath picks the audit key for a watched file. Well-known paths get
// the keys the built-in rules match on; anything else gets a sanitized
// basename.
func KeyForPath(p string) string {
	switch {
	case identityFiles[p]:
		return "identity"
	case privilegeFiles[p]:
		return "privilege"
	case p == "/etc/ssh/sshd_config" || strings.HasPrefix(p, "/etc/ssh/sshd_config.d"):
		return "sshd"
	}

	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "watched"
	}
	return b.String()
}

// DefaultSpecs builds the standard rule set: a write watch on every
// configured file plus syscall rules for the kernel-facing detections.
func DefaultSpecs(watchedFiles []string) []Spec {
	specs := make([]Spec, 0, len(watchedFiles)+3)
	for _, f := range watchedFiles {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		specs = append(specs, WatchSpec(f, "wa", KeyForPath(f)))
	}

	specs = append(specs,
		RawSpec("-a", "always,exit", "-F", "arch=b64", "-S", "bpf", "-k", "bpf"),
		RawSpec("-a", "always,exit", "-F", "arch=b64", "-S", "init_module,finit_module", "-k", "modules"),
		RawSpec("-a", "always,exit", "-F", "arch=b64", "-S", "ptrace", "-k", "ptrace"),
	)
	return specs
}
