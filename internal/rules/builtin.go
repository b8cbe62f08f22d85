package rules

import "github.com/zx159753/kernel-audit-system/internal/schema"

// BuiltinRules returns the default detection rules ordered by severity,
// most severe first. Evaluation is first-match-wins, so the ordering here
// decides which rule claims a line that several patterns would hit.
func BuiltinRules() []*Rule {
	return []*Rule{
		PrivEscalationRule(),
		IdentityTamperRule(),
		ContainerEscapeRule(),
		PrivilegeFileWriteRule(),
		HostNamespaceEnterRule(),
		KernelModuleLoadRule(),
		PtraceAttachRule(),
		AuditConfigChangeRule(),
		SSHDConfigChangeRule(),
		BPFOperationRule(),
	}
}

// PrivEscalationRule detects root activity attributed to a non-root login
// user: uid=0 on an event whose audit uid is a real user. The boundary
// assertions keep auid=0 from satisfying the uid=0 clause.
func PrivEscalationRule() *Rule {
	return &Rule{
		ID:          "PRIV_ESCALATION",
		Pattern:     `\buid=0\b.*\bauid=[1-9][0-9]*`,
		Description: "Privilege escalation: root activity by a non-root login session",
		Severity:    schema.SeverityCritical,
		Tags:        []string{"privilege-escalation", "syscall"},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1548",
		},
	}
}

// IdentityTamperRule fires on writes to the identity databases watched
// under the "identity" audit key (/etc/passwd, /etc/shadow).
func IdentityTamperRule() *Rule {
	return &Rule{
		ID:          "IDENTITY_TAMPER",
		Pattern:     `key="identity"`,
		Description: "Write to identity database (passwd/shadow)",
		Severity:    schema.SeverityCritical,
		Tags:        []string{"persistence", "file-watch"},
		MITRE: &MITREMapping{
			TacticID:    "TA0003",
			TacticName:  "Persistence",
			TechniqueID: "T1098",
		},
	}
}

// ContainerEscapeRule detects privileged container launches.
func ContainerEscapeRule() *Rule {
	return &Rule{
		ID:          "CONTAINER_ESCAPE",
		Pattern:     `docker.*--privileged`,
		Description: "Privileged container launched",
		Severity:    schema.SeverityHigh,
		Tags:        []string{"container", "escape"},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1611",
		},
	}
}

// PrivilegeFileWriteRule fires on writes to sudo configuration watched
// under the "privilege" audit key.
func PrivilegeFileWriteRule() *Rule {
	return &Rule{
		ID:          "PRIVILEGE_FILE_WRITE",
		Pattern:     `key="privilege"`,
		Description: "Write to sudoers configuration",
		Severity:    schema.SeverityHigh,
		Tags:        []string{"privilege-escalation", "file-watch"},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1548.003",
		},
	}
}

// HostNamespaceEnterRule detects nsenter invocations, the usual vehicle
// for jumping from a container into host namespaces.
func HostNamespaceEnterRule() *Rule {
	return &Rule{
		ID:          "HOST_NS_ENTER",
		Pattern:     `exe="/usr/bin/nsenter"`,
		Description: "Host namespace entry via nsenter",
		Severity:    schema.SeverityHigh,
		Tags:        []string{"container", "escape"},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1611",
		},
	}
}

// KernelModuleLoadRule detects kernel module loads.
func KernelModuleLoadRule() *Rule {
	return &Rule{
		ID:          "KERNEL_MODULE_LOAD",
		Pattern:     `\bsyscall=(init_module|finit_module)\b`,
		Description: "Kernel module loaded",
		Severity:    schema.SeverityMedium,
		Tags:        []string{"kernel", "syscall"},
		MITRE: &MITREMapping{
			TacticID:    "TA0003",
			TacticName:  "Persistence",
			TechniqueID: "T1547.006",
		},
	}
}

// PtraceAttachRule detects ptrace use, common to debuggers and to process
// injection alike.
func PtraceAttachRule() *Rule {
	return &Rule{
		ID:          "PTRACE_ATTACH",
		Pattern:     `\bsyscall=ptrace\b`,
		Description: "Process traced via ptrace",
		Severity:    schema.SeverityMedium,
		Tags:        []string{"injection", "syscall"},
		MITRE: &MITREMapping{
			TacticID:    "TA0005",
			TacticName:  "Defense Evasion",
			TechniqueID: "T1055.008",
		},
	}
}

// AuditConfigChangeRule fires when the audit subsystem configuration
// itself changes.
func AuditConfigChangeRule() *Rule {
	return &Rule{
		ID:          "AUDIT_CONFIG_CHANGE",
		Pattern:     `type=CONFIG_CHANGE`,
		Description: "Audit subsystem configuration changed",
		Severity:    schema.SeverityMedium,
		Tags:        []string{"defense-evasion", "audit"},
		MITRE: &MITREMapping{
			TacticID:    "TA0005",
			TacticName:  "Defense Evasion",
			TechniqueID: "T1562.012",
		},
	}
}

// SSHDConfigChangeRule fires on writes to sshd_config watched under the
// "sshd" audit key.
func SSHDConfigChangeRule() *Rule {
	return &Rule{
		ID:          "SSHD_CONFIG_CHANGE",
		Pattern:     `key="sshd"`,
		Description: "Write to sshd configuration",
		Severity:    schema.SeverityMedium,
		Tags:        []string{"persistence", "file-watch"},
		MITRE: &MITREMapping{
			TacticID:    "TA0003",
			TacticName:  "Persistence",
			TechniqueID: "T1098.004",
		},
	}
}

// BPFOperationRule records BPF syscall activity. LOW because BPF is heavily
// used by legitimate tooling; the record matters more than the page.
func BPFOperationRule() *Rule {
	return &Rule{
		ID:          "BPF_OPERATION",
		Pattern:     `\bsyscall=bpf\b`,
		Description: "BPF syscall observed",
		Severity:    schema.SeverityLow,
		Tags:        []string{"kernel", "syscall"},
		MITRE: &MITREMapping{
			TacticID:    "TA0005",
			TacticName:  "Defense Evasion",
			TechniqueID: "T1014",
		},
	}
}
