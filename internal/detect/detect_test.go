package detect

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zx159753/kernel-audit-system/internal/rules"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

func TestFieldExtractor(t *testing.T) {
	x := NewFieldExtractor()

	tests := []struct {
		name string
		line string
		want schema.EventDetails
	}{
		{
			name: "all fields",
			line: `type=SYSCALL syscall=execve pid=1234 uid=0 auid=1000 exe="/usr/bin/sudo" key="privilege"`,
			want: schema.EventDetails{
				Syscall: "execve",
				PID:     "1234",
				UID:     "0",
				AUID:    "1000",
				Exe:     "/usr/bin/sudo",
				Key:     "privilege",
			},
		},
		{
			name: "uid and auid only",
			line: `uid=0 auid=1000`,
			want: schema.EventDetails{UID: "0", AUID: "1000"},
		},
		{
			name: "ppid does not satisfy pid",
			line: `type=SYSCALL ppid=99`,
			want: schema.EventDetails{},
		},
		{
			name: "euid does not satisfy uid",
			line: `type=SYSCALL euid=0 fsuid=0`,
			want: schema.EventDetails{},
		},
		{
			name: "auid not consumed by uid pattern",
			line: `auid=1000`,
			want: schema.EventDetails{AUID: "1000"},
		},
		{
			name: "empty exe value",
			line: `exe="" key="watch"`,
			want: schema.EventDetails{Exe: "", Key: "watch"},
		},
		{
			name: "nothing recognizable",
			line: `type=PROCTITLE proctitle="bash"`,
			want: schema.EventDetails{},
		},
		{
			name: "empty line",
			line: "",
			want: schema.EventDetails{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := x.Extract(tt.line)
			if got != tt.want {
				t.Errorf("Extract(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	rs, err := rules.NewRuleSet(rules.BuiltinRules())
	if err != nil {
		t.Fatalf("NewRuleSet failed: %v", err)
	}
	return NewDetector(rs)
}

func TestClassifyPrivilegeEscalation(t *testing.T) {
	d := newTestDetector(t)
	line := `type=SYSCALL msg=audit(1700000000.100:7): syscall=execve pid=888 uid=0 auid=1000 exe="/usr/bin/su"`

	before := time.Now().UTC()
	alert := d.Classify(line)
	after := time.Now().UTC()

	if alert == nil {
		t.Fatal("expected alert, got nil")
	}
	if alert.RuleID != "PRIV_ESCALATION" {
		t.Errorf("expected PRIV_ESCALATION, got %s", alert.RuleID)
	}
	if alert.Severity != schema.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", alert.Severity)
	}
	if alert.RawEvent != line {
		t.Errorf("raw event not preserved verbatim")
	}
	if alert.Details.UID != "0" || alert.Details.AUID != "1000" {
		t.Errorf("details missing uid/auid: %+v", alert.Details)
	}
	if alert.Details.Exe != "/usr/bin/su" {
		t.Errorf("expected exe /usr/bin/su, got %q", alert.Details.Exe)
	}
	if alert.ID == uuid.Nil {
		t.Error("alert ID not assigned")
	}
	if alert.Timestamp.Before(before) || alert.Timestamp.After(after) {
		t.Errorf("timestamp %v outside detection window [%v, %v]", alert.Timestamp, before, after)
	}
}

func TestClassifyContainerEscape(t *testing.T) {
	d := newTestDetector(t)
	line := `type=EXECVE exe="/usr/bin/docker" arg="run --privileged"`

	alert := d.Classify(line)
	if alert == nil {
		t.Fatal("expected alert, got nil")
	}
	if alert.RuleID != "CONTAINER_ESCAPE" {
		t.Errorf("expected CONTAINER_ESCAPE, got %s", alert.RuleID)
	}
	if alert.Severity != schema.SeverityHigh {
		t.Errorf("expected HIGH, got %s", alert.Severity)
	}
	if alert.Details.Exe != "/usr/bin/docker" {
		t.Errorf("expected exe /usr/bin/docker, got %q", alert.Details.Exe)
	}
}

func TestClassifyBPF(t *testing.T) {
	d := newTestDetector(t)
	line := `type=SYSCALL syscall=bpf success=yes pid=4242 uid=1000 auid=1000`

	alert := d.Classify(line)
	if alert == nil {
		t.Fatal("expected alert, got nil")
	}
	if alert.RuleID != "BPF_OPERATION" {
		t.Errorf("expected BPF_OPERATION, got %s", alert.RuleID)
	}
	if alert.Severity != schema.SeverityLow {
		t.Errorf("expected LOW, got %s", alert.Severity)
	}
	if alert.Details.Syscall != "bpf" {
		t.Errorf("expected syscall bpf, got %q", alert.Details.Syscall)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	d := newTestDetector(t)
	lines := []string{
		`type=SYSCALL syscall=openat uid=1000 auid=1000 exe="/usr/bin/vim"`,
		`type=CWD cwd="/home/alice"`,
	}
	for _, line := range lines {
		if alert := d.Classify(line); alert != nil {
			t.Errorf("line %q produced unexpected alert %s", line, alert.RuleID)
		}
	}
}

func TestClassifyAtMostOneAlert(t *testing.T) {
	d := newTestDetector(t)
	// Hits PRIV_ESCALATION and BPF_OPERATION patterns; one alert, first rule.
	line := `type=SYSCALL syscall=bpf uid=0 auid=1000`

	alert := d.Classify(line)
	if alert == nil {
		t.Fatal("expected alert, got nil")
	}
	if alert.RuleID != "PRIV_ESCALATION" {
		t.Errorf("first matching rule must win, got %s", alert.RuleID)
	}
}
