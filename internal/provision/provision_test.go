package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner records every auditctl invocation and can be told to fail.
type fakeRunner struct {
	mu       sync.Mutex
	commands [][]string
	failOn   func(args []string) error
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, args)
	if f.failOn != nil {
		if err := f.failOn(args); err != nil {
			return []byte("Error sending add rule data request (Operation not permitted)"), err
		}
	}
	return nil, nil
}

func (f *fakeRunner) recorded() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func newTestAuditctl(r runner) *Auditctl {
	return &Auditctl{
		runner:  r,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: time.Second,
	}
}

func TestSpecArgs(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "full watch",
			spec: WatchSpec("/etc/passwd", "wa", "identity"),
			want: []string{"-w", "/etc/passwd", "-p", "wa", "-k", "identity"},
		},
		{
			name: "watch without key",
			spec: Spec{Path: "/etc/hosts", Perms: "wa"},
			want: []string{"-w", "/etc/hosts", "-p", "wa"},
		},
		{
			name: "raw syscall rule",
			spec: RawSpec("-a", "always,exit", "-S", "bpf", "-k", "bpf"),
			want: []string{"-a", "always,exit", "-S", "bpf", "-k", "bpf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Args(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecRemoveArgs(t *testing.T) {
	watch := WatchSpec("/etc/passwd", "wa", "identity")
	want := []string{"-W", "/etc/passwd", "-p", "wa", "-k", "identity"}
	if got := watch.RemoveArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("RemoveArgs() = %v, want %v", got, want)
	}

	raw := RawSpec("-a", "always,exit", "-S", "ptrace", "-k", "ptrace")
	want = []string{"-d", "always,exit", "-S", "ptrace", "-k", "ptrace"}
	if got := raw.RemoveArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("RemoveArgs() = %v, want %v", got, want)
	}

	// RemoveArgs must not mutate the spec.
	if raw.Raw[0] != "-a" {
		t.Error("RemoveArgs mutated the original spec")
	}
}

func TestKeyForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/etc/passwd", "identity"},
		{"/etc/shadow", "identity"},
		{"/etc/group", "identity"},
		{"/etc/sudoers", "privilege"},
		{"/etc/sudoers.d", "privilege"},
		{"/etc/ssh/sshd_config", "sshd"},
		{"/etc/ssh/sshd_config.d/10-local.conf", "sshd"},
		{"/var/spool/cron/crontabs", "crontabs"},
		{"/opt/app/secret.key", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := KeyForPath(tt.path); got != tt.want {
				t.Errorf("KeyForPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs([]string{"/etc/passwd", "", "/etc/sudoers"})

	// Two watches plus the three syscall rules.
	if len(specs) != 5 {
		t.Fatalf("expected 5 specs, got %d", len(specs))
	}
	if specs[0].Path != "/etc/passwd" || specs[0].Key != "identity" {
		t.Errorf("unexpected first spec: %+v", specs[0])
	}
	if specs[1].Path != "/etc/sudoers" || specs[1].Key != "privilege" {
		t.Errorf("unexpected second spec: %+v", specs[1])
	}

	var syscalls []string
	for _, s := range specs[2:] {
		syscalls = append(syscalls, s.String())
	}
	joined := strings.Join(syscalls, "\n")
	for _, want := range []string{"-S bpf", "-S init_module,finit_module", "-S ptrace"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing syscall rule %q in:\n%s", want, joined)
		}
	}
}

func TestApplyInstallsAll(t *testing.T) {
	fake := &fakeRunner{}
	p := newTestAuditctl(fake)

	specs := []Spec{
		WatchSpec("/etc/passwd", "wa", "identity"),
		RawSpec("-a", "always,exit", "-S", "bpf", "-k", "bpf"),
	}
	if err := p.Apply(context.Background(), specs); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	cmds := fake.recorded()
	if len(cmds) != 2 {
		t.Fatalf("expected 2 auditctl invocations, got %d", len(cmds))
	}
	if !reflect.DeepEqual(cmds[0], []string{"-w", "/etc/passwd", "-p", "wa", "-k", "identity"}) {
		t.Errorf("unexpected first command: %v", cmds[0])
	}
	if got := p.Installed(); len(got) != 2 {
		t.Errorf("expected 2 installed specs, got %d", len(got))
	}
}

func TestApplyContinuesPastFailure(t *testing.T) {
	fake := &fakeRunner{
		failOn: func(args []string) error {
			for _, a := range args {
				if a == "/etc/shadow" {
					return errors.New("exit status 1")
				}
			}
			return nil
		},
	}
	p := newTestAuditctl(fake)

	specs := []Spec{
		WatchSpec("/etc/passwd", "wa", "identity"),
		WatchSpec("/etc/shadow", "wa", "identity"),
		WatchSpec("/etc/sudoers", "wa", "privilege"),
	}
	err := p.Apply(context.Background(), specs)

	if !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
	// All three must have been attempted.
	if cmds := fake.recorded(); len(cmds) != 3 {
		t.Errorf("expected 3 invocations, got %d", len(cmds))
	}
	// Only the two successes are tracked.
	installed := p.Installed()
	if len(installed) != 2 {
		t.Fatalf("expected 2 installed specs, got %d", len(installed))
	}
	for _, s := range installed {
		if s.Path == "/etc/shadow" {
			t.Error("failed rule must not be tracked as installed")
		}
	}
}

func TestRevokeReversesInstalled(t *testing.T) {
	fake := &fakeRunner{}
	p := newTestAuditctl(fake)

	specs := []Spec{
		WatchSpec("/etc/passwd", "wa", "identity"),
		RawSpec("-a", "always,exit", "-S", "ptrace", "-k", "ptrace"),
	}
	if err := p.Apply(context.Background(), specs); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := p.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	cmds := fake.recorded()
	if len(cmds) != 4 {
		t.Fatalf("expected 4 invocations, got %d", len(cmds))
	}
	// Removal runs in reverse install order.
	if cmds[2][0] != "-d" {
		t.Errorf("expected syscall rule removed first, got %v", cmds[2])
	}
	if cmds[3][0] != "-W" {
		t.Errorf("expected watch removed second, got %v", cmds[3])
	}
	if got := p.Installed(); len(got) != 0 {
		t.Errorf("expected installed list cleared, got %d entries", len(got))
	}
}

func TestRevokeSkipsFailedInstalls(t *testing.T) {
	fake := &fakeRunner{
		failOn: func(args []string) error {
			if args[0] == "-w" && args[1] == "/etc/shadow" {
				return errors.New("exit status 1")
			}
			return nil
		},
	}
	p := newTestAuditctl(fake)

	specs := []Spec{
		WatchSpec("/etc/passwd", "wa", "identity"),
		WatchSpec("/etc/shadow", "wa", "identity"),
	}
	p.Apply(context.Background(), specs)

	fake.mu.Lock()
	fake.commands = nil
	fake.mu.Unlock()

	if err := p.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	cmds := fake.recorded()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(cmds))
	}
	if cmds[0][1] != "/etc/passwd" {
		t.Errorf("expected /etc/passwd removed, got %v", cmds[0])
	}
}

func TestProbe(t *testing.T) {
	fake := &fakeRunner{}
	p := newTestAuditctl(fake)
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	cmds := fake.recorded()
	if len(cmds) != 1 || cmds[0][0] != "-l" {
		t.Errorf("expected auditctl -l, got %v", cmds)
	}

	failing := &fakeRunner{failOn: func([]string) error { return errors.New("exit status 1") }}
	p = newTestAuditctl(failing)
	if err := p.Probe(context.Background()); err == nil {
		t.Error("expected probe failure")
	}
}

func TestNoop(t *testing.T) {
	n := NewNoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := n.Apply(context.Background(), DefaultSpecs([]string{"/etc/passwd"})); err != nil {
		t.Errorf("Apply() error = %v", err)
	}
	if err := n.Revoke(context.Background()); err != nil {
		t.Errorf("Revoke() error = %v", err)
	}
}
