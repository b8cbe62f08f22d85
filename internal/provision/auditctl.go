package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Config configures the auditctl provisioner.
type Config struct {
	// AuditctlPath is the path to the auditctl binary. Falls back to a
	// PATH lookup when the file does not exist.
	AuditctlPath string

	// Timeout bounds each auditctl invocation.
	Timeout time.Duration

	// Logger for diagnostic output.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuditctlPath: "/usr/sbin/auditctl",
		Timeout:      5 * time.Second,
	}
}

// runner abstracts auditctl execution so tests can intercept it.
type runner interface {
	run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	path string
}

func (e *execRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, e.path, args...).CombinedOutput()
}

// Auditctl installs and removes kernel audit rules by shelling out to
// auditctl. It remembers what it installed so Revoke removes exactly that
// set and nothing an operator added by hand.
type Auditctl struct {
	runner  runner
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	installed []Spec
}

// NewAuditctl locates the auditctl binary and returns a provisioner.
func NewAuditctl(config Config) (*Auditctl, error) {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	path := config.AuditctlPath
	if path == "" {
		path = "/usr/sbin/auditctl"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		found, err := exec.LookPath("auditctl")
		if err != nil {
			return nil, ErrAuditctlNotFound
		}
		path = found
	}

	return &Auditctl{
		runner:  &execRunner{path: path},
		logger:  config.Logger,
		timeout: config.Timeout,
	}, nil
}

// Probe checks whether audit rules can actually be listed, which requires
// CAP_AUDIT_CONTROL. Callers log the result and keep going either way.
func (a *Auditctl) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	output, err := a.runner.run(ctx, "-l")
	if err != nil {
		return fmt.Errorf("auditctl -l failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Apply installs each rule in order. A rule that fails is logged and
// skipped; the rest still install. The combined error is wrapped in
// ErrProvision and only successfully installed rules are remembered for
// Revoke.
func (a *Auditctl) Apply(ctx context.Context, specs []Spec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, spec := range specs {
		if err := a.runLocked(ctx, spec.Args()); err != nil {
			a.logger.Warn("failed to install audit rule", "rule", spec.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", spec.String(), err))
			continue
		}
		a.installed = append(a.installed, spec)
		a.logger.Info("installed audit rule", "rule", spec.String())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrProvision, errors.Join(errs...))
	}
	return nil
}

// Revoke removes every rule Apply installed, in reverse order. Failures
// are logged and do not stop the remaining removals.
func (a *Auditctl) Revoke(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for i := len(a.installed) - 1; i >= 0; i-- {
		spec := a.installed[i]
		if err := a.runLocked(ctx, spec.RemoveArgs()); err != nil {
			a.logger.Warn("failed to remove audit rule", "rule", spec.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", spec.String(), err))
		}
	}
	a.installed = nil

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrProvision, errors.Join(errs...))
	}
	return nil
}

// Installed reports the rules currently tracked for removal.
func (a *Auditctl) Installed() []Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Spec, len(a.installed))
	copy(out, a.installed)
	return out
}

func (a *Auditctl) runLocked(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	output, err := a.runner.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Noop satisfies the provisioner contract without touching the kernel.
// Used when provisioning is disabled or auditctl is unavailable.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a no-op provisioner.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) Apply(ctx context.Context, specs []Spec) error {
	n.logger.Info("audit rule provisioning disabled, skipping", "rules", len(specs))
	return nil
}

func (n *Noop) Revoke(ctx context.Context) error {
	return nil
}
