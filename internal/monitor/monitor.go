// Package monitor drives the audit pipeline: poll the log, classify each
// line, persist and dispatch whatever matches. One cooperative loop owns
// the whole cycle; cancellation is honored between cycles and during the
// inter-cycle sleep, never in the middle of a batch.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/provision"
	"github.com/zx159753/kernel-audit-system/internal/schema"
	"github.com/zx159753/kernel-audit-system/internal/tail"
)

// State tracks the monitor lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Tailer produces new log lines on each poll.
type Tailer interface {
	Poll() (tail.Result, error)
	State() tail.TailState
}

// Classifier turns a log line into at most one alert.
type Classifier interface {
	Classify(line string) *schema.Alert
}

// AlertSink persists and dispatches an alert. An error means the alert
// never reached durable storage.
type AlertSink interface {
	Handle(ctx context.Context, alert *schema.Alert) error
}

// Provisioner installs audit rules at startup and removes them on
// shutdown.
type Provisioner interface {
	Apply(ctx context.Context, specs []provision.Spec) error
	Revoke(ctx context.Context) error
}

// Checkpointer records tail progress after each cycle.
type Checkpointer interface {
	Save(st tail.TailState) error
}

// Config carries the collaborators and tuning for a Monitor. Tailer,
// Classifier and Sink are required; Provisioner and Checkpoint are
// optional.
type Config struct {
	Tailer      Tailer
	Classifier  Classifier
	Sink        AlertSink
	Provisioner Provisioner
	Checkpoint  Checkpointer

	// PollInterval is the sleep between cycles. Defaults to 5s.
	PollInterval time.Duration

	// RuleSpecs are handed to the provisioner during initialization.
	RuleSpecs []provision.Spec

	// StoreDir is reported in the final summary.
	StoreDir string

	Logger *slog.Logger
}

// persistFailureAlarm is the consecutive-failure count at which the
// monitor raises a dedicated store-health error on top of the per-alert
// log lines. Re-fires every multiple so a persistent outage stays loud.
const persistFailureAlarm = 5

// Monitor is the single-threaded pipeline driver.
type Monitor struct {
	config Config
	logger *slog.Logger

	state     atomic.Int32
	startedAt time.Time

	// persistStreak counts consecutive failed persists. Only the run
	// loop touches it.
	persistStreak int

	cycles        atomic.Uint64
	lines         atomic.Uint64
	alerts        atomic.Uint64
	rotations     atomic.Uint64
	pollErrors    atomic.Uint64
	persistErrors atomic.Uint64
}

// New validates the config and returns a monitor in INITIALIZING state.
func New(config Config) (*Monitor, error) {
	if config.Tailer == nil {
		return nil, errors.New("monitor requires a tailer")
	}
	if config.Classifier == nil {
		return nil, errors.New("monitor requires a classifier")
	}
	if config.Sink == nil {
		return nil, errors.New("monitor requires an alert sink")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	m := &Monitor{
		config: config,
		logger: config.Logger,
	}
	m.state.Store(int32(StateInitializing))
	return m, nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Stats is a snapshot of the monitor counters.
type Stats struct {
	Cycles        uint64 `json:"cycles"`
	Lines         uint64 `json:"lines"`
	Alerts        uint64 `json:"alerts"`
	Rotations     uint64 `json:"rotations"`
	PollErrors    uint64 `json:"poll_errors"`
	PersistErrors uint64 `json:"persist_errors"`
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Cycles:        m.cycles.Load(),
		Lines:         m.lines.Load(),
		Alerts:        m.alerts.Load(),
		Rotations:     m.rotations.Load(),
		PollErrors:    m.pollErrors.Load(),
		PersistErrors: m.persistErrors.Load(),
	}
}

// Run executes the monitor until ctx is cancelled. The cycle in flight
// when cancellation arrives always completes, then rules are revoked and
// a final summary is logged.
func (m *Monitor) Run(ctx context.Context) error {
	m.startedAt = time.Now()
	m.logger.Info("monitor initializing",
		"state", m.State(),
		"poll_interval", m.config.PollInterval,
		"audit_rules", len(m.config.RuleSpecs))

	if m.config.Provisioner != nil {
		if err := m.config.Provisioner.Apply(ctx, m.config.RuleSpecs); err != nil {
			// Detection still works on whatever the kernel already emits.
			m.logger.Warn("audit rule provisioning incomplete", "error", err)
		}
	}

	m.state.Store(int32(StateRunning))
	m.logger.Info("monitor running", "state", m.State())

	timer := time.NewTimer(m.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.terminate()
		default:
		}

		m.runCycle(ctx)

		timer.Reset(m.config.PollInterval)
		select {
		case <-ctx.Done():
			return m.terminate()
		case <-timer.C:
		}
	}
}

// runCycle drains the tailer once and pushes every match through the
// sink. Errors never abort the cycle: a poll failure skips this batch, a
// persist failure skips that alert.
func (m *Monitor) runCycle(ctx context.Context) {
	m.cycles.Add(1)

	result, err := m.config.Tailer.Poll()
	if err != nil {
		m.pollErrors.Add(1)
		m.logger.Warn("log poll failed", "error", err)
		return
	}
	if result.Rotated {
		m.rotations.Add(1)
		m.logger.Info("log rotation detected", "path", m.config.Tailer.State().Path)
	}

	for _, line := range result.Lines {
		m.lines.Add(1)
		alert := m.config.Classifier.Classify(line)
		if alert == nil {
			continue
		}
		m.alerts.Add(1)

		if err := m.config.Sink.Handle(ctx, alert); err != nil {
			m.persistErrors.Add(1)
			m.persistStreak++
			m.logger.Error("alert not persisted",
				"alert_id", alert.ID,
				"rule_id", alert.RuleID,
				"severity", alert.Severity,
				"error", err)
			if m.persistStreak%persistFailureAlarm == 0 {
				m.logger.Error("alert store failing repeatedly",
					"consecutive_failures", m.persistStreak,
					"store", m.config.StoreDir)
			}
		} else {
			m.persistStreak = 0
		}
	}

	m.saveCheckpoint()
}

func (m *Monitor) saveCheckpoint() {
	if m.config.Checkpoint == nil {
		return
	}
	if err := m.config.Checkpoint.Save(m.config.Tailer.State()); err != nil {
		m.logger.Warn("failed to save tail checkpoint", "error", err)
	}
}

// terminate revokes audit rules and logs the final summary. Run's ctx is
// already cancelled here, so revocation gets its own deadline.
func (m *Monitor) terminate() error {
	m.state.Store(int32(StateStopping))
	m.logger.Info("monitor stopping", "state", m.State())

	if m.config.Provisioner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.config.Provisioner.Revoke(ctx); err != nil {
			m.logger.Warn("audit rule revocation incomplete", "error", err)
		}
		cancel()
	}

	m.state.Store(int32(StateTerminated))
	stats := m.Stats()
	m.logger.Info("monitor terminated",
		"state", m.State(),
		"alerts", stats.Alerts,
		"lines", stats.Lines,
		"cycles", stats.Cycles,
		"rotations", stats.Rotations,
		"elapsed", time.Since(m.startedAt).Round(time.Millisecond),
		"store", m.config.StoreDir)
	return nil
}
