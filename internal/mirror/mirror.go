// Package mirror forwards persisted alerts into ClickHouse for
// fleet-wide queries. It rides the notification path: the JSONL store
// is already durable when an alert reaches the mirror, so queue
// overflow drops the copy, never the record.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/queue"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Config holds the mirror configuration.
type Config struct {
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default mirror configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// alertWriter is the part of the batch writer the mirror uses.
type alertWriter interface {
	Write(alert *schema.Alert) error
	Close() error
}

// Mirror hands alerts from the monitor loop to a background consumer
// that batches them into ClickHouse. Send never blocks the caller.
type Mirror struct {
	queue  *queue.RingBuffer
	writer alertWriter
	config Config
	logger *slog.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	consumed atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Mirror around a batch writer.
func New(writer alertWriter, cfg Config, logger *slog.Logger) *Mirror {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 30 * time.Second
	}
	return &Mirror{
		queue:  queue.NewRingBuffer(cfg.QueueSize),
		writer: writer,
		config: cfg,
		logger: logger,
	}
}

// Name identifies the mirror on the dispatcher.
func (m *Mirror) Name() string { return "clickhouse-mirror" }

// Send enqueues an alert for the background consumer. A full queue
// returns queue.ErrQueueFull and the alert is dropped from the mirror
// only; it is already in the store.
func (m *Mirror) Send(_ context.Context, alert *schema.Alert) error {
	return m.queue.Push(alert)
}

// Start launches the consumer goroutine.
func (m *Mirror) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.consume(ctx)
		m.logger.Info("clickhouse mirror started", "queue_size", m.queue.Cap())
	})
}

func (m *Mirror) consume(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		alert, err := m.queue.PopWithTimeout(m.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			m.errors.Add(1)
			m.logger.Warn("unexpected queue error", "error", err)
			continue
		}

		if err := m.writer.Write(alert); err != nil {
			m.errors.Add(1)
			m.logger.Error("mirror write failed",
				"alert_id", alert.ID,
				"rule_id", alert.RuleID,
				"error", err,
			)
			continue
		}
		m.consumed.Add(1)
	}
}

// Close stops the mirror. The queue is closed first so the consumer
// drains what is already buffered, then the writer flushes its final
// batch.
func (m *Mirror) Close() error {
	m.stopOnce.Do(func() {
		m.queue.Close()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(m.config.ShutdownWait):
			m.logger.Warn("mirror shutdown timed out")
		}

		if err := m.writer.Close(); err != nil {
			m.logger.Error("mirror final flush failed", "error", err)
		}
		m.logger.Info("clickhouse mirror stopped", "consumed", m.consumed.Load())
	})
	return nil
}

// Metrics returns mirror statistics.
func (m *Mirror) Metrics() Metrics {
	qm := m.queue.Metrics()
	return Metrics{
		Consumed: m.consumed.Load(),
		Errors:   m.errors.Load(),
		Dropped:  qm.Dropped,
		Depth:    qm.Depth,
	}
}

// Metrics holds mirror statistics.
type Metrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
}
