package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// BatchWriterConfig tunes the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	// Hostname tags every row; defaults to os.Hostname.
	Hostname string `yaml:"hostname"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter accumulates alerts and inserts them into audit_alerts in
// batches, on size or on a timer.
type BatchWriter struct {
	client   *Client
	config   BatchWriterConfig
	logger   *slog.Logger
	hostname string

	buffer []*schema.Alert
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter creates a batch writer and starts its flush timer.
func NewBatchWriter(client *Client, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	bw := &BatchWriter{
		client:   client,
		config:   cfg,
		logger:   logger,
		hostname: hostname,
		buffer:   make([]*schema.Alert, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds an alert to the pending batch, flushing when full.
func (bw *BatchWriter) Write(alert *schema.Alert) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, alert)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("mirror flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked inserts the buffered alerts with retries. Caller holds the
// lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	alerts := bw.buffer
	bw.buffer = make([]*schema.Alert, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(alerts); err != nil {
			lastErr = err
			bw.logger.Warn("mirror batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"count", len(alerts),
				"error", err)
			continue
		}

		bw.written.Add(uint64(len(alerts)))
		bw.batches.Add(1)
		return nil
	}

	bw.failed.Add(uint64(len(alerts)))
	return fmt.Errorf("%w: %d alerts after %d retries: %v",
		ErrBatchInsertFailed, len(alerts), bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(alerts []*schema.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO audit_alerts (
			alert_id, rule_id, description, severity, timestamp, raw_event,
			syscall, pid, uid, auid, exe, audit_key, hostname
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, alert := range alerts {
		err := batch.Append(
			alert.ID,
			alert.RuleID,
			alert.Description,
			string(alert.Severity),
			alert.Timestamp,
			alert.RawEvent,
			alert.Details.Syscall,
			alert.Details.PID,
			alert.Details.UID,
			alert.Details.AUID,
			alert.Details.Exe,
			alert.Details.Key,
			bw.hostname,
		)
		if err != nil {
			return fmt.Errorf("failed to append alert: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("mirror batch inserted", "count", len(alerts))
	return nil
}

// Flush forces a flush of the pending batch.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what remains.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
