package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/queue"
	"github.com/zx159753/kernel-audit-system/internal/schema"
)

type fakeWriter struct {
	mu       sync.Mutex
	alerts   []*schema.Alert
	failures int
	closed   bool
}

func (f *fakeWriter) Write(alert *schema.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("insert failed")
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) written() []*schema.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*schema.Alert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

func (f *fakeWriter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func makeAlert(n int) *schema.Alert {
	return schema.NewAlert(fmt.Sprintf("RULE_%d", n), "test", schema.SeverityLow,
		"type=SYSCALL syscall=321", schema.EventDetails{Syscall: "321"})
}

func newTestMirror(w alertWriter, queueSize int) *Mirror {
	cfg := DefaultConfig()
	cfg.QueueSize = queueSize
	cfg.PollInterval = time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(w, cfg, logger)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestMirrorName(t *testing.T) {
	m := newTestMirror(&fakeWriter{}, 4)
	if m.Name() != "clickhouse-mirror" {
		t.Errorf("Name() = %q", m.Name())
	}
}

func TestMirrorConsumesInOrder(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMirror(w, 16)
	m.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := m.Send(context.Background(), makeAlert(i)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	waitFor(t, func() bool { return len(w.written()) == 3 })

	for i, alert := range w.written() {
		want := fmt.Sprintf("RULE_%d", i)
		if alert.RuleID != want {
			t.Errorf("alert[%d].RuleID = %q, want %q", i, alert.RuleID, want)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.isClosed() {
		t.Error("writer was not closed")
	}
}

func TestMirrorDropsWhenFull(t *testing.T) {
	m := newTestMirror(&fakeWriter{}, 1)

	if err := m.Send(context.Background(), makeAlert(0)); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	err := m.Send(context.Background(), makeAlert(1))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if m.Metrics().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Metrics().Dropped)
	}
}

func TestMirrorCloseDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMirror(w, 16)

	for i := 0; i < 3; i++ {
		if err := m.Send(context.Background(), makeAlert(i)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	m.Start(context.Background())
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := len(w.written()); got != 3 {
		t.Errorf("written = %d, want 3 (close drains the queue)", got)
	}
	if m.Metrics().Consumed != 3 {
		t.Errorf("Consumed = %d, want 3", m.Metrics().Consumed)
	}
}

func TestMirrorWriteFailureContinues(t *testing.T) {
	w := &fakeWriter{failures: 1}
	m := newTestMirror(w, 16)
	m.Start(context.Background())
	defer m.Close()

	m.Send(context.Background(), makeAlert(0))
	m.Send(context.Background(), makeAlert(1))

	waitFor(t, func() bool {
		return m.Metrics().Errors == 1 && len(w.written()) == 1
	})
}

func TestMirrorCloseIsIdempotent(t *testing.T) {
	m := newTestMirror(&fakeWriter{}, 4)
	m.Start(context.Background())

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestMirrorStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestMirror(&fakeWriter{}, 4)
	m.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after context cancel")
	}
}
