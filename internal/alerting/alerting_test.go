package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// mockChannel is a test double that records every alert it receives.
type mockChannel struct {
	name     string
	sendFunc func(ctx context.Context, alert *schema.Alert) error
	sent     []*schema.Alert
	mu       sync.Mutex
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, alert *schema.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockChannel) sentAlerts() []*schema.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Alert, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockStore records appends and can be told to fail.
type mockStore struct {
	appended  []*schema.Alert
	appendErr error
}

func (m *mockStore) Append(alert *schema.Alert) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, alert)
	return nil
}

func makeAlert(ruleID string) *schema.Alert {
	return schema.NewAlert(ruleID, "test alert for "+ruleID, schema.SeverityHigh,
		"type=SYSCALL syscall=bpf uid=0", schema.EventDetails{Syscall: "bpf", UID: "0"})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogChannelSend(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ch := NewLogChannel(logger, "soc-oncall")
	if ch.Name() != "log" {
		t.Errorf("expected name 'log', got %s", ch.Name())
	}

	alert := makeAlert("PRIV_ESCALATION")
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "PRIV_ESCALATION") {
		t.Error("log output missing rule id")
	}
	if !strings.Contains(out, "soc-oncall") {
		t.Error("log output missing target")
	}
	if !strings.Contains(out, alert.ID.String()) {
		t.Error("log output missing alert id")
	}
}

func TestWebhookChannelSend(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected content type application/json, got %s", ct)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, map[string]string{
		"Authorization": "Bearer token123",
	}, 5*time.Second)

	alert := makeAlert("CONTAINER_ESCAPE")
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotAuth != "Bearer token123" {
		t.Errorf("expected auth header, got %q", gotAuth)
	}

	var decoded schema.Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("failed to decode webhook payload: %v", err)
	}
	if decoded.RuleID != "CONTAINER_ESCAPE" {
		t.Errorf("expected rule id CONTAINER_ESCAPE, got %s", decoded.RuleID)
	}
	if decoded.RawEvent != alert.RawEvent {
		t.Errorf("payload raw event mismatch: %q", decoded.RawEvent)
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, nil, 5*time.Second)
	err := ch.Send(context.Background(), makeAlert("BPF_OPERATION"))
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestDispatcherSendsToAllChannels(t *testing.T) {
	a := newMockChannel("a")
	b := newMockChannel("b")
	d := NewDispatcher(quietLogger(), a, b)

	alert := makeAlert("PRIV_ESCALATION")
	if err := d.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := a.sentAlerts(); len(got) != 1 || got[0].ID != alert.ID {
		t.Errorf("channel a got %d alerts", len(got))
	}
	if got := b.sentAlerts(); len(got) != 1 || got[0].ID != alert.ID {
		t.Errorf("channel b got %d alerts", len(got))
	}
}

func TestDispatcherContinuesPastFailure(t *testing.T) {
	failing := newMockChannel("failing")
	failing.sendFunc = func(ctx context.Context, alert *schema.Alert) error {
		return errors.New("connection refused")
	}
	healthy := newMockChannel("healthy")

	d := NewDispatcher(quietLogger(), failing, healthy)
	err := d.Send(context.Background(), makeAlert("PTRACE_ATTACH"))

	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "failing") {
		t.Errorf("expected failing channel named in error, got %v", err)
	}
	// The healthy channel must still have been attempted.
	if got := healthy.sentAlerts(); len(got) != 1 {
		t.Errorf("healthy channel got %d alerts, want 1", len(got))
	}
}

func TestSinkPersistsBeforeDispatch(t *testing.T) {
	st := &mockStore{}
	var persistedAtDispatch int
	ch := newMockChannel("probe")
	ch.sendFunc = func(ctx context.Context, alert *schema.Alert) error {
		persistedAtDispatch = len(st.appended)
		return nil
	}

	sink := NewSink(st, NewDispatcher(quietLogger(), ch), quietLogger())
	alert := makeAlert("IDENTITY_TAMPER")
	if err := sink.Handle(context.Background(), alert); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(st.appended) != 1 {
		t.Fatalf("expected 1 persisted alert, got %d", len(st.appended))
	}
	if persistedAtDispatch != 1 {
		t.Error("alert was dispatched before it was persisted")
	}
}

func TestSinkReturnsPersistError(t *testing.T) {
	st := &mockStore{appendErr: errors.New("disk full")}
	ch := newMockChannel("probe")

	sink := NewSink(st, NewDispatcher(quietLogger(), ch), quietLogger())
	err := sink.Handle(context.Background(), makeAlert("PRIV_ESCALATION"))

	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	// An unpersisted alert must never be notified.
	if got := ch.sentAlerts(); len(got) != 0 {
		t.Errorf("channel got %d alerts for a failed persist, want 0", len(got))
	}
}

func TestSinkSwallowsDispatchError(t *testing.T) {
	st := &mockStore{}
	ch := newMockChannel("failing")
	ch.sendFunc = func(ctx context.Context, alert *schema.Alert) error {
		return errors.New("timeout")
	}

	sink := NewSink(st, NewDispatcher(quietLogger(), ch), quietLogger())
	if err := sink.Handle(context.Background(), makeAlert("KERNEL_MODULE_LOAD")); err != nil {
		t.Fatalf("Handle() must not surface dispatch errors, got %v", err)
	}
	if len(st.appended) != 1 {
		t.Errorf("expected alert persisted despite dispatch failure")
	}
}

func TestSinkWithoutDispatcher(t *testing.T) {
	st := &mockStore{}
	sink := NewSink(st, nil, quietLogger())
	if err := sink.Handle(context.Background(), makeAlert("AUDIT_CONFIG_CHANGE")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(st.appended) != 1 {
		t.Errorf("expected 1 persisted alert, got %d", len(st.appended))
	}
}

func TestDTLSChannelConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  DTLSConfig
		wantErr bool
	}{
		{
			name:    "missing address",
			config:  DTLSConfig{PSK: []byte("secret")},
			wantErr: true,
		},
		{
			name:    "no credentials",
			config:  DTLSConfig{Address: "collector:4444"},
			wantErr: true,
		},
		{
			name:    "psk mode",
			config:  DTLSConfig{Address: "collector:4444", PSK: []byte("secret"), PSKIdentity: "auditmon"},
			wantErr: false,
		},
		{
			name:    "cert mode",
			config:  DTLSConfig{Address: "collector:4444", CertFile: "/etc/auditmon/client.crt", KeyFile: "/etc/auditmon/client.key"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDTLSChannel(tt.config, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDTLSChannel() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
