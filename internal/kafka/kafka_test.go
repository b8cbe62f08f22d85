package kafka

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic == "" {
		t.Error("expected default topic")
	}
	if cfg.Partitions < 1 {
		t.Error("expected partitions >= 1")
	}
	if cfg.ReplicationFactor < 1 {
		t.Error("expected replication factor >= 1")
	}
	if cfg.BatchSize < 1 {
		t.Error("expected batch size >= 1")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty brokers",
			modify: func(c *Config) {
				c.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "empty topic",
			modify: func(c *Config) {
				c.Topic = ""
			},
			wantErr: true,
		},
		{
			name: "invalid partitions",
			modify: func(c *Config) {
				c.Partitions = 0
			},
			wantErr: true,
		},
		{
			name: "invalid security protocol",
			modify: func(c *Config) {
				c.SecurityProtocol = "INVALID"
			},
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = ""
			},
			wantErr: true,
		},
		{
			name: "valid SASL config",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: false,
		},
		{
			name: "SCRAM-SHA-256",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-256"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
				c.TLSSkipVerify = true
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression

			result := cfg.GetCompression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer == nil {
		t.Fatal("expected non-nil dialer")
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("expected timeout %v, got %v", cfg.DialTimeout, dialer.Timeout)
	}
}

func TestGetDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

func TestProducerClosed(t *testing.T) {
	cfg := DefaultConfig()
	producer := &Producer{
		config:  cfg,
		logger:  getTestLogger(),
		metrics: &producerMetrics{},
	}
	producer.closed.Store(true)

	err := producer.Produce(context.Background(), []byte("key"), []byte("value"))
	if err != ErrProducerClosed {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

// Integration tests - skipped if Kafka is not available
func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func skipIfNoKafka(t *testing.T) {
	t.Helper()
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
}

func TestPublishAlertIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	cfg.Topic = "test-alerts-" + time.Now().Format("20060102150405")

	producer, err := NewProducer(cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	defer producer.Close()

	ctx := context.Background()

	status := producer.HealthCheck(ctx)
	if !status.Healthy {
		t.Errorf("expected producer to be healthy: %s", status.Error)
	}

	alert := schema.NewAlert("BPF_OPERATION", "BPF syscall observed", schema.SeverityLow,
		"type=SYSCALL syscall=bpf", schema.EventDetails{Syscall: "bpf"})
	if err := producer.PublishAlert(ctx, alert); err != nil {
		t.Errorf("PublishAlert() error = %v", err)
	}

	metrics := producer.GetMetrics()
	if metrics.MessagesProduced != 1 {
		t.Errorf("expected 1 message produced, got %d", metrics.MessagesProduced)
	}
}

func TestAdminIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}

	admin, err := NewAdmin(cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}

	ctx := context.Background()

	status := admin.HealthCheck(ctx)
	if !status.Healthy {
		t.Errorf("expected admin to be healthy: %s", status.Error)
	}

	if err := admin.EnsureTopic(ctx, TopicConfig{
		Name:              cfg.Topic,
		Partitions:        cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		RetentionMs:       cfg.RetentionMs,
	}); err != nil {
		t.Errorf("EnsureTopic() error = %v", err)
	}
}
