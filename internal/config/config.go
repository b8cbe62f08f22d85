// Package config handles configuration loading for the audit monitor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration. It is resolved once
// at startup and passed into constructors; nothing reads it through a
// global afterwards.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Provision  ProvisionConfig  `yaml:"provision"`
	Notify     NotifyConfig     `yaml:"notify"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Secrets    SecretsConfig    `yaml:"secrets"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MonitorConfig holds the poll loop settings.
type MonitorConfig struct {
	LogPath      string        `yaml:"log_path" validate:"required"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RulePaths    []string      `yaml:"rule_paths"` // Empty means builtin rules
}

// StoreConfig holds alert store settings.
type StoreConfig struct {
	Path        string        `yaml:"path" validate:"required"` // Directory for alert segments
	MaxFileSize int64         `yaml:"max_file_size"`
	MaxFileAge  time.Duration `yaml:"max_file_age"`
	KeyPath     string        `yaml:"key_path"` // Master signing key; empty derives from Path
}

// CheckpointConfig holds tail-state checkpoint settings.
type CheckpointConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=file redis memory"`
	Path    string      `yaml:"path"` // File backend; empty derives from store path
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the checkpoint backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProvisionConfig holds kernel audit-rule provisioning settings.
type ProvisionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AuditctlPath string        `yaml:"auditctl_path"`
	Timeout      time.Duration `yaml:"timeout"`
	WatchedFiles []WatchedFile `yaml:"watched_files" validate:"dive"`
	ExtraRules   []string      `yaml:"extra_rules"` // Raw auditctl argument lines
}

// WatchedFile describes one file-integrity watch to install.
type WatchedFile struct {
	Path        string `yaml:"path" validate:"required"`
	Permissions string `yaml:"permissions"` // auditctl -p flags, default "wa"
	Key         string `yaml:"key"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	// Target is a convenience webhook URL; when set and no webhook is
	// configured explicitly, the webhook channel uses it.
	Target  string               `yaml:"target"`
	Log     LogChannelConfig     `yaml:"log"`
	Webhook WebhookChannelConfig `yaml:"webhook"`
	Kafka   KafkaChannelConfig   `yaml:"kafka"`
	DTLS    DTLSChannelConfig    `yaml:"dtls"`
}

// LogChannelConfig holds the slog notification channel settings.
type LogChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebhookChannelConfig holds webhook notification settings.
type WebhookChannelConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaChannelConfig holds Kafka alert-stream settings.
type KafkaChannelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
}

// DTLSChannelConfig holds the DTLS forwarder settings.
type DTLSChannelConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	PSK         string        `yaml:"psk"` // Hex-encoded pre-shared key
	PSKIdentity string        `yaml:"psk_identity"`
	CertFile    string        `yaml:"cert_file"`
	KeyFile     string        `yaml:"key_file"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MirrorConfig holds the optional ClickHouse analytics mirror settings.
type MirrorConfig struct {
	Enabled      bool              `yaml:"enabled"`
	ClickHouse   ClickHouseConfig  `yaml:"clickhouse"`
	Batch        BatchWriterConfig `yaml:"batch"`
	QueueSize    int               `yaml:"queue_size"`
	ShutdownWait time.Duration     `yaml:"shutdown_wait"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds sealed-segment archival settings.
type ArchiveConfig struct {
	Enabled      bool     `yaml:"enabled"`
	S3           S3Config `yaml:"s3"`
	StorageClass string   `yaml:"storage_class"`
}

// S3Config holds S3 connection settings.
type S3Config struct {
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"` // Custom endpoint for S3-compatible stores
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// SecretsConfig holds settings for resolving credential references.
// Password and key fields elsewhere in the configuration accept env:,
// file: and vault: references; the vault scheme needs a server address
// and token here.
type SecretsConfig struct {
	VaultAddr  string        `yaml:"vault_addr"`
	VaultToken string        `yaml:"vault_token"` // May itself be an env: or file: reference
	VaultMount string        `yaml:"vault_mount"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Monitor: MonitorConfig{
			LogPath:      "/var/log/audit/audit.log",
			PollInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Path:        "/var/lib/auditmon",
			MaxFileSize: 100 * 1024 * 1024, // 100MB
			MaxFileAge:  24 * time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				KeyPrefix:    "auditmon",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Provision: ProvisionConfig{
			Enabled:      true,
			AuditctlPath: "auditctl",
			Timeout:      10 * time.Second,
			WatchedFiles: []WatchedFile{
				{Path: "/etc/passwd", Permissions: "wa", Key: "identity"},
				{Path: "/etc/shadow", Permissions: "wa", Key: "identity"},
				{Path: "/etc/sudoers", Permissions: "wa", Key: "privilege"},
				{Path: "/etc/ssh/sshd_config", Permissions: "wa", Key: "sshd"},
			},
		},
		Notify: NotifyConfig{
			Log: LogChannelConfig{
				Enabled: true,
			},
			Webhook: WebhookChannelConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
			Kafka: KafkaChannelConfig{
				Enabled:      false,
				Brokers:      []string{"localhost:9092"},
				Topic:        "audit-alerts",
				BatchSize:    100,
				BatchTimeout: time.Second,
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
			},
			DTLS: DTLSChannelConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
		},
		Mirror: MirrorConfig{
			Enabled: false, // Requires a reachable ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "auditmon",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			Batch: BatchWriterConfig{
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			QueueSize:    10000,
			ShutdownWait: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			StorageClass: "INTELLIGENT_TIERING",
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "auditmon",
			},
		},
		Secrets: SecretsConfig{
			VaultMount: "secret",
			Timeout:    10 * time.Second,
		},
	}
}

// Load loads configuration from the path in AUDITMON_CONFIG_PATH, falling
// back to configs/auditmon.yaml, or returns defaults when no file exists.
func Load() (*Config, error) {
	return LoadPath(os.Getenv("AUDITMON_CONFIG_PATH"))
}

// LoadPath loads configuration from an explicit file path. An empty path
// selects the default location.
func LoadPath(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		configPath = "configs/auditmon.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No file, run on defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("AUDITMON_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if path := os.Getenv("AUDITMON_LOG_PATH"); path != "" {
		c.Monitor.LogPath = path
	}

	if path := os.Getenv("AUDITMON_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	if interval := os.Getenv("AUDITMON_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Monitor.PollInterval = d
		}
	}

	if target := os.Getenv("AUDITMON_NOTIFY_TARGET"); target != "" {
		c.Notify.Target = target
	}

	if enabled := os.Getenv("AUDITMON_PROVISION_ENABLED"); enabled == "false" {
		c.Provision.Enabled = false
	}

	if addr := os.Getenv("AUDITMON_REDIS_ADDR"); addr != "" {
		c.Checkpoint.Redis.Addr = addr
	}

	if pass := os.Getenv("AUDITMON_REDIS_PASSWORD"); pass != "" {
		c.Checkpoint.Redis.Password = pass
	}

	// Mirror settings
	if enabled := os.Getenv("AUDITMON_MIRROR_ENABLED"); enabled == "true" {
		c.Mirror.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Mirror.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Mirror.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Mirror.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Mirror.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("AUDITMON_KAFKA_BROKERS"); brokers != "" {
		c.Notify.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("AUDITMON_VAULT_ADDR"); addr != "" {
		c.Secrets.VaultAddr = addr
	}

	if token := os.Getenv("AUDITMON_VAULT_TOKEN"); token != "" {
		c.Secrets.VaultToken = token
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if c.Store.MaxFileSize <= 0 {
		return fmt.Errorf("store max_file_size must be positive")
	}

	if c.Checkpoint.Backend == "redis" && c.Checkpoint.Redis.Addr == "" {
		return fmt.Errorf("checkpoint backend redis requires redis.addr")
	}

	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" && c.Notify.Target == "" {
		return fmt.Errorf("webhook channel enabled without a url or notify target")
	}

	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka channel enabled without brokers")
		}
		if c.Notify.Kafka.Topic == "" {
			return fmt.Errorf("kafka channel enabled without a topic")
		}
	}

	if c.Notify.DTLS.Enabled {
		if c.Notify.DTLS.Address == "" {
			return fmt.Errorf("dtls channel enabled without an address")
		}
		hasPSK := c.Notify.DTLS.PSK != ""
		hasCert := c.Notify.DTLS.CertFile != "" && c.Notify.DTLS.KeyFile != ""
		if !hasPSK && !hasCert {
			return fmt.Errorf("dtls channel requires a psk or a certificate pair")
		}
	}

	if c.Mirror.Enabled {
		if len(c.Mirror.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("mirror enabled without clickhouse hosts")
		}
		if c.Mirror.QueueSize <= 0 {
			return fmt.Errorf("mirror queue_size must be positive")
		}
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive enabled without an s3 bucket")
	}

	if c.Secrets.VaultAddr != "" && c.Secrets.VaultToken == "" {
		return fmt.Errorf("vault address configured without a token")
	}

	return nil
}
