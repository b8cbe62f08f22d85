// Package main is the entry point for the audit monitor daemon.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/zx159753/kernel-audit-system/internal/alerting"
	"github.com/zx159753/kernel-audit-system/internal/config"
	"github.com/zx159753/kernel-audit-system/internal/detect"
	"github.com/zx159753/kernel-audit-system/internal/kafka"
	"github.com/zx159753/kernel-audit-system/internal/logging"
	"github.com/zx159753/kernel-audit-system/internal/mirror"
	"github.com/zx159753/kernel-audit-system/internal/monitor"
	"github.com/zx159753/kernel-audit-system/internal/provision"
	"github.com/zx159753/kernel-audit-system/internal/rules"
	"github.com/zx159753/kernel-audit-system/internal/secrets"
	"github.com/zx159753/kernel-audit-system/internal/storage"
	"github.com/zx159753/kernel-audit-system/internal/storage/s3"
	"github.com/zx159753/kernel-audit-system/internal/store"
	"github.com/zx159753/kernel-audit-system/internal/tail"
)

var version = "dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the config file (default configs/auditmon.yaml)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("auditmond %s\n", version)
		os.Exit(0)
	}

	// Bootstrap logger; replaced once the config says how to log.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if configPath == "" {
		configPath = os.Getenv("AUDITMON_CONFIG_PATH")
	}
	cfg, err := config.LoadPath(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger = buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"log_path", cfg.Monitor.LogPath,
		"store_path", cfg.Store.Path,
		"poll_interval", cfg.Monitor.PollInterval,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"notify_target", logging.MaskURL(cfg.Notify.Target),
		"provision_enabled", cfg.Provision.Enabled,
		"mirror_enabled", cfg.Mirror.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	// Detection rules compile once; a bad pattern stops startup.
	ruleList, err := loadRules(cfg)
	if err != nil {
		slog.Error("failed to load detection rules", "error", err)
		os.Exit(1)
	}
	ruleSet, err := rules.NewRuleSet(ruleList)
	if err != nil {
		slog.Error("failed to compile detection rules", "error", err)
		os.Exit(1)
	}
	detector := detect.NewDetector(ruleSet)
	slog.Info("detection rules compiled", "rules", ruleSet.Len())

	// Credential fields may hold env:, file: or vault: references.
	if err := resolveCredentials(cfg, logger); err != nil {
		slog.Error("failed to resolve credentials", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Archiver before store: the store hands sealed segments straight to it.
	var archiver *s3.Archiver
	if cfg.Archive.Enabled {
		s3cfg := s3.DefaultConfig()
		s3cfg.Region = cfg.Archive.S3.Region
		s3cfg.Bucket = cfg.Archive.S3.Bucket
		s3cfg.Prefix = cfg.Archive.S3.Prefix
		s3cfg.Endpoint = cfg.Archive.S3.Endpoint
		s3cfg.AccessKeyID = cfg.Archive.S3.AccessKey
		s3cfg.SecretAccessKey = cfg.Archive.S3.SecretKey
		s3cfg.UsePathStyle = cfg.Archive.S3.ForcePathStyle
		if cfg.Archive.StorageClass != "" {
			s3cfg.StorageClass = cfg.Archive.StorageClass
		}

		s3Client, err := s3.NewClient(ctx, s3cfg, logger)
		if err != nil {
			slog.Error("failed to initialize s3 archive client", "error", err)
			os.Exit(1)
		}
		archiver = s3.NewArchiver(s3Client, nil, logger)
	}

	storeCfg := &store.Config{
		Dir:         cfg.Store.Path,
		MaxFileSize: cfg.Store.MaxFileSize,
		MaxFileAge:  cfg.Store.MaxFileAge,
		KeyPath:     cfg.Store.KeyPath,
	}
	if archiver != nil {
		storeCfg.OnSeal = archiver.HandleSealed
	}
	alertStore, err := store.NewStore(storeCfg, logger)
	if err != nil {
		slog.Error("failed to open alert store", "error", err)
		os.Exit(1)
	}

	channels, chClient, alertMirror, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialize notification channels", "error", err)
		os.Exit(1)
	}
	dispatcher := alerting.NewDispatcher(logger, channels...)
	sink := alerting.NewSink(alertStore, dispatcher, logger)
	slog.Info("notification channels ready", "channels", dispatcher.Channels())

	checkpoint, err := buildCheckpoint(cfg)
	if err != nil {
		slog.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	tailer := tail.NewTailer(cfg.Monitor.LogPath)
	if st, ok, err := checkpoint.Load(cfg.Monitor.LogPath); err != nil {
		slog.Warn("failed to load tail checkpoint, starting from the top", "error", err)
	} else if ok && tailer.Restore(st) {
		slog.Info("resumed from checkpoint", "path", st.Path, "offset", st.Offset)
	}

	provisioner, specs := buildProvisioner(cfg, logger)

	mon, err := monitor.New(monitor.Config{
		Tailer:       tailer,
		Classifier:   detector,
		Sink:         sink,
		Provisioner:  provisioner,
		Checkpoint:   checkpoint,
		PollInterval: cfg.Monitor.PollInterval,
		RuleSpecs:    specs,
		StoreDir:     cfg.Store.Path,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to build monitor", "error", err)
		os.Exit(1)
	}

	if err := mon.Run(ctx); err != nil {
		slog.Error("monitor exited with error", "error", err)
	}

	// The monitor has finished its last cycle; flush everything downstream.
	if err := dispatcher.Close(); err != nil {
		slog.Error("channel shutdown error", "error", err)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if err := alertStore.Close(); err != nil {
		slog.Error("alert store close error", "error", err)
	}
	if archiver != nil {
		if err := archiver.Close(); err != nil {
			slog.Error("archive flush error", "error", err)
		}
	}
	if err := checkpoint.Close(); err != nil {
		slog.Error("checkpoint close error", "error", err)
	}

	storeMetrics := alertStore.Metrics()
	slog.Info("shutdown complete",
		"alerts_written", storeMetrics.Written,
		"store_errors", storeMetrics.Errors,
	)
	if alertMirror != nil {
		mm := alertMirror.Metrics()
		slog.Info("mirror metrics",
			"alerts_mirrored", mm.Consumed,
			"mirror_errors", mm.Errors,
			"mirror_dropped", mm.Dropped,
		)
	}
}

// buildLogger constructs the slog handler the config asks for.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRules returns the configured rule files, or the builtin set when
// none are configured.
func loadRules(cfg *config.Config) ([]*rules.Rule, error) {
	if len(cfg.Monitor.RulePaths) == 0 {
		return rules.BuiltinRules(), nil
	}
	return rules.LoadFiles(cfg.Monitor.RulePaths)
}

// resolveCredentials replaces credential references in the configuration
// with the values they point at. Literal values pass through untouched.
func resolveCredentials(cfg *config.Config, logger *slog.Logger) error {
	resolver, err := secrets.New(secrets.Config{
		VaultAddr:  cfg.Secrets.VaultAddr,
		VaultToken: cfg.Secrets.VaultToken,
		VaultMount: cfg.Secrets.VaultMount,
		Timeout:    cfg.Secrets.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer resolver.Close()

	ctx := context.Background()
	fields := []struct {
		name string
		dst  *string
	}{
		{"checkpoint.redis.password", &cfg.Checkpoint.Redis.Password},
		{"mirror.clickhouse.password", &cfg.Mirror.ClickHouse.Password},
		{"archive.s3.access_key", &cfg.Archive.S3.AccessKey},
		{"archive.s3.secret_key", &cfg.Archive.S3.SecretKey},
		{"notify.dtls.psk", &cfg.Notify.DTLS.PSK},
	}
	for _, field := range fields {
		if *field.dst == "" {
			continue
		}
		value, err := resolver.Resolve(ctx, *field.dst)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = value
	}

	return nil
}

// buildCheckpoint selects the checkpoint backend.
func buildCheckpoint(cfg *config.Config) (tail.CheckpointStore, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		return tail.NewRedisCheckpoint(tail.RedisCheckpointConfig{
			Addr:         cfg.Checkpoint.Redis.Addr,
			Password:     cfg.Checkpoint.Redis.Password,
			DB:           cfg.Checkpoint.Redis.DB,
			KeyPrefix:    cfg.Checkpoint.Redis.KeyPrefix,
			DialTimeout:  cfg.Checkpoint.Redis.DialTimeout,
			ReadTimeout:  cfg.Checkpoint.Redis.ReadTimeout,
			WriteTimeout: cfg.Checkpoint.Redis.WriteTimeout,
		})
	case "memory":
		return tail.NewMemoryCheckpoint(), nil
	default:
		path := cfg.Checkpoint.Path
		if path == "" {
			path = filepath.Join(cfg.Store.Path, "tail.checkpoint")
		}
		return tail.NewFileCheckpoint(path)
	}
}

// buildChannels assembles the notification channels the config enables.
// The ClickHouse client is returned separately because it outlives the
// mirror channel that writes through it.
func buildChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]alerting.Channel, *storage.Client, *mirror.Mirror, error) {
	var channels []alerting.Channel

	if cfg.Notify.Log.Enabled {
		channels = append(channels, alerting.NewLogChannel(logger, cfg.Notify.Target))
	}

	webhookURL := cfg.Notify.Webhook.URL
	if webhookURL == "" {
		webhookURL = cfg.Notify.Target
	}
	if cfg.Notify.Webhook.Enabled && webhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(webhookURL, nil, cfg.Notify.Webhook.Timeout))
		logger.Info("webhook channel enabled", "url", logging.MaskURL(webhookURL))
	}

	if cfg.Notify.Kafka.Enabled {
		kcfg := kafka.DefaultConfig()
		kcfg.Brokers = cfg.Notify.Kafka.Brokers
		kcfg.Topic = cfg.Notify.Kafka.Topic
		if cfg.Notify.Kafka.BatchSize > 0 {
			kcfg.BatchSize = cfg.Notify.Kafka.BatchSize
		}
		if cfg.Notify.Kafka.BatchTimeout > 0 {
			kcfg.BatchTimeout = cfg.Notify.Kafka.BatchTimeout
		}
		if cfg.Notify.Kafka.MaxRetries > 0 {
			kcfg.MaxRetries = cfg.Notify.Kafka.MaxRetries
		}
		if cfg.Notify.Kafka.RetryBackoff > 0 {
			kcfg.RetryBackoff = cfg.Notify.Kafka.RetryBackoff
		}
		if cfg.Notify.Kafka.WriteTimeout > 0 {
			kcfg.WriteTimeout = cfg.Notify.Kafka.WriteTimeout
		}
		kcfg.RequiredAcks = cfg.Notify.Kafka.RequiredAcks

		admin, err := kafka.NewAdmin(kcfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("kafka channel: %w", err)
		}
		if err := admin.EnsureTopic(ctx, kafka.TopicConfig{
			Name:              kcfg.Topic,
			Partitions:        kcfg.Partitions,
			ReplicationFactor: kcfg.ReplicationFactor,
			RetentionMs:       kcfg.RetentionMs,
		}); err != nil {
			// Produce can still succeed if the topic exists but the
			// metadata call was denied, so do not fail startup here.
			logger.Warn("could not ensure kafka topic", "topic", kcfg.Topic, "error", err)
		}

		producer, err := kafka.NewProducer(kcfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("kafka channel: %w", err)
		}
		channels = append(channels, alerting.NewKafkaChannel(producer))
	}

	if cfg.Notify.DTLS.Enabled {
		dcfg := alerting.DTLSConfig{
			Address:     cfg.Notify.DTLS.Address,
			PSKIdentity: cfg.Notify.DTLS.PSKIdentity,
			CertFile:    cfg.Notify.DTLS.CertFile,
			KeyFile:     cfg.Notify.DTLS.KeyFile,
			Timeout:     cfg.Notify.DTLS.Timeout,
		}
		if cfg.Notify.DTLS.PSK != "" {
			psk, err := decodeHexKey(cfg.Notify.DTLS.PSK)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("dtls channel: %w", err)
			}
			dcfg.PSK = psk
		}
		dtlsCh, err := alerting.NewDTLSChannel(dcfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dtls channel: %w", err)
		}
		channels = append(channels, dtlsCh)
	}

	var chClient *storage.Client
	var alertMirror *mirror.Mirror
	if cfg.Mirror.Enabled {
		client, writer, err := buildMirrorWriter(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("clickhouse mirror: %w", err)
		}
		chClient = client

		alertMirror = mirror.New(writer, mirror.Config{
			QueueSize:    cfg.Mirror.QueueSize,
			ShutdownWait: cfg.Mirror.ShutdownWait,
		}, logger)
		// Background context: the consumer exits through queue close so
		// the final cycle's alerts still drain during shutdown.
		alertMirror.Start(context.Background())
		channels = append(channels, alertMirror)
	}

	return channels, chClient, alertMirror, nil
}

// buildMirrorWriter connects to ClickHouse, runs migrations and wraps the
// connection in a batch writer.
func buildMirrorWriter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Client, *storage.BatchWriter, error) {
	client, err := storage.NewClient(storage.Config{
		Hosts:           cfg.Mirror.ClickHouse.Hosts,
		Database:        cfg.Mirror.ClickHouse.Database,
		Username:        cfg.Mirror.ClickHouse.Username,
		Password:        cfg.Mirror.ClickHouse.Password,
		MaxOpenConns:    cfg.Mirror.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.Mirror.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.Mirror.ClickHouse.ConnMaxLifetime,
		TLSEnabled:      cfg.Mirror.ClickHouse.TLSEnabled,
		DialTimeout:     cfg.Mirror.ClickHouse.DialTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	migrator := storage.NewMigrator(client, logger)
	if err := migrator.Run(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}

	writer := storage.NewBatchWriter(client, storage.BatchWriterConfig{
		BatchSize:     cfg.Mirror.Batch.BatchSize,
		FlushInterval: cfg.Mirror.Batch.FlushInterval,
		MaxRetries:    cfg.Mirror.Batch.MaxRetries,
		RetryDelay:    cfg.Mirror.Batch.RetryDelay,
	}, logger)
	return client, writer, nil
}

// buildProvisioner returns the audit-rule provisioner and the rule specs
// it should install.
func buildProvisioner(cfg *config.Config, logger *slog.Logger) (monitor.Provisioner, []provision.Spec) {
	specs := buildAuditSpecs(cfg)

	if !cfg.Provision.Enabled {
		return provision.NewNoop(logger), nil
	}

	p, err := provision.NewAuditctl(provision.Config{
		AuditctlPath: cfg.Provision.AuditctlPath,
		Timeout:      cfg.Provision.Timeout,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("auditctl unavailable, audit rules will not be provisioned", "error", err)
		return provision.NewNoop(logger), nil
	}
	return p, specs
}

// buildAuditSpecs translates the config's watch list into auditctl rules
// and appends the syscall rules the builtin detections rely on.
func buildAuditSpecs(cfg *config.Config) []provision.Spec {
	specs := make([]provision.Spec, 0, len(cfg.Provision.WatchedFiles)+len(cfg.Provision.ExtraRules)+3)

	for _, w := range cfg.Provision.WatchedFiles {
		perms := w.Permissions
		if perms == "" {
			perms = "wa"
		}
		key := w.Key
		if key == "" {
			key = provision.KeyForPath(w.Path)
		}
		specs = append(specs, provision.WatchSpec(w.Path, perms, key))
	}

	// Syscall rules ship regardless of the watch list.
	specs = append(specs, provision.DefaultSpecs(nil)...)

	for _, raw := range cfg.Provision.ExtraRules {
		if fields := strings.Fields(raw); len(fields) > 0 {
			specs = append(specs, provision.RawSpec(fields...))
		}
	}
	return specs
}

// decodeHexKey parses a hex-encoded pre-shared key.
func decodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}
