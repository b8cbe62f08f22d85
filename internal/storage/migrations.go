package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Migration is one schema change, applied at most once.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations run in version order. Append only; never edit an applied
// migration.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_audit_alerts",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_alerts (
				alert_id UUID,
				rule_id LowCardinality(String),
				description String,
				severity LowCardinality(String),
				timestamp DateTime64(9, 'UTC'),
				raw_event String,
				syscall String,
				pid String,
				uid String,
				auid String,
				exe String,
				audit_key String,
				hostname LowCardinality(String)
			)
			ENGINE = MergeTree()
			PARTITION BY toYYYYMM(timestamp)
			ORDER BY (timestamp, rule_id)
			TTL toDateTime(timestamp) + INTERVAL 90 DAY
		`,
	},
	{
		Version: 2,
		Name:    "index_audit_alerts_severity",
		SQL: `
			ALTER TABLE audit_alerts
			ADD INDEX IF NOT EXISTS idx_severity severity TYPE set(8) GRANULARITY 4
		`,
	},
}

// Migrator applies pending migrations, tracking them in schema_migrations.
type Migrator struct {
	client *Client
	logger *slog.Logger
}

// NewMigrator creates a migrator.
func NewMigrator(client *Client, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{client: client, logger: logger}
}

// Run executes all pending migrations in order.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			m.logger.Debug("migration already applied", "version", mig.Version, "name", mig.Name)
			continue
		}

		m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)
		for _, stmt := range splitStatements(mig.SQL) {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
			}
		}
		if err := m.recordMigration(ctx, mig.Version, mig.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	return m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`)
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}
	return applied, nil
}

func (m *Migrator) recordMigration(ctx context.Context, version int, name string) error {
	return m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(version), name)
}

// splitStatements breaks migration SQL on semicolons outside string
// literals.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false

	for _, char := range sql {
		if char == '\'' {
			inString = !inString
		}
		if char == ';' && !inString {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteRune(char)
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
