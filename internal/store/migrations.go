package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

const currentSchemaVersion = 1

// migrationManager runs the engine's own minimal in-process schema
// migrations at startup, grounded on the teacher's
// pkg/persistence/sqlbase.MigrationManager: a schema_migrations table
// tracking the highest applied version, and a map of version -> DDL.
type migrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func newMigrationManager(db *sql.DB, logger *slog.Logger) *migrationManager {
	return &migrationManager{db: db, logger: logger, migrations: schemaMigrations()}
}

func (m *migrationManager) run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	if current >= currentSchemaVersion {
		m.logger.DebugContext(ctx, "schema up to date", "version", current)

		return nil
	}

	for version := current + 1; version <= currentSchemaVersion; version++ {
		ddl, ok := m.migrations[version]
		if !ok {
			continue
		}

		if err := m.apply(ctx, version, ddl); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}

		m.logger.InfoContext(ctx, "applied migration", "version", version)
	}

	return nil
}

func (m *migrationManager) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)

	return err
}

func (m *migrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)

	return version, err
}

func (m *migrationManager) apply(ctx context.Context, version int, ddl string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		_ = tx.Rollback()

		return err
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

func schemaMigrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				slug TEXT NOT NULL UNIQUE,
				webhook_secret TEXT,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE IF NOT EXISTS steps (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				"order" INTEGER NOT NULL,
				name TEXT NOT NULL,
				type TEXT NOT NULL CHECK (type IN ('http','transform','ai','delay')),
				config JSONB NOT NULL,
				retry_policy JSONB,
				timeout_ms INTEGER,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				UNIQUE(workflow_id, "order"),
				UNIQUE(workflow_id, name)
			);

			CREATE TABLE IF NOT EXISTS runs (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
				trigger_data JSONB NOT NULL,
				context JSONB NOT NULL,
				current_step_index INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE,
				error JSONB
			);

			CREATE TABLE IF NOT EXISTS step_executions (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				step_id UUID NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
				step_name TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
				attempt INTEGER NOT NULL,
				input JSONB,
				output JSONB,
				error JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT,
				UNIQUE(run_id, step_id, attempt)
			);

			CREATE TABLE IF NOT EXISTS idempotency_keys (
				key TEXT PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_steps_workflow_id ON steps(workflow_id);
			CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id);
			CREATE INDEX IF NOT EXISTS idx_step_executions_run_id ON step_executions(run_id);
			CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys(expires_at);
		`,
	}
}
