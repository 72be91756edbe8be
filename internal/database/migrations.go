package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Migration is a single schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations are applied in version order exactly once.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "cameras",
		SQL: `
			CREATE TABLE IF NOT EXISTS cameras (
				id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL DEFAULT '',
				host TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 554,
				username TEXT NOT NULL DEFAULT '',
				enc_password TEXT NOT NULL DEFAULT '',
				codec TEXT NOT NULL DEFAULT 'h264',
				resolution TEXT NOT NULL DEFAULT '',
				fps INTEGER NOT NULL DEFAULT 0,
				bitrate INTEGER NOT NULL DEFAULT 0,
				profile_name TEXT NOT NULL DEFAULT '',
				compression_hint INTEGER NOT NULL DEFAULT 0,
				recording_mode TEXT NOT NULL DEFAULT 'continuous',
				retention_days INTEGER NOT NULL DEFAULT 0,
				active INTEGER NOT NULL DEFAULT 1,
				conn_state TEXT NOT NULL DEFAULT 'offline',
				rec_state TEXT NOT NULL DEFAULT 'stopped',
				last_seen INTEGER,
				last_error TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "recordings",
		SQL: `
			CREATE TABLE IF NOT EXISTS recordings (
				id TEXT PRIMARY KEY,
				camera_id TEXT NOT NULL,
				file_path TEXT NOT NULL UNIQUE,
				start_time INTEGER NOT NULL,
				end_time INTEGER NOT NULL,
				duration_sec INTEGER NOT NULL DEFAULT 60,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'completed',
				protected INTEGER NOT NULL DEFAULT 0,
				retention_at INTEGER NOT NULL,
				codec TEXT NOT NULL DEFAULT '',
				resolution TEXT NOT NULL DEFAULT '',
				bitrate INTEGER NOT NULL DEFAULT 0,
				fps INTEGER NOT NULL DEFAULT 0,
				recovered INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_recordings_camera_time ON recordings(camera_id, start_time);
			CREATE INDEX IF NOT EXISTS idx_recordings_retention ON recordings(status, protected, retention_at);
			CREATE INDEX IF NOT EXISTS idx_recordings_start_time ON recordings(start_time);
		`,
	},
	{
		Version: 3,
		Name:    "system_config",
		SQL: `
			CREATE TABLE IF NOT EXISTS system_config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_by TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			);
		`,
	},
	{
		Version: 4,
		Name:    "audit_log",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				principal TEXT NOT NULL,
				action TEXT NOT NULL,
				target TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
		`,
	},
}

// Migrator handles database migrations.
type Migrator struct {
	db     *DB
	logger *slog.Logger
}

// NewMigrator creates a new migrator.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run runs all pending migrations.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Name, time.Now().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
