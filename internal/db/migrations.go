// Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS regions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				identifier TEXT NOT NULL UNIQUE,
				country TEXT,
				fallback_region_id TEXT REFERENCES regions(id),
				server_limit INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS nodes (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				fqdn TEXT NOT NULL,
				port INTEGER NOT NULL,
				is_online INTEGER NOT NULL DEFAULT 0,
				connection_key TEXT NOT NULL,
				region_id TEXT NOT NULL REFERENCES regions(id),
				last_heartbeat_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_region ON nodes(region_id)`,
			`CREATE TABLE IF NOT EXISTS allocations (
				id TEXT PRIMARY KEY,
				node_id TEXT NOT NULL REFERENCES nodes(id),
				bind_address TEXT NOT NULL,
				port INTEGER NOT NULL,
				assigned INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				UNIQUE(node_id, bind_address, port)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_allocations_node ON allocations(node_id, assigned)`,
			`CREATE TABLE IF NOT EXISTS units (
				id TEXT PRIMARY KEY,
				short_name TEXT NOT NULL UNIQUE,
				description TEXT,
				images_json TEXT NOT NULL,
				default_startup TEXT NOT NULL,
				env_vars_json TEXT,
				config_files_json TEXT,
				install_json TEXT,
				features_json TEXT,
				cargo_containers_json TEXT,
				ready_regex TEXT,
				stop_command TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS servers (
				id TEXT PRIMARY KEY,
				internal_id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				node_id TEXT NOT NULL REFERENCES nodes(id),
				allocation_id TEXT NOT NULL UNIQUE REFERENCES allocations(id),
				unit_id TEXT NOT NULL REFERENCES units(id),
				user_id TEXT NOT NULL,
				project_id TEXT,
				memory_mib INTEGER NOT NULL,
				disk_mib INTEGER NOT NULL,
				cpu_percent INTEGER NOT NULL,
				docker_image TEXT,
				startup_command TEXT,
				phase TEXT NOT NULL,
				observed_state TEXT,
				observed_at TEXT,
				validation_token TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_user ON servers(user_id)`,
			`CREATE TABLE IF NOT EXISTS cargo (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				type TEXT NOT NULL,
				hash TEXT,
				size INTEGER NOT NULL DEFAULT 0,
				mime_type TEXT,
				remote_url TEXT,
				properties_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cargo_containers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT,
				items_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				server_id TEXT,
				node_id TEXT,
				msg TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_server ON events(server_id)`,
		},
	},
}

// Migrate applies all pending migrations to the database.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the
// codebase, preventing schema drift from removed migrations.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
