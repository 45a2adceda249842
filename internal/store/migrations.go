package store

import (
	"fmt"
)

// migrations is the ordered schema history. Append only.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
			CREATE TABLE launches (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL UNIQUE,
				tag TEXT NOT NULL,
				asset TEXT,
				mirror_tag TEXT,
				url TEXT,
				size INTEGER DEFAULT 0,
				sha256 TEXT,
				workers INTEGER DEFAULT 0,
				skipped BOOLEAN DEFAULT 0,
				status TEXT DEFAULT 'running',
				error_message TEXT,
				start_time DATETIME NOT NULL,
				end_time DATETIME
			);

			CREATE TABLE probe_results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				launch_id INTEGER NOT NULL,
				tag TEXT NOT NULL,
				url TEXT,
				ok BOOLEAN DEFAULT 0,
				elapsed_ms INTEGER DEFAULT 0,
				bytes_per_second REAL DEFAULT 0,
				error TEXT,
				FOREIGN KEY(launch_id) REFERENCES launches(id)
			);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE INDEX idx_launches_start_time ON launches(start_time);
			CREATE INDEX idx_probe_results_tag ON probe_results(tag);
		`,
	},
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := s.schemaVersion()
	if err != nil {
		return err
	}
	s.logger.Debug("current schema version", "version", currentVersion)

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}
		s.logger.Debug("running migration", "version", mig.version)
		if err := s.runMigration(mig.version, mig.sql); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}

	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return v, nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
