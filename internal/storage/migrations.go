package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial ledger schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS ledger_state (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					balance TEXT NOT NULL DEFAULT '0',
					adjustments TEXT NOT NULL DEFAULT '0',
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`INSERT OR IGNORE INTO ledger_state (id) VALUES (1)`,

				`CREATE TABLE IF NOT EXISTS pending_items (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT UNIQUE NOT NULL,
					source_message_id TEXT NOT NULL,
					reference TEXT NOT NULL DEFAULT '',
					reference_key TEXT NOT NULL DEFAULT '',
					note TEXT NOT NULL DEFAULT '',
					amount TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_pending_items_reference_key ON pending_items(reference_key)`,

				`CREATE TABLE IF NOT EXISTS unknown_items (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT UNIQUE NOT NULL,
					source_message_id TEXT NOT NULL,
					text TEXT NOT NULL,
					sender TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL,
					detail TEXT NOT NULL DEFAULT '',
					partial TEXT,
					received_at DATETIME NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS processed_messages (
					source_message_id TEXT PRIMARY KEY,
					destination TEXT NOT NULL,
					processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Add balance journal for auditing",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS journal (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					source_message_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					amount TEXT NOT NULL,
					pending_id TEXT NOT NULL DEFAULT '',
					balance_after TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_journal_source ON journal(source_message_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Keep attachment names of unknown items apart from their text",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`ALTER TABLE unknown_items ADD COLUMN file_name TEXT NOT NULL DEFAULT ''`); err != nil {
				return fmt.Errorf("failed to add file_name column: %w", err)
			}
			return nil
		},
	},
}

// SchemaVersion returns the database's current schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	finalVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
