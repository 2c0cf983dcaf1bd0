// Package storage provides the durable Ledger Store backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Veraticus/agent-ledger/internal/common"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage is the single writer of durable ledger state. Mutations run
// under mu's write lock inside one SQL transaction; snapshots take the read
// lock so they never observe a half-applied mutation.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
	dbPath string
	mu     sync.RWMutex
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection also keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		logger: slog.Default(),
	}, nil
}

// WithLogger replaces the store's logger.
func (s *SQLiteStorage) WithLogger(logger *slog.Logger) *SQLiteStorage {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", common.ErrPersistence, op, err)
}
