package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create test storage.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func TestNewSQLiteStorage_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")

	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.Equal(t, dbPath, store.Path())
	assert.FileExists(t, dbPath)
}

func TestNewSQLiteStorage_InMemory(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Migrate(context.Background()))
	ledger, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, ledger.Balance.IsZero())
}

func TestNewSQLiteStorage_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStorage("  ")
	require.ErrorIs(t, err, ErrEmptyString)
}

func TestSnapshot_ClosedDatabaseIsPersistenceError(t *testing.T) {
	store, cleanup := createTestStorage(t)
	cleanup()

	_, err := store.Snapshot(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrPersistence))
}

func TestApply_CanceledContext(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Apply(ctx, balanceMutation("m1", "deposit", "1"))
	require.Error(t, err)

	processed, err := store.IsProcessed(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, processed)
}
