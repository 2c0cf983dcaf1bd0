package main

import (
	"fmt"
	"log/slog"

	"github.com/Veraticus/agent-ledger/internal/storage"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the ledger database schema to the latest version.

The bot migrates on start as well; this command is for preparing a
database ahead of time or checking its version.`,
		RunE: runMigrate,
	}

	// Flags
	cmd.Flags().Bool("status", false, "Show current migration status without applying changes")

	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetBool("status")
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("Starting database migration",
		"database", cfg.Database.Path,
		"status_only", status)

	// Create storage instance
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	if status {
		current, err := store.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		slog.Info("📊 Database Migration Status",
			"database", cfg.Database.Path,
			"current_version", current,
			"latest_version", storage.ExpectedSchemaVersion,
			"up_to_date", current == storage.ExpectedSchemaVersion)
		return nil
	}

	slog.Info("🗄️  Running database migrations...", "database", cfg.Database.Path)

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("✅ Database migrations completed successfully!")

	return nil
}
