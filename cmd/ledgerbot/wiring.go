package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/config"
	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/storage"
)

// openStore opens and migrates the ledger database.
func openStore(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store.WithLogger(slog.Default().With("component", "storage"))

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// newExtractor builds the oracle client and extractor from cfg.
func newExtractor(cfg *config.Config) (*llm.Extractor, error) {
	if err := cfg.RequireOracle(); err != nil {
		return nil, err
	}

	client, err := llm.NewClient(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle client: %w", err)
	}

	return llm.NewExtractor(client, llm.ExtractorOptions{
		Timeout:   cfg.LLM.Timeout,
		RateLimit: cfg.LLM.RateLimit,
		Retry: common.RetryOptions{
			MaxAttempts:  cfg.LLM.MaxRetries,
			InitialDelay: cfg.LLM.RetryDelay,
			MaxDelay:     10 * cfg.LLM.RetryDelay,
			Multiplier:   2,
		},
	}, slog.Default().With("component", "extractor")), nil
}
