package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veraticus/agent-ledger/internal/bot"
	"github.com/Veraticus/agent-ledger/internal/config"
	"github.com/Veraticus/agent-ledger/internal/metrics"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/Veraticus/agent-ledger/internal/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long: `Connect to Telegram, file every message the operator forwards, answer
commands, and send the daily report at report.hour.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	extractor, err := newExtractor(cfg)
	if err != nil {
		return err
	}

	var exporter bot.Exporter
	if e, err := report.NewExporter(cfg.Report.TemplatePath, cfg.Report.Layout, slog.Default().With("component", "report")); err != nil {
		slog.Warn("Excel export disabled", "template", cfg.Report.TemplatePath, "error", err)
	} else {
		exporter = e
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		srv := startMetricsServer(cfg.Metrics.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	telegram, err := bot.NewTelegramBot(bot.TelegramConfig{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
		Workers:     cfg.Ingest.Workers,
	}, slog.Default().With("component", "telegram"))
	if err != nil {
		return err
	}

	policy := reconcile.NewPolicy()
	ingestor := bot.NewIngestor(store, extractor, policy, slog.Default().With("component", "ingest"))
	dispatcher := bot.NewDispatcher(store, ingestor, exporter, policy, telegram, bot.DispatcherConfig{
		OperatorChatID: cfg.Telegram.OperatorChatID,
	}, slog.Default().With("component", "dispatcher"))

	scheduler := bot.NewScheduler(cfg.Report.Hour, dispatcher.SendReport, slog.Default().With("component", "scheduler"))
	scheduler.Start(ctx)
	defer scheduler.Stop()

	logServeStart(cfg)

	if err := telegram.Run(ctx, dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("ledgerbot stopped")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func logServeStart(cfg *config.Config) {
	slog.Info("ledgerbot running",
		"database", cfg.Database.Path,
		"oracle", cfg.LLM.Provider,
		"operator_chat_id", cfg.Telegram.OperatorChatID,
		"report_hour", cfg.Report.Hour,
		"workers", cfg.Ingest.Workers)
}
