package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Veraticus/agent-ledger/internal/cli"
	"github.com/Veraticus/agent-ledger/internal/report"
	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the ledger from the local database",
		Long: `Print balance, pending payments, messages that need a decision and the
most recent balance changes.
With --excel the workbook is written from the configured template as well.`,
		RunE: runReport,
	}

	cmd.Flags().String("excel", "", "write the workbook to this path (use - for Agent_Report_YYYYMMDD.xlsx)")
	cmd.Flags().Int("journal", 10, "show this many recent balance changes (0 hides them)")

	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	excelPath, _ := cmd.Flags().GetString("excel")
	journalLimit, _ := cmd.Flags().GetInt("journal")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ledger, err := store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintln(out, cli.RenderLedger(ledger)); err != nil {
		slog.Warn("Failed to write report", "error", err)
	}

	if journalLimit > 0 {
		entries, err := store.Journal(ctx, journalLimit)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		_, _ = fmt.Fprintln(out, cli.RenderJournal(entries))
	}

	if excelPath == "" {
		return nil
	}
	if excelPath == "-" {
		excelPath = report.ReportFileName(time.Now())
	}

	exporter, err := report.NewExporter(cfg.Report.TemplatePath, cfg.Report.Layout, slog.Default())
	if err != nil {
		return err
	}
	data, err := exporter.Export(ledger)
	if err != nil {
		return err
	}
	if err := os.WriteFile(excelPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	_, _ = fmt.Fprintln(out, cli.FormatSuccess("Workbook written to "+excelPath))
	return nil
}
