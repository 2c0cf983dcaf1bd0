package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Veraticus/agent-ledger/internal/bot"
	"github.com/Veraticus/agent-ledger/internal/cli"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/spf13/cobra"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <messages.json>",
		Short: "Replay the previous bot's message log into the ledger",
		Long: `Classify every entry of a message log kept by the previous bot
([{"date", "sender", "text", "file"}, ...]) and apply it to the ledger.

Entries are keyed by their content, so importing the same log again
only files entries that were not imported before.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}

	cmd.Flags().Bool("dry-run", false, "parse the log and report what would be imported")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	out := cmd.OutOrStdout()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer func() { _ = f.Close() }()

	messages, err := bot.ParseLegacyLog(f, nil)
	if err != nil {
		return err
	}

	if dryRun {
		_, _ = fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("%d messages parsed from %s", len(messages), args[0])))
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	interrupts := cli.NewInterruptHandler(out, "Imported messages are saved. Run the import again to continue.")
	ctx := interrupts.HandleInterrupts(cmd.Context())

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	extractor, err := newExtractor(cfg)
	if err != nil {
		return err
	}
	ingestor := bot.NewIngestor(store, extractor, reconcile.NewPolicy(), slog.Default().With("component", "import"))

	counts := make(map[string]int)
	bar := cli.NewProgressBar(out, len(messages), "Importing messages...")
	for _, m := range messages {
		if ctx.Err() != nil {
			break
		}
		receipt, err := ingestor.Ingest(ctx, m)
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", m.ID, err)
		}
		counts[receipt.Destination()]++
		if err := bar.Add(1); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}

	if interrupts.WasInterrupted() {
		return ctx.Err()
	}

	summary := fmt.Sprintf("  • Balance: %d\n  • Pending: %d\n  • Unknown: %d\n  • Already imported: %d",
		counts["balance"], counts["pending"], counts["unknown"], counts["duplicate"])
	_, _ = fmt.Fprintln(out, cli.RenderBox("Import Complete", summary))
	return nil
}
