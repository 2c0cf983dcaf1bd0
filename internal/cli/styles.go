// Package cli provides styled terminal output using lipgloss.
package cli

import (
	"fmt"
	"strings"

	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/Veraticus/agent-ledger/internal/report"
	"github.com/Veraticus/agent-ledger/internal/storage"
	"github.com/charmbracelet/lipgloss"
)

var (
	// PrimaryColor is the main theme color.
	PrimaryColor = lipgloss.Color("#4ECDC4") // Teal
	// SuccessColor indicates successful operations.
	SuccessColor = lipgloss.Color("#95E1D3") // Light teal
	// WarningColor indicates warnings or caution messages.
	WarningColor = lipgloss.Color("#FFE66D") // Yellow
	// ErrorColor indicates errors or failure messages.
	ErrorColor = lipgloss.Color("#FF6B6B") // Red
	// SubtleColor indicates less prominent UI elements.
	SubtleColor = lipgloss.Color("#666666") // Gray

	// TitleStyle is used for section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			MarginBottom(1)

	// SuccessStyle formats success messages.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(SuccessColor)

	// WarningStyle formats warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(WarningColor)

	// ErrorStyle formats error messages.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	// SubtleStyle formats less prominent text.
	SubtleStyle = lipgloss.NewStyle().
			Foreground(SubtleColor)

	// BoxStyle is used for bordered content boxes.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#333")).
			Padding(1, 2)

	amountStyle = lipgloss.NewStyle().
			Bold(true)
)

// Icons.
const (
	SuccessIcon = "✓"
	ErrorIcon   = "✗"
	WarningIcon = "⚠️"
	LedgerIcon  = "📒"
)

// FormatSuccess formats a success message with icon.
func FormatSuccess(message string) string {
	return SuccessStyle.Render(SuccessIcon + " " + message)
}

// FormatError formats an error message with icon.
func FormatError(message string) string {
	return ErrorStyle.Render(ErrorIcon + " " + message)
}

// FormatWarning formats a warning message with icon.
func FormatWarning(message string) string {
	return WarningStyle.Render(WarningIcon + " " + message)
}

// RenderBox renders content in a styled box.
func RenderBox(title, content string) string {
	boxTitle := TitleStyle.
		UnsetMargins().
		Render(title)

	boxContent := lipgloss.JoinVertical(
		lipgloss.Left,
		boxTitle,
		content,
	)

	return BoxStyle.Render(boxContent)
}

// RenderLedger renders a snapshot for the terminal.
func RenderLedger(ledger model.Ledger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Balance       %s\n", amountStyle.Render(report.FormatAmount(ledger.Balance)))
	fmt.Fprintf(&b, "Pending       %s in %d item(s)\n", report.FormatAmount(ledger.PendingTotal()), len(ledger.Pending))
	fmt.Fprintf(&b, "Unknown       %d message(s)", len(ledger.Unknown))
	if !ledger.Adjustments.IsZero() {
		fmt.Fprintf(&b, "\nAdjustments   %s", report.FormatAmount(ledger.Adjustments))
	}

	sections := []string{RenderBox(LedgerIcon+" Ledger", b.String())}
	if len(ledger.Pending) > 0 {
		sections = append(sections, report.PendingList(ledger))
	}
	if len(ledger.Unknown) > 0 {
		sections = append(sections, WarningStyle.Render(report.UnknownList(ledger)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// RenderJournal renders recent balance changes, oldest first.
func RenderJournal(entries []storage.JournalEntry) string {
	if len(entries) == 0 {
		return SubtleStyle.Render("No balance changes recorded yet.")
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		amount := report.FormatAmount(e.Amount)
		if e.Amount.IsPositive() {
			amount = "+" + amount
		}
		lines = append(lines, fmt.Sprintf("%s  %-14s %12s  → %s  %s",
			e.AppliedAt.Local().Format("2006-01-02 15:04"),
			e.Kind,
			amount,
			report.FormatAmount(e.BalanceAfter),
			SubtleStyle.Render(e.SourceMessageID)))
	}
	return RenderBox("Recent balance changes", strings.Join(lines, "\n"))
}
