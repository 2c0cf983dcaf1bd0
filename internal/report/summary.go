package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/shopspring/decimal"
)

const excerptLen = 120

// FormatAmount renders an amount with two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// BalanceLine is the reply to /balance.
func BalanceLine(ledger model.Ledger) string {
	return "💰 Balance: " + FormatAmount(ledger.Balance)
}

// Summarize renders the aggregate state. The same ledger always renders to
// the same text.
func Summarize(ledger model.Ledger) string {
	var b strings.Builder
	b.WriteString("📊 Summary\n")
	b.WriteString(BalanceLine(ledger))
	b.WriteString("\n")
	fmt.Fprintf(&b, "⏳ Pending: %s, total %s\n", plural(len(ledger.Pending), "item"), FormatAmount(ledger.PendingTotal()))
	fmt.Fprintf(&b, "❓ Unknown: %s", plural(len(ledger.Unknown), "message"))
	if !ledger.Adjustments.IsZero() {
		fmt.Fprintf(&b, "\n🔧 Adjustments: %s", FormatAmount(ledger.Adjustments))
	}
	return b.String()
}

// PendingList is the reply to /pending.
func PendingList(ledger model.Ledger) string {
	if len(ledger.Pending) == 0 {
		return "⏳ Nothing is pending."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏳ Pending (%s, total %s):", plural(len(ledger.Pending), "item"), FormatAmount(ledger.PendingTotal()))
	for i, p := range ledger.Pending {
		fmt.Fprintf(&b, "\n%d. %s · %s · %s", i+1, pendingLabel(p), FormatAmount(p.Amount), p.CreatedAt.UTC().Format("2006-01-02"))
		if p.Note != "" {
			b.WriteString(" · " + p.Note)
		}
	}
	return b.String()
}

// UnknownList is the reply to /unknown. IDs are shortened to the prefix
// /resolve accepts.
func UnknownList(ledger model.Ledger) string {
	if len(ledger.Unknown) == 0 {
		return "❓ Nothing needs attention."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "❓ Needs attention (%d):", len(ledger.Unknown))
	for _, u := range ledger.Unknown {
		fmt.Fprintf(&b, "\n\n[%s] %s", model.ShortID(u.ID), u.ReceivedAt.UTC().Format("2006-01-02 15:04"))
		if u.Sender != "" {
			b.WriteString(" from " + u.Sender)
		}
		if u.FileName != "" {
			b.WriteString(" · 📎 " + u.FileName)
		}
		b.WriteString(" · " + string(u.Reason))
		if u.Detail != "" {
			b.WriteString(": " + u.Detail)
		}
		if text := u.Excerpt(excerptLen); text != "" {
			fmt.Fprintf(&b, "\n%q", text)
		}
	}
	return b.String()
}

// ReportFileName names the workbook sent for day.
func ReportFileName(day time.Time) string {
	return "Agent_Report_" + day.Format("20060102") + ".xlsx"
}

func pendingLabel(p model.PendingItem) string {
	if ref := model.NormalizeReference(p.Reference); ref != "" {
		return ref
	}
	return "(no ref)"
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
