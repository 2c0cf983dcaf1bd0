package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PendingItem is a reported payment still waiting for its clearing message.
type PendingItem struct {
	CreatedAt       time.Time       `json:"created_at"`
	ID              string          `json:"id"`
	SourceMessageID string          `json:"source_message_id"`
	Reference       string          `json:"reference,omitempty"`
	Note            string          `json:"note,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Seq             int64           `json:"seq"`
}

// Key identifies the item for matching and display. Items without a
// reference fall back to insertion order plus amount and timestamp.
func (p PendingItem) Key() string {
	if ref := NormalizeReference(p.Reference); ref != "" {
		return ref
	}
	return fmt.Sprintf("#%d %s@%s", p.Seq, p.Amount.String(), p.CreatedAt.UTC().Format(time.RFC3339))
}

// UnknownReason explains why a message was quarantined.
type UnknownReason string

// Quarantine reasons.
const (
	ReasonOracleUnavailable UnknownReason = "oracle_unavailable"
	ReasonMalformedOutput   UnknownReason = "malformed_output"
	ReasonUnclassified      UnknownReason = "unclassified"
	ReasonAmbiguous         UnknownReason = "ambiguous"
	ReasonAmbiguousClear    UnknownReason = "ambiguous_clear"
)

// UnknownItem is a message the policy could not place confidently.
type UnknownItem struct {
	ReceivedAt      time.Time       `json:"received_at"`
	Partial         *FinancialEvent `json:"partial,omitempty"`
	ID              string          `json:"id"`
	SourceMessageID string          `json:"source_message_id"`
	Text            string          `json:"text"`
	FileName        string          `json:"file_name,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Reason          UnknownReason   `json:"reason"`
	Detail          string          `json:"detail,omitempty"`
}

// Ledger is a point-in-time view of the aggregate state.
type Ledger struct {
	Balance decimal.Decimal
	// Adjustments is the share of Balance that came from corrections.
	Adjustments decimal.Decimal
	Pending     []PendingItem
	Unknown     []UnknownItem
}

// PendingTotal sums the amounts of all pending items.
func (l *Ledger) PendingTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.Pending {
		total = total.Add(p.Amount)
	}
	return total
}

// FindPending returns every pending item whose reference matches ref.
func (l *Ledger) FindPending(ref string) []PendingItem {
	ref = NormalizeReference(ref)
	if ref == "" {
		return nil
	}
	var matches []PendingItem
	for _, p := range l.Pending {
		if NormalizeReference(p.Reference) == ref {
			matches = append(matches, p)
		}
	}
	return matches
}

// FindUnreferencedPending returns reference-less pending items of exactly amount.
func (l *Ledger) FindUnreferencedPending(amount decimal.Decimal) []PendingItem {
	var matches []PendingItem
	for _, p := range l.Pending {
		if NormalizeReference(p.Reference) == "" && p.Amount.Equal(amount) {
			matches = append(matches, p)
		}
	}
	return matches
}

// FindUnknown returns the unknown item with the given ID.
func (l *Ledger) FindUnknown(id string) (UnknownItem, bool) {
	for _, u := range l.Unknown {
		if u.ID == id {
			return u, true
		}
	}
	return UnknownItem{}, false
}

// Clone returns a deep copy so readers never share slices with the store.
func (l *Ledger) Clone() Ledger {
	out := Ledger{
		Balance:     l.Balance,
		Adjustments: l.Adjustments,
		Pending:     append([]PendingItem(nil), l.Pending...),
		Unknown:     make([]UnknownItem, len(l.Unknown)),
	}
	for i, u := range l.Unknown {
		if u.Partial != nil {
			partial := *u.Partial
			u.Partial = &partial
		}
		out.Unknown[i] = u
	}
	return out
}

// NormalizeReference folds a free-text reference for matching.
func NormalizeReference(ref string) string {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	ref = strings.TrimPrefix(ref, "REF:")
	return strings.TrimSpace(ref)
}

// ClearTarget names the collection an operator clear resets.
type ClearTarget string

// Clear targets.
const (
	ClearPending ClearTarget = "pending"
	ClearUnknown ClearTarget = "unknown"
	ClearAll     ClearTarget = "all"
)

// ParseClearTarget parses operator input; empty input means all.
func ParseClearTarget(s string) (ClearTarget, error) {
	switch ClearTarget(strings.ToLower(strings.TrimSpace(s))) {
	case "", ClearAll:
		return ClearAll, nil
	case ClearPending:
		return ClearPending, nil
	case ClearUnknown:
		return ClearUnknown, nil
	}
	return "", fmt.Errorf("unknown clear target %q (use pending, unknown or all)", s)
}

// Excerpt returns the item's text flattened to one line and cut to maxLen runes.
func (u UnknownItem) Excerpt(maxLen int) string {
	return truncate(strings.Join(strings.Fields(u.Text), " "), maxLen)
}

// ShortID is the prefix operators type to refer to an item.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
