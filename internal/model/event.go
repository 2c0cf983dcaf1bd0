package model

import (
	"github.com/shopspring/decimal"
)

// EventKind is the type of financial activity an agent message reports.
type EventKind string

// Event kinds understood by the reconciliation policy.
const (
	KindDeposit       EventKind = "deposit"
	KindWithdrawal    EventKind = "withdrawal"
	KindPendingCreate EventKind = "pending_create"
	KindPendingClear  EventKind = "pending_clear"
	KindAdjustment    EventKind = "adjustment"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindPendingCreate, KindPendingClear, KindAdjustment:
		return true
	}
	return false
}

// Confidence is the oracle's categorical verdict on an extraction.
type Confidence string

// Confidence levels.
const (
	ConfidenceConfident Confidence = "confident"
	ConfidenceAmbiguous Confidence = "ambiguous"
)

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool {
	return c == ConfidenceConfident || c == ConfidenceAmbiguous
}

// FinancialEvent is a structured event extracted from one RawMessage.
type FinancialEvent struct {
	Kind            EventKind       `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference,omitempty"`
	Note            string          `json:"note,omitempty"`
	Confidence      Confidence      `json:"confidence"`
	SourceMessageID string          `json:"source_message_id"`
	HasAmount       bool            `json:"has_amount"`
}

// Signed returns the amount with the sign the ledger applies.
// Deposits always credit and withdrawals always debit, whichever sign the
// oracle reported; adjustments and pending amounts keep their sign.
func (e FinancialEvent) Signed() decimal.Decimal {
	switch e.Kind {
	case KindDeposit:
		return e.Amount.Abs()
	case KindWithdrawal:
		return e.Amount.Abs().Neg()
	default:
		return e.Amount
	}
}
