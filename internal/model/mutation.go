package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MutationKind is the single effect a mutation has on the ledger.
type MutationKind string

// Mutation kinds.
const (
	MutationBalance      MutationKind = "balance"
	MutationAddPending   MutationKind = "add_pending"
	MutationClearPending MutationKind = "clear_pending"
	MutationQuarantine   MutationKind = "quarantine"
)

// Mutation is the change the reconciliation policy decided on for one
// message. It is applied to the store in a single atomic step.
type Mutation struct {
	Pending *PendingItem
	Unknown *UnknownItem
	// SourceMessageID is the idempotency key.
	SourceMessageID string
	// EntryKind is the event kind recorded in the journal for balance changes.
	EntryKind EventKind
	// ClearPendingID names the pending item a clear removes.
	ClearPendingID string
	// ResolvesUnknownID names a quarantined item this mutation replaces.
	ResolvesUnknownID string
	Kind              MutationKind
	Amount            decimal.Decimal
}

// Destination describes where the message ended up, for operator replies.
func (m Mutation) Destination() string {
	switch m.Kind {
	case MutationBalance, MutationClearPending:
		return "balance"
	case MutationAddPending:
		return "pending"
	case MutationQuarantine:
		return "unknown"
	}
	return string(m.Kind)
}

// Validate checks that the mutation carries what its kind needs.
func (m Mutation) Validate() error {
	if m.SourceMessageID == "" {
		return fmt.Errorf("mutation has no source message id")
	}
	switch m.Kind {
	case MutationBalance:
		if m.EntryKind != KindDeposit && m.EntryKind != KindWithdrawal && m.EntryKind != KindAdjustment {
			return fmt.Errorf("balance mutation with entry kind %q", m.EntryKind)
		}
	case MutationAddPending:
		if m.Pending == nil {
			return fmt.Errorf("add_pending mutation without item")
		}
	case MutationClearPending:
		if m.ClearPendingID == "" {
			return fmt.Errorf("clear_pending mutation without target")
		}
	case MutationQuarantine:
		if m.Unknown == nil {
			return fmt.Errorf("quarantine mutation without item")
		}
		if m.ResolvesUnknownID != "" {
			return fmt.Errorf("a resolution cannot quarantine again")
		}
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}
