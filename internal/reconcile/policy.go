// Package reconcile decides how an extraction outcome changes the ledger.
//
// The policy is pure: it reads a ledger view and returns a mutation. The
// store runs it under its write lock so the view it sees is the state the
// mutation is applied to.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrStillAmbiguous is returned when a manual reclassification would be
// quarantined again.
var ErrStillAmbiguous = errors.New("reclassified event is still ambiguous")

// Policy implements the reconciliation decision table.
type Policy struct {
	newID func() string
}

// NewPolicy creates a policy that mints random item IDs.
func NewPolicy() *Policy {
	return &Policy{newID: func() string { return uuid.NewString() }}
}

// Reconcile maps an extraction outcome for raw onto a single mutation.
//
// Rules, in order: failures and ambiguous events are quarantined; deposits
// and withdrawals change the balance; pending_create appends a pending
// item; pending_clear clears exactly one matching pending item or is
// quarantined; adjustments change the balance tagged as corrections.
func (p *Policy) Reconcile(raw model.RawMessage, outcome llm.Outcome, ledger *model.Ledger) model.Mutation {
	if outcome.Failure != nil {
		return p.quarantine(raw, outcome.Failure.Reason, outcome.Failure.Detail, outcome.Failure.Partial)
	}
	if outcome.Event == nil {
		return p.quarantine(raw, model.ReasonMalformedOutput, "no event extracted", nil)
	}

	event := *outcome.Event
	event.SourceMessageID = raw.ID

	if event.Confidence != model.ConfidenceConfident {
		return p.quarantine(raw, model.ReasonAmbiguous, "oracle marked the extraction ambiguous", &event)
	}

	switch event.Kind {
	case model.KindDeposit, model.KindWithdrawal, model.KindAdjustment:
		return model.Mutation{
			Kind:            model.MutationBalance,
			SourceMessageID: raw.ID,
			EntryKind:       event.Kind,
			Amount:          event.Signed(),
		}

	case model.KindPendingCreate:
		return model.Mutation{
			Kind:            model.MutationAddPending,
			SourceMessageID: raw.ID,
			Amount:          event.Signed(),
			Pending: &model.PendingItem{
				ID:              p.newID(),
				SourceMessageID: raw.ID,
				Reference:       event.Reference,
				Note:            event.Note,
				Amount:          event.Signed(),
				CreatedAt:       receivedAt(raw),
			},
		}

	case model.KindPendingClear:
		matches := matchClear(event, ledger)
		if len(matches) != 1 {
			return p.quarantine(raw, model.ReasonAmbiguousClear, clearDetail(event, len(matches)), &event)
		}
		return model.Mutation{
			Kind:            model.MutationClearPending,
			SourceMessageID: raw.ID,
			EntryKind:       model.KindPendingClear,
			ClearPendingID:  matches[0].ID,
			Amount:          matches[0].Amount,
		}
	}

	return p.quarantine(raw, model.ReasonMalformedOutput, fmt.Sprintf("unhandled kind %q", event.Kind), &event)
}

// Resolve reconciles an operator-supplied event for a quarantined item.
// The returned mutation removes the unknown item in the same step.
func (p *Policy) Resolve(unknown model.UnknownItem, event model.FinancialEvent, ledger *model.Ledger) (model.Mutation, error) {
	raw := model.RawMessage{
		ID:         ResolutionSourceID(unknown.ID),
		Text:       unknown.Text,
		FileName:   unknown.FileName,
		Sender:     unknown.Sender,
		ReceivedAt: unknown.ReceivedAt,
	}
	event.Confidence = model.ConfidenceConfident

	m := p.Reconcile(raw, llm.Succeeded(event), ledger)
	if m.Kind == model.MutationQuarantine {
		return model.Mutation{}, fmt.Errorf("%w: %s", ErrStillAmbiguous, m.Unknown.Detail)
	}
	m.ResolvesUnknownID = unknown.ID
	return m, nil
}

// ResolutionSourceID is the idempotency key of a manual reclassification.
func ResolutionSourceID(unknownID string) string {
	return "resolve:" + unknownID
}

// matchClear finds the pending items a clear could refer to. With a
// reference only reference matches count. Without one, reference-less
// items of the same amount are candidates; nothing else is guessed.
func matchClear(event model.FinancialEvent, ledger *model.Ledger) []model.PendingItem {
	if ledger == nil {
		return nil
	}
	if model.NormalizeReference(event.Reference) != "" {
		return ledger.FindPending(event.Reference)
	}
	if !event.HasAmount || event.Amount.IsZero() {
		return nil
	}
	return ledger.FindUnreferencedPending(event.Amount)
}

func clearDetail(event model.FinancialEvent, matches int) string {
	target := "reference " + model.NormalizeReference(event.Reference)
	if model.NormalizeReference(event.Reference) == "" {
		if event.HasAmount {
			target = "amount " + event.Amount.String() + " without reference"
		} else {
			target = "no reference or amount"
		}
	}
	if matches == 0 {
		return "no pending item matches " + target
	}
	return fmt.Sprintf("%d pending items match %s", matches, target)
}

func (p *Policy) quarantine(raw model.RawMessage, reason model.UnknownReason, detail string, partial *model.FinancialEvent) model.Mutation {
	if partial != nil {
		copied := *partial
		copied.SourceMessageID = raw.ID
		partial = &copied
	}
	return model.Mutation{
		Kind:            model.MutationQuarantine,
		SourceMessageID: raw.ID,
		Amount:          decimal.Zero,
		Unknown: &model.UnknownItem{
			ID:              p.newID(),
			SourceMessageID: raw.ID,
			Text:            raw.Text,
			FileName:        raw.FileName,
			Sender:          raw.Sender,
			Reason:          reason,
			Detail:          detail,
			Partial:         partial,
			ReceivedAt:      receivedAt(raw),
		},
	}
}

func receivedAt(raw model.RawMessage) time.Time {
	if raw.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return raw.ReceivedAt
}
