// Package bot connects the chat transport to the ledger: forwarded messages
// are ingested, operator commands are dispatched, and the daily report is
// scheduled.
package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/metrics"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/Veraticus/agent-ledger/internal/storage"
	"github.com/shopspring/decimal"
)

// LedgerStore is the part of the ledger store the bot uses.
type LedgerStore interface {
	IsProcessed(ctx context.Context, sourceMessageID string) (bool, error)
	ApplyWith(ctx context.Context, sourceMessageID string, decide storage.Decider) (storage.ApplyResult, error)
	Snapshot(ctx context.Context) (model.Ledger, error)
	Clear(ctx context.Context, target model.ClearTarget) (storage.ClearResult, error)
	UnknownByID(ctx context.Context, id string) (model.UnknownItem, error)
}

// EventExtractor classifies one message.
type EventExtractor interface {
	Extract(ctx context.Context, raw model.RawMessage) llm.Outcome
}

// Receipt says where an ingested message ended up.
type Receipt struct {
	Mutation model.Mutation
	Balance  decimal.Decimal
	// Duplicate is set when the message had already been processed.
	Duplicate bool
}

// Destination is balance, pending, unknown, or duplicate.
func (r Receipt) Destination() string {
	if r.Duplicate {
		return "duplicate"
	}
	return r.Mutation.Destination()
}

// Ingestor runs one message through extraction, reconciliation, and the store.
type Ingestor struct {
	store     LedgerStore
	extractor EventExtractor
	policy    *reconcile.Policy
	logger    *slog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(store LedgerStore, extractor EventExtractor, policy *reconcile.Policy, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = reconcile.NewPolicy()
	}
	return &Ingestor{store: store, extractor: extractor, policy: policy, logger: logger}
}

// Ingest processes raw exactly once. Already-processed messages skip the
// oracle. The oracle is called with no lock held; the policy then runs
// against the ledger inside the store's write step.
func (i *Ingestor) Ingest(ctx context.Context, raw model.RawMessage) (Receipt, error) {
	if raw.ID == "" {
		return Receipt{}, fmt.Errorf("message has no id")
	}

	processed, err := i.store.IsProcessed(ctx, raw.ID)
	if err != nil {
		return Receipt{}, err
	}
	if processed {
		i.logger.Debug("skipping processed message", "source_message_id", raw.ID)
		metrics.ObserveIngest("duplicate")
		return Receipt{Duplicate: true}, nil
	}

	var outcome llm.Outcome
	if raw.Content() == "" {
		// Nothing for the oracle to read; file it for the operator instead.
		outcome = llm.Failed(model.ReasonUnclassified, "message has no text")
		outcome.Attempts = 0
	} else {
		outcome = i.extractor.Extract(ctx, raw)
	}

	res, err := i.store.ApplyWith(ctx, raw.ID, func(ledger *model.Ledger) (model.Mutation, error) {
		return i.policy.Reconcile(raw, outcome, ledger), nil
	})
	if err != nil {
		return Receipt{}, err
	}
	if !res.Applied {
		// Redelivered while the oracle call was in flight.
		metrics.ObserveIngest("duplicate")
		return Receipt{Duplicate: true, Balance: res.Balance}, nil
	}

	receipt := Receipt{Mutation: res.Mutation, Balance: res.Balance}
	metrics.ObserveIngest(receipt.Destination())

	attrs := []any{
		"source_message_id", raw.ID,
		"destination", receipt.Destination(),
		"oracle_attempts", outcome.Attempts,
	}
	if u := res.Mutation.Unknown; u != nil {
		attrs = append(attrs, "reason", u.Reason, "detail", u.Detail)
	}
	i.logger.Info("message routed", attrs...)

	return receipt, nil
}
