package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// ApplyResult reports what an apply did.
type ApplyResult struct {
	Mutation model.Mutation
	Balance  decimal.Decimal
	// Applied is false when the source message had already been processed.
	Applied bool
}

// ClearResult counts the items a clear removed.
type ClearResult struct {
	Pending int
	Unknown int
}

// Decider computes the mutation for one message from the current ledger.
type Decider func(ledger *model.Ledger) (model.Mutation, error)

// JournalEntry is one recorded balance change.
type JournalEntry struct {
	AppliedAt       time.Time
	SourceMessageID string
	PendingID       string
	Kind            model.EventKind
	Amount          decimal.Decimal
	BalanceAfter    decimal.Decimal
}

// IsProcessed reports whether a message has already been applied.
func (s *SQLiteStorage) IsProcessed(ctx context.Context, sourceMessageID string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	processed, err := isProcessedTx(ctx, s.db, sourceMessageID)
	if err != nil {
		return false, persistErr("check processed", err)
	}
	return processed, nil
}

// Apply applies a precomputed mutation. Re-applying a mutation whose source
// message was already processed is a no-op.
func (s *SQLiteStorage) Apply(ctx context.Context, m model.Mutation) (ApplyResult, error) {
	if err := validateMutation(m); err != nil {
		return ApplyResult{}, err
	}
	return s.ApplyWith(ctx, m.SourceMessageID, func(*model.Ledger) (model.Mutation, error) {
		return m, nil
	})
}

// ApplyWith decides and applies the mutation for sourceMessageID in one
// atomic step, so the ledger the decider sees is the ledger it changes.
func (s *SQLiteStorage) ApplyWith(ctx context.Context, sourceMessageID string, decide Decider) (ApplyResult, error) {
	if err := validateContext(ctx); err != nil {
		return ApplyResult{}, err
	}
	if err := validateString(sourceMessageID, "sourceMessageID"); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, persistErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	processed, err := isProcessedTx(ctx, tx, sourceMessageID)
	if err != nil {
		return ApplyResult{}, persistErr("check processed", err)
	}
	if processed {
		balance, _, err := readState(ctx, tx)
		if err != nil {
			return ApplyResult{}, persistErr("read balance", err)
		}
		s.logger.Debug("message already processed", "source_message_id", sourceMessageID)
		return ApplyResult{Applied: false, Balance: balance}, nil
	}

	ledger, err := s.loadLedger(ctx, tx)
	if err != nil {
		return ApplyResult{}, persistErr("load ledger", err)
	}

	m, err := decide(&ledger)
	if err != nil {
		return ApplyResult{}, err
	}
	if m.SourceMessageID != sourceMessageID {
		return ApplyResult{}, fmt.Errorf("%w: %q != %q", ErrSourceMismatch, m.SourceMessageID, sourceMessageID)
	}
	if err := validateMutation(m); err != nil {
		return ApplyResult{}, err
	}

	balance, err := s.applyTx(ctx, tx, m)
	if err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, persistErr("commit", err)
	}

	s.logger.Info("ledger mutation applied",
		"source_message_id", m.SourceMessageID,
		"kind", m.Kind,
		"destination", m.Destination(),
		"amount", m.Amount.String(),
		"balance", balance.String())

	return ApplyResult{Applied: true, Mutation: m, Balance: balance}, nil
}

func (s *SQLiteStorage) applyTx(ctx context.Context, tx *sql.Tx, m model.Mutation) (decimal.Decimal, error) {
	if m.ResolvesUnknownID != "" {
		res, err := tx.ExecContext(ctx, `DELETE FROM unknown_items WHERE id = ?`, m.ResolvesUnknownID)
		if err != nil {
			return decimal.Zero, persistErr("remove resolved unknown item", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return decimal.Zero, fmt.Errorf("%w: unknown item %s", ErrStaleMutation, m.ResolvesUnknownID)
		}
	}

	balance, adjustments, err := readState(ctx, tx)
	if err != nil {
		return decimal.Zero, persistErr("read balance", err)
	}

	switch m.Kind {
	case model.MutationBalance:
		balance = balance.Add(m.Amount)
		if m.EntryKind == model.KindAdjustment {
			adjustments = adjustments.Add(m.Amount)
		}
		if err := writeState(ctx, tx, balance, adjustments); err != nil {
			return decimal.Zero, err
		}
		if err := writeJournal(ctx, tx, m.SourceMessageID, m.EntryKind, m.Amount, "", balance); err != nil {
			return decimal.Zero, err
		}

	case model.MutationAddPending:
		p := m.Pending
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_items (id, source_message_id, reference, reference_key, note, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, m.SourceMessageID, p.Reference, model.NormalizeReference(p.Reference), p.Note, p.Amount.String(), p.CreatedAt.UTC())
		if err != nil {
			return decimal.Zero, persistErr("insert pending item", err)
		}

	case model.MutationClearPending:
		var stored decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT amount FROM pending_items WHERE id = ?`, m.ClearPendingID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: pending item %s", ErrStaleMutation, m.ClearPendingID)
		}
		if err != nil {
			return decimal.Zero, persistErr("read pending item", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_items WHERE id = ?`, m.ClearPendingID); err != nil {
			return decimal.Zero, persistErr("remove pending item", err)
		}
		balance = balance.Add(stored)
		if err := writeState(ctx, tx, balance, adjustments); err != nil {
			return decimal.Zero, err
		}
		if err := writeJournal(ctx, tx, m.SourceMessageID, model.KindPendingClear, stored, m.ClearPendingID, balance); err != nil {
			return decimal.Zero, err
		}

	case model.MutationQuarantine:
		u := m.Unknown
		var partial sql.NullString
		if u.Partial != nil {
			data, err := json.Marshal(u.Partial)
			if err != nil {
				return decimal.Zero, fmt.Errorf("failed to encode partial extraction: %w", err)
			}
			partial = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO unknown_items (id, source_message_id, text, file_name, sender, reason, detail, partial, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, u.ID, m.SourceMessageID, u.Text, u.FileName, u.Sender, string(u.Reason), u.Detail, partial, u.ReceivedAt.UTC())
		if err != nil {
			return decimal.Zero, persistErr("insert unknown item", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_messages (source_message_id, destination) VALUES (?, ?)
	`, m.SourceMessageID, m.Destination())
	if err != nil {
		return decimal.Zero, persistErr("mark processed", err)
	}

	return balance, nil
}

// Snapshot returns a consistent point-in-time copy of the ledger.
func (s *SQLiteStorage) Snapshot(ctx context.Context) (model.Ledger, error) {
	if err := validateContext(ctx); err != nil {
		return model.Ledger{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Ledger{}, persistErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ledger, err := s.loadLedger(ctx, tx)
	if err != nil {
		return model.Ledger{}, persistErr("load ledger", err)
	}
	return ledger, nil
}

// Clear removes the named collections. The balance is never touched, and
// processed message IDs are kept so redelivered messages stay no-ops.
func (s *SQLiteStorage) Clear(ctx context.Context, target model.ClearTarget) (ClearResult, error) {
	if err := validateContext(ctx); err != nil {
		return ClearResult{}, err
	}
	if err := validateClearTarget(target); err != nil {
		return ClearResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClearResult{}, persistErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result ClearResult
	if target == model.ClearPending || target == model.ClearAll {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_items`)
		if err != nil {
			return ClearResult{}, persistErr("clear pending items", err)
		}
		n, _ := res.RowsAffected()
		result.Pending = int(n)
	}
	if target == model.ClearUnknown || target == model.ClearAll {
		res, err := tx.ExecContext(ctx, `DELETE FROM unknown_items`)
		if err != nil {
			return ClearResult{}, persistErr("clear unknown items", err)
		}
		n, _ := res.RowsAffected()
		result.Unknown = int(n)
	}

	if err := tx.Commit(); err != nil {
		return ClearResult{}, persistErr("commit", err)
	}

	s.logger.Info("ledger collections cleared",
		"target", target,
		"pending_removed", result.Pending,
		"unknown_removed", result.Unknown)

	return result, nil
}

// Journal returns balance changes in application order, newest last.
// A positive limit keeps only the most recent entries.
func (s *SQLiteStorage) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT source_message_id, kind, amount, pending_id, balance_after, applied_at FROM journal ORDER BY id`
	args := []any{}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, source_message_id, kind, amount, pending_id, balance_after, applied_at FROM journal ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query journal", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e    JournalEntry
			kind string
			id   int64
		)
		dest := []any{&e.SourceMessageID, &kind, &e.Amount, &e.PendingID, &e.BalanceAfter, &e.AppliedAt}
		if limit > 0 {
			dest = append([]any{&id}, dest...)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, persistErr("scan journal", err)
		}
		e.Kind = model.EventKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate journal", err)
	}
	return entries, nil
}

func (s *SQLiteStorage) loadLedger(ctx context.Context, q queryer) (model.Ledger, error) {
	balance, adjustments, err := readState(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}

	pending, err := loadPending(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}

	unknown, err := loadUnknown(ctx, q)
	if err != nil {
		return model.Ledger{}, err
	}

	return model.Ledger{
		Balance:     balance,
		Adjustments: adjustments,
		Pending:     pending,
		Unknown:     unknown,
	}, nil
}

func loadPending(ctx context.Context, q queryer) ([]model.PendingItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, source_message_id, reference, note, amount, created_at
		FROM pending_items ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.PendingItem
	for rows.Next() {
		var p model.PendingItem
		if err := rows.Scan(&p.Seq, &p.ID, &p.SourceMessageID, &p.Reference, &p.Note, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending items: %w", err)
	}
	return items, nil
}

func loadUnknown(ctx context.Context, q queryer) ([]model.UnknownItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_message_id, text, file_name, sender, reason, detail, partial, received_at
		FROM unknown_items ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unknown items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.UnknownItem
	for rows.Next() {
		var (
			u       model.UnknownItem
			reason  string
			partial sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.SourceMessageID, &u.Text, &u.FileName, &u.Sender, &reason, &u.Detail, &partial, &u.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unknown item: %w", err)
		}
		u.Reason = model.UnknownReason(reason)
		if partial.Valid {
			var event model.FinancialEvent
			if err := json.Unmarshal([]byte(partial.String), &event); err != nil {
				return nil, fmt.Errorf("failed to decode partial extraction for %s: %w", u.ID, err)
			}
			u.Partial = &event
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unknown items: %w", err)
	}
	return items, nil
}

func isProcessedTx(ctx context.Context, q queryer, sourceMessageID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_messages WHERE source_message_id = ?)
	`, sourceMessageID).Scan(&exists)
	return exists, err
}

func readState(ctx context.Context, q queryer) (decimal.Decimal, decimal.Decimal, error) {
	var balance, adjustments decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT balance, adjustments FROM ledger_state WHERE id = 1`).Scan(&balance, &adjustments)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to read ledger state: %w", err)
	}
	return balance, adjustments, nil
}

func writeState(ctx context.Context, tx *sql.Tx, balance, adjustments decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_state SET balance = ?, adjustments = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1
	`, balance.String(), adjustments.String())
	if err != nil {
		return persistErr("write balance", err)
	}
	return nil
}

func writeJournal(ctx context.Context, tx *sql.Tx, source string, kind model.EventKind, amount decimal.Decimal, pendingID string, balanceAfter decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journal (source_message_id, kind, amount, pending_id, balance_after)
		VALUES (?, ?, ?, ?, ?)
	`, source, string(kind), amount.String(), pendingID, balanceAfter.String())
	if err != nil {
		return persistErr("write journal", err)
	}
	return nil
}

// UnknownByID returns the quarantined item whose ID is id or starts with it.
// A prefix matching more than one item is rejected.
func (s *SQLiteStorage) UnknownByID(ctx context.Context, id string) (model.UnknownItem, error) {
	if err := validateContext(ctx); err != nil {
		return model.UnknownItem{}, err
	}
	if err := validateString(id, "id"); err != nil {
		return model.UnknownItem{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := loadUnknown(ctx, s.db)
	if err != nil {
		return model.UnknownItem{}, persistErr("load unknown items", err)
	}

	var matches []model.UnknownItem
	for _, u := range items {
		if u.ID == id {
			return u, nil
		}
		if strings.HasPrefix(u.ID, id) {
			matches = append(matches, u)
		}
	}
	switch len(matches) {
	case 0:
		return model.UnknownItem{}, fmt.Errorf("unknown item %s: %w", id, common.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return model.UnknownItem{}, fmt.Errorf("%w: %d unknown items start with %s", ErrAmbiguousID, len(matches), id)
}
