package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balanceMutation(source string, kind model.EventKind, amount string) model.Mutation {
	return model.Mutation{Kind: model.MutationBalance, SourceMessageID: source, EntryKind: kind, Amount: dec(amount)}
}

func pendingMutation(source, id, ref, amount string) model.Mutation {
	return model.Mutation{
		Kind:            model.MutationAddPending,
		SourceMessageID: source,
		Amount:          dec(amount),
		Pending: &model.PendingItem{
			ID:        id,
			Reference: ref,
			Amount:    dec(amount),
			CreatedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		},
	}
}

func unknownMutation(source, id string) model.Mutation {
	return model.Mutation{
		Kind:            model.MutationQuarantine,
		SourceMessageID: source,
		Unknown: &model.UnknownItem{
			ID:         id,
			Text:       "raw " + source,
			FileName:   "scan.pdf",
			Reason:     model.ReasonAmbiguous,
			Partial:    &model.FinancialEvent{Kind: model.KindDeposit, Amount: dec("5"), Confidence: model.ConfidenceAmbiguous},
			ReceivedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))
	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, ledger.Balance.IsZero())
	assert.Empty(t, ledger.Pending)
	assert.Empty(t, ledger.Unknown)
}

func TestApply_BalanceIsSumOfSignedAmounts(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	mutations := []model.Mutation{
		balanceMutation("m1", model.KindDeposit, "500"),
		pendingMutation("m2", "p1", "X", "70"),
		balanceMutation("m3", model.KindWithdrawal, "-120.10"),
		unknownMutation("m4", "u1"),
		balanceMutation("m5", model.KindAdjustment, "0.10"),
		balanceMutation("m6", model.KindDeposit, "0.1"),
		balanceMutation("m7", model.KindDeposit, "0.2"),
	}
	for _, m := range mutations {
		_, err := store.Apply(ctx, m)
		require.NoError(t, err)
	}

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "380.3", ledger.Balance.String())
	assert.Equal(t, "0.1", ledger.Adjustments.String())
	assert.Len(t, ledger.Pending, 1)
	assert.Len(t, ledger.Unknown, 1)

	journal, err := store.Journal(ctx, 0)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, e := range journal {
		sum = sum.Add(e.Amount)
	}
	assert.True(t, sum.Equal(ledger.Balance))
	assert.True(t, journal[len(journal)-1].BalanceAfter.Equal(ledger.Balance))

	recent, err := store.Journal(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m6", recent[0].SourceMessageID)
	assert.Equal(t, "m7", recent[1].SourceMessageID)
}

func TestApply_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	m := balanceMutation("dup", model.KindDeposit, "42")
	first, err := store.Apply(ctx, m)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	once, err := store.Snapshot(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := store.Apply(ctx, m)
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}

	again, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, again)

	processed, err := store.IsProcessed(ctx, "dup")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestApply_ClearPendingCreditsStoredAmount(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.Apply(ctx, balanceMutation("m1", model.KindDeposit, "500"))
	require.NoError(t, err)
	_, err = store.Apply(ctx, pendingMutation("m2", "p1", "A", "100"))
	require.NoError(t, err)

	res, err := store.Apply(ctx, model.Mutation{
		Kind:            model.MutationClearPending,
		SourceMessageID: "m3",
		EntryKind:       model.KindPendingClear,
		ClearPendingID:  "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "600", res.Balance.String())

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "600", ledger.Balance.String())
	assert.Empty(t, ledger.Pending)
}

func TestApply_StaleClearLeavesNoTrace(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.Apply(ctx, model.Mutation{
		Kind:            model.MutationClearPending,
		SourceMessageID: "m1",
		ClearPendingID:  "missing",
	})
	require.ErrorIs(t, err, ErrStaleMutation)

	processed, err := store.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestApply_RejectsInvalidMutation(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.Apply(context.Background(), model.Mutation{Kind: model.MutationAddPending, SourceMessageID: "m1"})
	require.ErrorIs(t, err, ErrInvalidMutation)
}

func TestApplyWith_SourceMismatch(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.ApplyWith(context.Background(), "m1", func(*model.Ledger) (model.Mutation, error) {
		return balanceMutation("m2", model.KindDeposit, "1"), nil
	})
	require.ErrorIs(t, err, ErrSourceMismatch)
}

func TestClear_UnknownLeavesBalanceAndPending(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	for _, m := range []model.Mutation{
		balanceMutation("m1", model.KindDeposit, "10"),
		pendingMutation("m2", "p1", "A", "3"),
		unknownMutation("m3", "u1"),
		unknownMutation("m4", "u2"),
	} {
		_, err := store.Apply(ctx, m)
		require.NoError(t, err)
	}

	before, err := store.Snapshot(ctx)
	require.NoError(t, err)

	res, err := store.Clear(ctx, model.ClearUnknown)
	require.NoError(t, err)
	assert.Equal(t, ClearResult{Unknown: 2}, res)

	after, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Unknown)
	assert.Equal(t, before.Balance.String(), after.Balance.String())
	assert.Equal(t, before.Pending, after.Pending)

	// Cleared messages stay processed.
	res2, err := store.Apply(ctx, unknownMutation("m3", "u1"))
	require.NoError(t, err)
	assert.False(t, res2.Applied)
}

func TestClear_AllAndPending(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	for _, m := range []model.Mutation{
		balanceMutation("m1", model.KindDeposit, "10"),
		pendingMutation("m2", "p1", "A", "3"),
		unknownMutation("m3", "u1"),
	} {
		_, err := store.Apply(ctx, m)
		require.NoError(t, err)
	}

	res, err := store.Clear(ctx, model.ClearPending)
	require.NoError(t, err)
	assert.Equal(t, ClearResult{Pending: 1}, res)

	res, err = store.Clear(ctx, model.ClearAll)
	require.NoError(t, err)
	assert.Equal(t, ClearResult{Unknown: 1}, res)

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", ledger.Balance.String())

	_, err = store.Clear(ctx, "balance")
	require.ErrorIs(t, err, ErrInvalidClearTarget)
}

func TestSnapshot_RoundTripsItems(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.Apply(ctx, pendingMutation("m1", "p1", "inv-7", "12.345"))
	require.NoError(t, err)
	_, err = store.Apply(ctx, unknownMutation("m2", "u1"))
	require.NoError(t, err)

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, ledger.Pending, 1)
	p := ledger.Pending[0]
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "m1", p.SourceMessageID)
	assert.Equal(t, "inv-7", p.Reference)
	assert.Equal(t, "12.345", p.Amount.String())
	assert.True(t, p.CreatedAt.Equal(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))
	assert.Positive(t, p.Seq)

	require.Len(t, ledger.Unknown, 1)
	u := ledger.Unknown[0]
	assert.Equal(t, "raw m2", u.Text)
	assert.Equal(t, "scan.pdf", u.FileName)
	assert.Equal(t, model.ReasonAmbiguous, u.Reason)
	require.NotNil(t, u.Partial)
	assert.Equal(t, "5", u.Partial.Amount.String())
}

func TestStorage_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	_, err = store.Apply(ctx, balanceMutation("m1", model.KindDeposit, "99.99"))
	require.NoError(t, err)
	_, err = store.Apply(ctx, pendingMutation("m2", "p1", "R", "1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	require.NoError(t, reopened.Migrate(ctx))

	ledger, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "99.99", ledger.Balance.String())
	assert.Len(t, ledger.Pending, 1)

	res, err := reopened.Apply(ctx, balanceMutation("m1", model.KindDeposit, "99.99"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestApply_ConcurrentWritersAndReaders(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)

	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			// Each writer creates a pending item and clears it in one go;
			// a torn read would show the item gone without the credit.
			source := fmt.Sprintf("m%d", i)
			if _, err := store.Apply(ctx, pendingMutation(source+"-create", "p"+source, "R"+source, "1")); err != nil {
				errs <- err
				return
			}
			_, err := store.Apply(ctx, model.Mutation{
				Kind:            model.MutationClearPending,
				SourceMessageID: source + "-clear",
				ClearPendingID:  "p" + source,
			})
			if err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			ledger, err := store.Snapshot(ctx)
			if err != nil {
				errs <- err
				return
			}
			// Every item is worth 1: pending + credited never exceeds the writers.
			total := ledger.Balance.Add(ledger.PendingTotal())
			if total.GreaterThan(decimal.NewFromInt(writers)) || ledger.Balance.IsNegative() {
				errs <- fmt.Errorf("inconsistent snapshot: balance %s pending %s", ledger.Balance, ledger.PendingTotal())
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(writers), ledger.Balance.String())
	assert.Empty(t, ledger.Pending)
}

func TestApplyWith_ReconcilePolicy(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	policy := reconcile.NewPolicy()

	apply := func(id string, kind model.EventKind, amount, ref string) ApplyResult {
		t.Helper()
		e := model.FinancialEvent{Kind: kind, Reference: ref, Confidence: model.ConfidenceConfident}
		if amount != "" {
			e.Amount = dec(amount)
			e.HasAmount = true
		}
		raw := model.RawMessage{ID: id, Text: id, ReceivedAt: time.Now()}
		res, err := store.ApplyWith(ctx, id, func(l *model.Ledger) (model.Mutation, error) {
			return policy.Reconcile(raw, llm.Succeeded(e), l), nil
		})
		require.NoError(t, err)
		return res
	}

	// Two pending items share reference B, so the clear is ambiguous.
	apply("b1", model.KindPendingCreate, "10", "B")
	apply("b2", model.KindPendingCreate, "20", "B")
	res := apply("b3", model.KindPendingClear, "", "B")
	assert.Equal(t, model.MutationQuarantine, res.Mutation.Kind)

	ledger, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, ledger.Balance.IsZero())
	assert.Len(t, ledger.Pending, 2)
	require.Len(t, ledger.Unknown, 1)
	assert.Equal(t, model.ReasonAmbiguousClear, ledger.Unknown[0].Reason)

	// The operator resolves the quarantined clear as an adjustment.
	unknown := ledger.Unknown[0]
	resolved, err := store.ApplyWith(ctx, reconcile.ResolutionSourceID(unknown.ID), func(l *model.Ledger) (model.Mutation, error) {
		u, ok := l.FindUnknown(unknown.ID)
		if !ok {
			return model.Mutation{}, common.ErrNotFound
		}
		return policy.Resolve(u, model.FinancialEvent{Kind: model.KindAdjustment, Amount: dec("-2"), HasAmount: true}, l)
	})
	require.NoError(t, err)
	assert.True(t, resolved.Applied)

	ledger, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, ledger.Unknown)
	assert.Equal(t, "-2", ledger.Balance.String())
	assert.Equal(t, "-2", ledger.Adjustments.String())
}

func TestUnknownByID_Prefix(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	for _, m := range []model.Mutation{
		unknownMutation("m1", "abc123"),
		unknownMutation("m2", "abd456"),
	} {
		_, err := store.Apply(ctx, m)
		require.NoError(t, err)
	}

	u, err := store.UnknownByID(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "m1", u.SourceMessageID)

	u, err = store.UnknownByID(ctx, "abd456")
	require.NoError(t, err)
	assert.Equal(t, "m2", u.SourceMessageID)

	_, err = store.UnknownByID(ctx, "ab")
	require.ErrorIs(t, err, ErrAmbiguousID)

	_, err = store.UnknownByID(ctx, "zzz")
	require.ErrorIs(t, err, common.ErrNotFound)
}
