package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReference(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A", "A"},
		{" ref:a ", "A"},
		{"Ref: inv-42", "INV-42"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeReference(tt.in))
		})
	}
}

func TestFinancialEvent_Signed(t *testing.T) {
	amt := decimal.RequireFromString("-12.50")

	assert.True(t, FinancialEvent{Kind: KindDeposit, Amount: amt}.Signed().Equal(decimal.RequireFromString("12.50")))
	assert.True(t, FinancialEvent{Kind: KindWithdrawal, Amount: amt.Abs()}.Signed().Equal(amt))
	assert.True(t, FinancialEvent{Kind: KindAdjustment, Amount: amt}.Signed().Equal(amt))
}

func TestLedger_FindPending(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := Ledger{Pending: []PendingItem{
		{ID: "1", Seq: 1, Reference: "A", Amount: decimal.NewFromInt(100), CreatedAt: created},
		{ID: "2", Seq: 2, Reference: "b", Amount: decimal.NewFromInt(50), CreatedAt: created},
		{ID: "3", Seq: 3, Reference: "B", Amount: decimal.NewFromInt(25), CreatedAt: created},
		{ID: "4", Seq: 4, Amount: decimal.NewFromInt(25), CreatedAt: created},
	}}

	assert.Len(t, l.FindPending("a"), 1)
	assert.Len(t, l.FindPending("ref:B"), 2)
	assert.Empty(t, l.FindPending("C"))
	assert.Empty(t, l.FindPending(""))

	unref := l.FindUnreferencedPending(decimal.RequireFromString("25.00"))
	require.Len(t, unref, 1)
	assert.Equal(t, "4", unref[0].ID)
	assert.Equal(t, "#4 25@2026-01-02T03:04:05Z", unref[0].Key())

	assert.True(t, l.PendingTotal().Equal(decimal.NewFromInt(200)))
}

func TestLedger_CloneIsIndependent(t *testing.T) {
	l := Ledger{
		Pending: []PendingItem{{ID: "p1"}},
		Unknown: []UnknownItem{{ID: "u1", Partial: &FinancialEvent{Kind: KindDeposit}}},
	}
	c := l.Clone()
	c.Pending[0].ID = "changed"
	c.Unknown[0].Partial.Kind = KindWithdrawal

	assert.Equal(t, "p1", l.Pending[0].ID)
	assert.Equal(t, KindDeposit, l.Unknown[0].Partial.Kind)
}

func TestParseClearTarget(t *testing.T) {
	for in, want := range map[string]ClearTarget{"": ClearAll, "ALL": ClearAll, "pending": ClearPending, " unknown ": ClearUnknown} {
		got, err := ParseClearTarget(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseClearTarget("balance")
	require.Error(t, err)
}

func TestMutation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{"balance deposit", Mutation{Kind: MutationBalance, SourceMessageID: "m", EntryKind: KindDeposit}, false},
		{"balance with pending kind", Mutation{Kind: MutationBalance, SourceMessageID: "m", EntryKind: KindPendingCreate}, true},
		{"missing source", Mutation{Kind: MutationBalance, EntryKind: KindDeposit}, true},
		{"add pending without item", Mutation{Kind: MutationAddPending, SourceMessageID: "m"}, true},
		{"clear without target", Mutation{Kind: MutationClearPending, SourceMessageID: "m"}, true},
		{"quarantine", Mutation{Kind: MutationQuarantine, SourceMessageID: "m", Unknown: &UnknownItem{}}, false},
		{"resolution quarantines", Mutation{Kind: MutationQuarantine, SourceMessageID: "m", Unknown: &UnknownItem{}, ResolvesUnknownID: "u"}, true},
		{"unknown kind", Mutation{Kind: "bogus", SourceMessageID: "m"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
