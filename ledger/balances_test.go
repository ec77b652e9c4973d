package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psoares/rachaconta/split"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func groupScope(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}

// balanceTable flattens stored balances into "from->to" keyed amounts for
// easy comparison.
func balanceTable(t *testing.T, balances []PairBalance) map[string]string {
	t.Helper()
	table := make(map[string]string, len(balances))
	for _, b := range balances {
		table[b.FromUser.String()+"->"+b.ToUser.String()] = b.Amount.StringFixed(2)
	}
	return table
}

func seedBalance(t *testing.T, s Store, from, to uuid.UUID, amount string, groupID uuid.NullUUID) {
	t.Helper()
	require.NoError(t, s.InsertPairBalance(context.Background(), PairBalance{
		ID:        uuid.New(),
		FromUser:  from,
		ToUser:    to,
		GroupID:   groupID,
		Amount:    dec(amount),
		Currency:  "BRL",
		UpdatedAt: time.Now().UTC(),
	}))
}

func TestApplyDeltaCreatesBalances(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ledger := NewLedger()

	payer, alice, bob := uuid.New(), uuid.New(), uuid.New()
	group := uuid.New()

	shares := []split.Share{
		{UserID: payer, Amount: dec("50.00")},
		{UserID: alice, Amount: dec("30.00")},
		{UserID: bob, Amount: dec("20.00")},
	}
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, shares, "BRL", groupScope(group)))

	balances, err := mem.BalancesByGroup(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		alice.String() + "->" + payer.String(): "30.00",
		bob.String() + "->" + payer.String():   "20.00",
	}, balanceTable(t, balances), "payer's own share must not create a row")
}

func TestApplyDeltaSkipsZeroShares(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ledger := NewLedger()

	payer, alice := uuid.New(), uuid.New()
	group := uuid.New()

	shares := []split.Share{
		{UserID: payer, Amount: dec("8.00")},
		{UserID: alice, Amount: dec("0.00")},
	}
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, shares, "BRL", groupScope(group)))

	balances, err := mem.BalancesByGroup(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestApplyDeltaAccumulatesSameDirection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ledger := NewLedger()

	payer, alice := uuid.New(), uuid.New()
	scope := groupScope(uuid.New())

	first := []split.Share{{UserID: alice, Amount: dec("12.50")}}
	second := []split.Share{{UserID: alice, Amount: dec("7.50")}}
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, first, "BRL", scope))
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, second, "BRL", scope))

	balance, err := mem.PairBalance(ctx, alice, payer, scope, "BRL")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, "20.00", balance.Amount.StringFixed(2), "same-direction debts accumulate into one row")
}

// Netting against an existing reverse balance: the new debt shrinks it, flips
// it, or cancels it exactly.
func TestApplyDeltaNetsReverseBalance(t *testing.T) {
	tests := []struct {
		name     string
		newDebt  string
		wantFrom string // "alice" or "bob", empty when the row disappears
		wantAmt  string
	}{
		{name: "partial offset keeps direction", newDebt: "25.00", wantFrom: "alice", wantAmt: "15.00"},
		{name: "exact offset removes row", newDebt: "40.00"},
		{name: "larger debt flips direction", newDebt: "50.00", wantFrom: "bob", wantAmt: "10.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := NewMemory()
			ledger := NewLedger()

			alice, bob := uuid.New(), uuid.New()
			group := uuid.New()
			scope := groupScope(group)

			// Alice owes Bob 40, then Bob incurs newDebt towards Alice.
			seedBalance(t, mem, alice, bob, "40.00", scope)
			shares := []split.Share{{UserID: bob, Amount: dec(tt.newDebt)}}
			require.NoError(t, ledger.ApplyDelta(ctx, mem, alice, shares, "BRL", scope))

			balances, err := mem.BalancesByGroup(ctx, group)
			require.NoError(t, err)

			if tt.wantFrom == "" {
				assert.Empty(t, balances)
				return
			}

			require.Len(t, balances, 1, "pair must never hold more than one row")
			got := balances[0]
			wantFrom, wantTo := alice, bob
			if tt.wantFrom == "bob" {
				wantFrom, wantTo = bob, alice
			}
			assert.Equal(t, wantFrom, got.FromUser)
			assert.Equal(t, wantTo, got.ToUser)
			assert.Equal(t, tt.wantAmt, got.Amount.StringFixed(2))
		})
	}
}

func TestApplyDeltaSeparatesCurrenciesAndGroups(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ledger := NewLedger()

	payer, alice := uuid.New(), uuid.New()
	groupA, groupB := uuid.New(), uuid.New()

	shares := []split.Share{{UserID: alice, Amount: dec("10.00")}}
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, shares, "BRL", groupScope(groupA)))
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, shares, "USD", groupScope(groupA)))
	require.NoError(t, ledger.ApplyDelta(ctx, mem, payer, shares, "BRL", groupScope(groupB)))

	balancesA, err := mem.BalancesByGroup(ctx, groupA)
	require.NoError(t, err)
	assert.Len(t, balancesA, 2, "one row per currency")

	balancesB, err := mem.BalancesByGroup(ctx, groupB)
	require.NoError(t, err)
	assert.Len(t, balancesB, 1)
}

// Replaying the same expenses must land on the same balances regardless of
// replay order, and a recompute after incremental deltas changes nothing.
func TestRecomputeGroupMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ledger := NewLedger()

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	group := uuid.New()
	scope := groupScope(group)

	expenses := []struct {
		paidBy uuid.UUID
		shares []split.Share
	}{
		{paidBy: alice, shares: []split.Share{
			{UserID: alice, Amount: dec("20.00")},
			{UserID: bob, Amount: dec("20.00")},
			{UserID: carol, Amount: dec("20.00")},
		}},
		{paidBy: bob, shares: []split.Share{
			{UserID: alice, Amount: dec("35.00")},
			{UserID: bob, Amount: dec("10.00")},
		}},
		{paidBy: carol, shares: []split.Share{
			{UserID: bob, Amount: dec("5.50")},
			{UserID: carol, Amount: dec("5.50")},
		}},
	}

	for _, e := range expenses {
		expense := Expense{
			ID:          uuid.New(),
			GroupID:     scope,
			Description: "shared",
			Category:    CategoryOther,
			Currency:    "BRL",
			PaidBy:      e.paidBy,
			SplitType:   split.PolicyExact,
			ExpenseDate: time.Now().UTC(),
		}
		var total decimal.Decimal
		records := make([]SplitRecord, 0, len(e.shares))
		for _, share := range e.shares {
			total = total.Add(share.Amount)
			records = append(records, SplitRecord{
				ExpenseID: expense.ID,
				UserID:    share.UserID,
				Amount:    share.Amount,
			})
		}
		expense.Amount = total
		require.NoError(t, mem.InsertExpense(ctx, expense))
		require.NoError(t, mem.InsertSplits(ctx, records))
		require.NoError(t, ledger.ApplyDelta(ctx, mem, e.paidBy, e.shares, "BRL", scope))
	}

	balances, err := mem.BalancesByGroup(ctx, group)
	require.NoError(t, err)
	incremental := balanceTable(t, balances)

	// Map iteration randomizes the replay order each run.
	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.RecomputeGroup(ctx, mem, group))
		balances, err = mem.BalancesByGroup(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, incremental, balanceTable(t, balances))
	}
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	scope := groupScope(uuid.New())

	t.Run("partial settlement shrinks the balance", func(t *testing.T) {
		mem := NewMemory()
		ledger := NewLedger()
		seedBalance(t, mem, alice, bob, "40.00", scope)

		settlement, err := ledger.Settle(ctx, mem, alice, bob, dec("15.00"), "BRL", scope)
		require.NoError(t, err)
		assert.Equal(t, alice, settlement.FromUser)
		assert.Equal(t, bob, settlement.ToUser)
		assert.Equal(t, "15.00", settlement.Amount.StringFixed(2))

		balance, err := mem.PairBalance(ctx, alice, bob, scope, "BRL")
		require.NoError(t, err)
		require.NotNil(t, balance)
		assert.Equal(t, "25.00", balance.Amount.StringFixed(2))
	})

	t.Run("full settlement removes the row", func(t *testing.T) {
		mem := NewMemory()
		ledger := NewLedger()
		seedBalance(t, mem, alice, bob, "40.00", scope)

		_, err := ledger.Settle(ctx, mem, alice, bob, dec("40.00"), "BRL", scope)
		require.NoError(t, err)

		balance, err := mem.PairBalance(ctx, alice, bob, scope, "BRL")
		require.NoError(t, err)
		assert.Nil(t, balance)

		settlements, err := mem.SettlementsByUser(ctx, alice)
		require.NoError(t, err)
		assert.Len(t, settlements, 1)
	})

	t.Run("overpayment is rejected", func(t *testing.T) {
		mem := NewMemory()
		ledger := NewLedger()
		seedBalance(t, mem, alice, bob, "40.00", scope)

		_, err := ledger.Settle(ctx, mem, alice, bob, dec("40.01"), "BRL", scope)
		assert.ErrorIs(t, err, ErrSettlementExceeds)
		assert.ErrorIs(t, err, ErrValidation)

		balance, err := mem.PairBalance(ctx, alice, bob, scope, "BRL")
		require.NoError(t, err)
		require.NotNil(t, balance)
		assert.Equal(t, "40.00", balance.Amount.StringFixed(2), "rejected settlement must not touch the balance")
	})

	t.Run("no balance in that direction", func(t *testing.T) {
		mem := NewMemory()
		ledger := NewLedger()
		seedBalance(t, mem, alice, bob, "40.00", scope)

		// Bob owes nothing to Alice; settling that way is a miss.
		_, err := ledger.Settle(ctx, mem, bob, alice, dec("10.00"), "BRL", scope)
		assert.ErrorIs(t, err, ErrBalanceNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		mem := NewMemory()
		ledger := NewLedger()

		_, err := ledger.Settle(ctx, mem, alice, bob, dec("0"), "BRL", scope)
		assert.ErrorIs(t, err, ErrSettlementAmount)
	})
}

func TestNetBalance(t *testing.T) {
	me, alice, bob := uuid.New(), uuid.New(), uuid.New()
	scope := groupScope(uuid.New())

	balances := []PairBalance{
		{ID: uuid.New(), FromUser: alice, ToUser: me, GroupID: scope, Amount: dec("30.00"), Currency: "BRL"},
		{ID: uuid.New(), FromUser: me, ToUser: bob, GroupID: scope, Amount: dec("12.00"), Currency: "BRL"},
		{ID: uuid.New(), FromUser: me, ToUser: alice, GroupID: scope, Amount: dec("5.00"), Currency: "USD"},
	}

	net := NetBalance(me, balances)
	require.Len(t, net, 2)
	assert.Equal(t, "18.00", net["BRL"].StringFixed(2), "owed 30, owes 12")
	assert.Equal(t, "-5.00", net["USD"].StringFixed(2))
}
