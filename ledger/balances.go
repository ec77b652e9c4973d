package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/psoares/rachaconta/split"
)

// Ledger owns every PairBalance mutation. All writes must run inside a
// transaction while holding the partition guard for the affected group, so
// concurrent expenses in the same group never interleave their
// read-modify-write and a recompute never observes a half-written state.
type Ledger struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLedger() *Ledger {
	return &Ledger{locks: make(map[string]*sync.Mutex)}
}

// Guard serializes ledger mutations for one partition and returns the release
// function. Group expenses share one lock per group regardless of currency,
// since a recompute replays every currency in the group; settlements outside
// any group lock per currency.
func (l *Ledger) Guard(groupID uuid.NullUUID, currency string) (release func()) {
	key := "personal|" + currency
	if groupID.Valid {
		key = groupID.UUID.String()
	}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// ApplyDelta folds one expense's shares into the pairwise balances: every
// participant other than the payer owes the payer their share. The caller
// must hold the partition guard and pass the transaction-scoped store.
func (l *Ledger) ApplyDelta(ctx context.Context, s Store, paidBy uuid.UUID, shares []split.Share, currency string, groupID uuid.NullUUID) error {
	for _, share := range shares {
		if share.UserID == paidBy || !share.Amount.IsPositive() {
			continue
		}
		if err := applyDebt(ctx, s, share.UserID, paidBy, share.Amount, currency, groupID); err != nil {
			return err
		}
	}
	return nil
}

// applyDebt records that debtor owes creditor amount, netting against any
// existing balance between the two:
//
//  1. a balance in the same direction accumulates;
//  2. a balance in the reverse direction shrinks, flips direction when the
//     new debt exceeds it, or disappears when they cancel exactly;
//  3. otherwise a new balance is created.
func applyDebt(ctx context.Context, s Store, debtor, creditor uuid.UUID, amount decimal.Decimal, currency string, groupID uuid.NullUUID) error {
	existing, err := s.PairBalance(ctx, debtor, creditor, groupID, currency)
	if err != nil {
		return fmt.Errorf("looking up balance: %w", err)
	}
	if existing != nil {
		assertPositive(*existing)
		return s.UpdatePairBalanceAmount(ctx, existing.ID, existing.Amount.Add(amount))
	}

	reverse, err := s.PairBalance(ctx, creditor, debtor, groupID, currency)
	if err != nil {
		return fmt.Errorf("looking up reverse balance: %w", err)
	}
	if reverse != nil {
		assertPositive(*reverse)
		remainder := reverse.Amount.Sub(amount)
		switch {
		case remainder.IsPositive():
			return s.UpdatePairBalanceAmount(ctx, reverse.ID, remainder)
		case remainder.IsNegative():
			if err := s.DeletePairBalance(ctx, reverse.ID); err != nil {
				return err
			}
			return s.InsertPairBalance(ctx, newPairBalance(debtor, creditor, remainder.Abs(), currency, groupID))
		default:
			return s.DeletePairBalance(ctx, reverse.ID)
		}
	}

	return s.InsertPairBalance(ctx, newPairBalance(debtor, creditor, amount, currency, groupID))
}

// RecomputeGroup rebuilds a group's balances from scratch: delete everything,
// then replay each expense's split records through the same netting as
// ApplyDelta. The result is identical for any replay order. The caller must
// hold the group guard for the whole delete+replay.
func (l *Ledger) RecomputeGroup(ctx context.Context, s Store, groupID uuid.UUID) error {
	if err := s.DeleteGroupBalances(ctx, groupID); err != nil {
		return fmt.Errorf("clearing group balances: %w", err)
	}

	expenses, err := s.ExpensesByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("loading group expenses: %w", err)
	}

	scope := uuid.NullUUID{UUID: groupID, Valid: true}
	for _, expense := range expenses {
		records, err := s.SplitsByExpense(ctx, expense.ID)
		if err != nil {
			return fmt.Errorf("loading splits for expense %s: %w", expense.ID, err)
		}
		for _, record := range records {
			if record.UserID == expense.PaidBy || !record.Amount.IsPositive() {
				continue
			}
			if err := applyDebt(ctx, s, record.UserID, expense.PaidBy, record.Amount, expense.Currency, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// Settle reduces the balance from payer to payee by amount and appends the
// settlement record. Settling the full balance deletes the row. The caller
// must hold the partition guard.
func (l *Ledger) Settle(ctx context.Context, s Store, payer, payee uuid.UUID, amount decimal.Decimal, currency string, groupID uuid.NullUUID) (*Settlement, error) {
	if !amount.IsPositive() {
		return nil, ErrSettlementAmount
	}

	balance, err := s.PairBalance(ctx, payer, payee, groupID, currency)
	if err != nil {
		return nil, fmt.Errorf("looking up balance: %w", err)
	}
	if balance == nil {
		return nil, ErrBalanceNotFound
	}
	assertPositive(*balance)

	if amount.GreaterThan(balance.Amount) {
		return nil, ErrSettlementExceeds
	}

	remainder := balance.Amount.Sub(amount)
	if remainder.IsZero() {
		err = s.DeletePairBalance(ctx, balance.ID)
	} else {
		err = s.UpdatePairBalanceAmount(ctx, balance.ID, remainder)
	}
	if err != nil {
		return nil, err
	}

	settlement := Settlement{
		ID:        uuid.New(),
		FromUser:  payer,
		ToUser:    payee,
		GroupID:   groupID,
		Amount:    amount,
		Currency:  currency,
		SettledAt: time.Now().UTC(),
	}
	if err := s.InsertSettlement(ctx, settlement); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// NetBalance folds a user's balances into one signed total per currency:
// positive means others owe the user, negative means the user owes.
func NetBalance(userID uuid.UUID, balances []PairBalance) map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, b := range balances {
		current, ok := net[b.Currency]
		if !ok {
			current = decimal.Zero
		}
		if b.ToUser == userID {
			net[b.Currency] = current.Add(b.Amount)
		} else {
			net[b.Currency] = current.Sub(b.Amount)
		}
	}
	return net
}

func newPairBalance(debtor, creditor uuid.UUID, amount decimal.Decimal, currency string, groupID uuid.NullUUID) PairBalance {
	return PairBalance{
		ID:        uuid.New(),
		FromUser:  debtor,
		ToUser:    creditor,
		GroupID:   groupID,
		Amount:    amount,
		Currency:  currency,
		UpdatedAt: time.Now().UTC(),
	}
}

// assertPositive traps a stored non-positive balance. That state is
// unreachable through the netting above, so finding one means the ledger is
// corrupt and continuing would compound it.
func assertPositive(b PairBalance) {
	if !b.Amount.IsPositive() {
		panic(fmt.Sprintf("ledger: stored balance %s has non-positive amount %s", b.ID, b.Amount))
	}
}
