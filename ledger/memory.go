package ledger

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is a map-backed Store and TxRunner for tests and local runs without
// a database. RunTx snapshots the state up front and restores it when fn
// fails, mirroring the SQL rollback semantics.
type Memory struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	expenses    map[uuid.UUID]Expense
	splits      map[uuid.UUID][]SplitRecord
	balances    map[uuid.UUID]PairBalance
	settlements []Settlement
}

func NewMemory() *Memory {
	return &Memory{state: memState{
		expenses: make(map[uuid.UUID]Expense),
		splits:   make(map[uuid.UUID][]SplitRecord),
		balances: make(map[uuid.UUID]PairBalance),
	}}
}

func (m *Memory) RunTx(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memStore{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memState) clone() memState {
	c := memState{
		expenses:    maps.Clone(s.expenses),
		splits:      make(map[uuid.UUID][]SplitRecord, len(s.splits)),
		balances:    maps.Clone(s.balances),
		settlements: append([]Settlement(nil), s.settlements...),
	}
	for id, records := range s.splits {
		c.splits[id] = append([]SplitRecord(nil), records...)
	}
	return c
}

// memStore operates on the state without locking; Memory holds the lock for
// it, either per call or for a whole RunTx.
type memStore struct {
	state *memState
}

func (s *memStore) InsertExpense(_ context.Context, e Expense) error {
	s.state.expenses[e.ID] = e
	return nil
}

func (s *memStore) UpdateExpense(_ context.Context, e Expense) error {
	s.state.expenses[e.ID] = e
	return nil
}

func (s *memStore) DeleteExpense(_ context.Context, id uuid.UUID) error {
	delete(s.state.expenses, id)
	return nil
}

func (s *memStore) ExpenseByID(_ context.Context, id uuid.UUID) (*Expense, error) {
	e, ok := s.state.expenses[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) ExpensesByGroup(_ context.Context, groupID uuid.UUID) ([]Expense, error) {
	var expenses []Expense
	for _, e := range s.state.expenses {
		if e.GroupID.Valid && e.GroupID.UUID == groupID {
			expenses = append(expenses, e)
		}
	}
	return expenses, nil
}

func (s *memStore) PersonalExpensesByUser(_ context.Context, userID uuid.UUID) ([]Expense, error) {
	var expenses []Expense
	for _, e := range s.state.expenses {
		if e.GroupID.Valid {
			continue
		}
		if e.PaidBy == userID {
			expenses = append(expenses, e)
			continue
		}
		for _, r := range s.state.splits[e.ID] {
			if r.UserID == userID {
				expenses = append(expenses, e)
				break
			}
		}
	}
	return expenses, nil
}

func (s *memStore) InsertSplits(_ context.Context, splits []SplitRecord) error {
	for _, record := range splits {
		s.state.splits[record.ExpenseID] = append(s.state.splits[record.ExpenseID], record)
	}
	return nil
}

func (s *memStore) DeleteSplitsByExpense(_ context.Context, expenseID uuid.UUID) error {
	delete(s.state.splits, expenseID)
	return nil
}

func (s *memStore) SplitsByExpense(_ context.Context, expenseID uuid.UUID) ([]SplitRecord, error) {
	return append([]SplitRecord(nil), s.state.splits[expenseID]...), nil
}

func (s *memStore) PairBalance(_ context.Context, from, to uuid.UUID, groupID uuid.NullUUID, currency string) (*PairBalance, error) {
	for _, b := range s.state.balances {
		if b.FromUser == from && b.ToUser == to && b.GroupID == groupID && b.Currency == currency {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertPairBalance(_ context.Context, b PairBalance) error {
	s.state.balances[b.ID] = b
	return nil
}

func (s *memStore) UpdatePairBalanceAmount(_ context.Context, id uuid.UUID, amount decimal.Decimal) error {
	b := s.state.balances[id]
	b.Amount = amount
	b.UpdatedAt = time.Now().UTC()
	s.state.balances[id] = b
	return nil
}

func (s *memStore) DeletePairBalance(_ context.Context, id uuid.UUID) error {
	delete(s.state.balances, id)
	return nil
}

func (s *memStore) DeleteGroupBalances(_ context.Context, groupID uuid.UUID) error {
	for id, b := range s.state.balances {
		if b.GroupID.Valid && b.GroupID.UUID == groupID {
			delete(s.state.balances, id)
		}
	}
	return nil
}

func (s *memStore) BalancesByUser(_ context.Context, userID uuid.UUID) ([]PairBalance, error) {
	var balances []PairBalance
	for _, b := range s.state.balances {
		if b.FromUser == userID || b.ToUser == userID {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (s *memStore) BalancesByGroup(_ context.Context, groupID uuid.UUID) ([]PairBalance, error) {
	var balances []PairBalance
	for _, b := range s.state.balances {
		if b.GroupID.Valid && b.GroupID.UUID == groupID {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (s *memStore) InsertSettlement(_ context.Context, settlement Settlement) error {
	s.state.settlements = append(s.state.settlements, settlement)
	return nil
}

func (s *memStore) SettlementsByUser(_ context.Context, userID uuid.UUID) ([]Settlement, error) {
	var settlements []Settlement
	for _, settlement := range s.state.settlements {
		if settlement.FromUser == userID || settlement.ToUser == userID {
			settlements = append(settlements, settlement)
		}
	}
	return settlements, nil
}

// Store methods on Memory itself, for reads outside a transaction.

func (m *Memory) locked() (*memStore, func()) {
	m.mu.Lock()
	return &memStore{state: &m.state}, m.mu.Unlock
}

func (m *Memory) InsertExpense(ctx context.Context, e Expense) error {
	s, unlock := m.locked()
	defer unlock()
	return s.InsertExpense(ctx, e)
}

func (m *Memory) UpdateExpense(ctx context.Context, e Expense) error {
	s, unlock := m.locked()
	defer unlock()
	return s.UpdateExpense(ctx, e)
}

func (m *Memory) DeleteExpense(ctx context.Context, id uuid.UUID) error {
	s, unlock := m.locked()
	defer unlock()
	return s.DeleteExpense(ctx, id)
}

func (m *Memory) ExpenseByID(ctx context.Context, id uuid.UUID) (*Expense, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.ExpenseByID(ctx, id)
}

func (m *Memory) ExpensesByGroup(ctx context.Context, groupID uuid.UUID) ([]Expense, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.ExpensesByGroup(ctx, groupID)
}

func (m *Memory) PersonalExpensesByUser(ctx context.Context, userID uuid.UUID) ([]Expense, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.PersonalExpensesByUser(ctx, userID)
}

func (m *Memory) InsertSplits(ctx context.Context, splits []SplitRecord) error {
	s, unlock := m.locked()
	defer unlock()
	return s.InsertSplits(ctx, splits)
}

func (m *Memory) DeleteSplitsByExpense(ctx context.Context, expenseID uuid.UUID) error {
	s, unlock := m.locked()
	defer unlock()
	return s.DeleteSplitsByExpense(ctx, expenseID)
}

func (m *Memory) SplitsByExpense(ctx context.Context, expenseID uuid.UUID) ([]SplitRecord, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.SplitsByExpense(ctx, expenseID)
}

func (m *Memory) PairBalance(ctx context.Context, from, to uuid.UUID, groupID uuid.NullUUID, currency string) (*PairBalance, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.PairBalance(ctx, from, to, groupID, currency)
}

func (m *Memory) InsertPairBalance(ctx context.Context, b PairBalance) error {
	s, unlock := m.locked()
	defer unlock()
	return s.InsertPairBalance(ctx, b)
}

func (m *Memory) UpdatePairBalanceAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	s, unlock := m.locked()
	defer unlock()
	return s.UpdatePairBalanceAmount(ctx, id, amount)
}

func (m *Memory) DeletePairBalance(ctx context.Context, id uuid.UUID) error {
	s, unlock := m.locked()
	defer unlock()
	return s.DeletePairBalance(ctx, id)
}

func (m *Memory) DeleteGroupBalances(ctx context.Context, groupID uuid.UUID) error {
	s, unlock := m.locked()
	defer unlock()
	return s.DeleteGroupBalances(ctx, groupID)
}

func (m *Memory) BalancesByUser(ctx context.Context, userID uuid.UUID) ([]PairBalance, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.BalancesByUser(ctx, userID)
}

func (m *Memory) BalancesByGroup(ctx context.Context, groupID uuid.UUID) ([]PairBalance, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.BalancesByGroup(ctx, groupID)
}

func (m *Memory) InsertSettlement(ctx context.Context, settlement Settlement) error {
	s, unlock := m.locked()
	defer unlock()
	return s.InsertSettlement(ctx, settlement)
}

func (m *Memory) SettlementsByUser(ctx context.Context, userID uuid.UUID) ([]Settlement, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.SettlementsByUser(ctx, userID)
}
