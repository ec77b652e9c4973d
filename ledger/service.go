package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/psoares/rachaconta/split"
)

// MembershipChecker answers the group questions the coordinator needs. The
// group package provides the real implementation.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error)
	IsAdmin(ctx context.Context, userID, groupID uuid.UUID) (bool, error)
}

// Service coordinates expense writes: it runs the split calculation,
// persists the expense and its split records, and keeps the balance ledger in
// step, all inside one transaction under the ledger's partition guard, so a
// failure anywhere leaves no partial state.
type Service struct {
	store  Store
	tx     TxRunner
	groups MembershipChecker
	ledger *Ledger
}

func NewService(store Store, tx TxRunner, groups MembershipChecker) *Service {
	return &Service{
		store:  store,
		tx:     tx,
		groups: groups,
		ledger: NewLedger(),
	}
}

type CreateExpenseInput struct {
	Amount       decimal.Decimal
	Description  string
	Category     Category
	Currency     string
	PaidBy       uuid.UUID
	GroupID      uuid.NullUUID
	SplitType    split.Policy
	Participants []split.Participant
	ExpenseDate  time.Time
}

// UpdateExpenseInput carries the fields to replace; nil pointers keep the
// current value. A nil Participants re-splits among the existing
// participants, rebuilt from the stored split records.
type UpdateExpenseInput struct {
	ExpenseID    uuid.UUID
	CallerID     uuid.UUID
	Amount       *decimal.Decimal
	Description  *string
	Category     *Category
	SplitType    *split.Policy
	Participants []split.Participant
	ExpenseDate  *time.Time
}

func (s *Service) CreateExpense(ctx context.Context, in CreateExpenseInput) (*Expense, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, ErrEmptyDescription
	}
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	if !in.Category.Valid() {
		return nil, ErrInvalidCategory
	}

	if in.GroupID.Valid {
		member, err := s.groups.IsMember(ctx, in.PaidBy, in.GroupID.UUID)
		if err != nil {
			return nil, fmt.Errorf("checking group membership: %w", err)
		}
		if !member {
			return nil, ErrNotGroupMember
		}
	}

	shares, err := split.Calculate(in.SplitType, in.Amount, in.Participants)
	if err != nil {
		return nil, errors.Join(ErrValidation, err)
	}

	now := time.Now().UTC()
	expenseDate := in.ExpenseDate
	if expenseDate.IsZero() {
		expenseDate = now
	}

	expense := Expense{
		ID:          uuid.New(),
		GroupID:     in.GroupID,
		Description: in.Description,
		Category:    in.Category,
		Amount:      in.Amount,
		Currency:    currency,
		PaidBy:      in.PaidBy,
		SplitType:   in.SplitType,
		ExpenseDate: expenseDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	records := buildRecords(expense.ID, in.SplitType, in.Participants, shares)

	release := s.ledger.Guard(in.GroupID, currency)
	defer release()

	err = s.tx.RunTx(ctx, func(st Store) error {
		if err := st.InsertExpense(ctx, expense); err != nil {
			return fmt.Errorf("saving expense: %w", err)
		}
		if err := st.InsertSplits(ctx, records); err != nil {
			return fmt.Errorf("saving splits: %w", err)
		}
		// Personal expenses never touch the ledger.
		if !in.GroupID.Valid {
			return nil
		}
		return s.ledger.ApplyDelta(ctx, st, in.PaidBy, shares, currency, in.GroupID)
	})
	if err != nil {
		return nil, err
	}

	return &expense, nil
}

func (s *Service) UpdateExpense(ctx context.Context, in UpdateExpenseInput) (*Expense, error) {
	expense, err := s.store.ExpenseByID(ctx, in.ExpenseID)
	if err != nil {
		return nil, fmt.Errorf("fetching expense: %w", err)
	}
	if expense == nil {
		return nil, ErrExpenseNotFound
	}
	if expense.PaidBy != in.CallerID {
		return nil, ErrNotExpensePayer
	}

	if in.Amount != nil {
		expense.Amount = *in.Amount
	}
	if in.Description != nil {
		if strings.TrimSpace(*in.Description) == "" {
			return nil, ErrEmptyDescription
		}
		expense.Description = *in.Description
	}
	if in.Category != nil {
		if !in.Category.Valid() {
			return nil, ErrInvalidCategory
		}
		expense.Category = *in.Category
	}
	if in.SplitType != nil {
		expense.SplitType = *in.SplitType
	}
	if in.ExpenseDate != nil {
		expense.ExpenseDate = *in.ExpenseDate
	}
	expense.UpdatedAt = time.Now().UTC()

	participants := in.Participants
	if participants == nil {
		records, err := s.store.SplitsByExpense(ctx, expense.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching splits: %w", err)
		}
		participants, err = participantsFromRecords(expense.SplitType, records)
		if err != nil {
			return nil, err
		}
	}

	shares, err := split.Calculate(expense.SplitType, expense.Amount, participants)
	if err != nil {
		return nil, errors.Join(ErrValidation, err)
	}
	records := buildRecords(expense.ID, expense.SplitType, participants, shares)

	release := s.ledger.Guard(expense.GroupID, expense.Currency)
	defer release()

	err = s.tx.RunTx(ctx, func(st Store) error {
		if err := st.DeleteSplitsByExpense(ctx, expense.ID); err != nil {
			return fmt.Errorf("deleting old splits: %w", err)
		}
		if err := st.UpdateExpense(ctx, *expense); err != nil {
			return fmt.Errorf("saving expense: %w", err)
		}
		if err := st.InsertSplits(ctx, records); err != nil {
			return fmt.Errorf("saving splits: %w", err)
		}
		// Updates always rebuild the whole group ledger instead of applying a
		// delta: the policy or participant set may have changed.
		if !expense.GroupID.Valid {
			return nil
		}
		return s.ledger.RecomputeGroup(ctx, st, expense.GroupID.UUID)
	})
	if err != nil {
		return nil, err
	}

	return expense, nil
}

func (s *Service) DeleteExpense(ctx context.Context, expenseID, callerID uuid.UUID) error {
	expense, err := s.store.ExpenseByID(ctx, expenseID)
	if err != nil {
		return fmt.Errorf("fetching expense: %w", err)
	}
	if expense == nil {
		return ErrExpenseNotFound
	}

	if expense.PaidBy != callerID {
		if !expense.GroupID.Valid {
			return ErrCannotDelete
		}
		admin, err := s.groups.IsAdmin(ctx, callerID, expense.GroupID.UUID)
		if err != nil {
			return fmt.Errorf("checking group admin: %w", err)
		}
		if !admin {
			return ErrCannotDelete
		}
	}

	release := s.ledger.Guard(expense.GroupID, expense.Currency)
	defer release()

	return s.tx.RunTx(ctx, func(st Store) error {
		if err := st.DeleteSplitsByExpense(ctx, expense.ID); err != nil {
			return fmt.Errorf("deleting splits: %w", err)
		}
		if err := st.DeleteExpense(ctx, expense.ID); err != nil {
			return fmt.Errorf("deleting expense: %w", err)
		}
		if !expense.GroupID.Valid {
			return nil
		}
		return s.ledger.RecomputeGroup(ctx, st, expense.GroupID.UUID)
	})
}

func (s *Service) Settle(ctx context.Context, payer, payee uuid.UUID, amount decimal.Decimal, currency string, groupID uuid.NullUUID) (*Settlement, error) {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	release := s.ledger.Guard(groupID, currency)
	defer release()

	var settlement *Settlement
	err = s.tx.RunTx(ctx, func(st Store) error {
		settlement, err = s.ledger.Settle(ctx, st, payer, payee, amount, currency, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (s *Service) ExpenseByID(ctx context.Context, id uuid.UUID) (*Expense, error) {
	expense, err := s.store.ExpenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if expense == nil {
		return nil, ErrExpenseNotFound
	}
	return expense, nil
}

func (s *Service) GroupExpenses(ctx context.Context, groupID uuid.UUID) ([]Expense, error) {
	return s.store.ExpensesByGroup(ctx, groupID)
}

func (s *Service) PersonalExpenses(ctx context.Context, userID uuid.UUID) ([]Expense, error) {
	return s.store.PersonalExpensesByUser(ctx, userID)
}

func (s *Service) ExpenseSplits(ctx context.Context, expenseID uuid.UUID) ([]SplitRecord, error) {
	return s.store.SplitsByExpense(ctx, expenseID)
}

func (s *Service) UserBalances(ctx context.Context, userID uuid.UUID) ([]PairBalance, error) {
	return s.store.BalancesByUser(ctx, userID)
}

func (s *Service) GroupBalances(ctx context.Context, groupID uuid.UUID) ([]PairBalance, error) {
	return s.store.BalancesByGroup(ctx, groupID)
}

func (s *Service) UserNetBalance(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error) {
	balances, err := s.store.BalancesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NetBalance(userID, balances), nil
}

func (s *Service) UserSettlements(ctx context.Context, userID uuid.UUID) ([]Settlement, error) {
	return s.store.SettlementsByUser(ctx, userID)
}

// buildRecords zips computed shares with their participants (Calculate
// preserves input order) and keeps the policy-specific provenance.
func buildRecords(expenseID uuid.UUID, policy split.Policy, participants []split.Participant, shares []split.Share) []SplitRecord {
	records := make([]SplitRecord, 0, len(shares))
	for i, share := range shares {
		record := SplitRecord{
			ExpenseID: expenseID,
			UserID:    share.UserID,
			Amount:    share.Amount,
		}
		switch policy {
		case split.PolicyPercentage:
			record.Percentage = decimal.NullDecimal{Decimal: *participants[i].Percentage, Valid: true}
		case split.PolicyShares:
			record.Shares = participants[i].Shares
		}
		records = append(records, record)
	}
	return records
}

// participantsFromRecords rebuilds split input from stored records so an
// update without an explicit participant list re-splits among the same
// people.
func participantsFromRecords(policy split.Policy, records []SplitRecord) ([]split.Participant, error) {
	participants := make([]split.Participant, 0, len(records))
	for _, record := range records {
		p := split.Participant{UserID: record.UserID}
		switch policy {
		case split.PolicyExact:
			amount := record.Amount
			p.Amount = &amount
		case split.PolicyPercentage:
			if !record.Percentage.Valid {
				return nil, fmt.Errorf("%w: existing splits carry no percentages; provide participants", ErrValidation)
			}
			pct := record.Percentage.Decimal
			p.Percentage = &pct
		case split.PolicyShares:
			if record.Shares < 1 {
				return nil, fmt.Errorf("%w: existing splits carry no share counts; provide participants", ErrValidation)
			}
			p.Shares = record.Shares
		}
		participants = append(participants, p)
	}
	return participants, nil
}

func normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}
