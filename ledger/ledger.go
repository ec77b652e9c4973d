package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/psoares/rachaconta/split"
)

// Category labels an expense for display and reporting.
type Category string

const (
	CategoryFood          Category = "food"
	CategoryTravel        Category = "travel"
	CategoryRent          Category = "rent"
	CategoryUtilities     Category = "utilities"
	CategoryEntertainment Category = "entertainment"
	CategoryShopping      Category = "shopping"
	CategoryHealthcare    Category = "healthcare"
	CategoryEducation     Category = "education"
	CategoryOther         Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryFood, CategoryTravel, CategoryRent, CategoryUtilities,
		CategoryEntertainment, CategoryShopping, CategoryHealthcare,
		CategoryEducation, CategoryOther:
		return true
	}
	return false
}

// Error classes. Concrete failures wrap one of these so callers can map them
// to a response class with errors.Is.
var (
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
)

var (
	ErrExpenseNotFound   = fmt.Errorf("expense %w", ErrNotFound)
	ErrBalanceNotFound   = fmt.Errorf("balance between users %w", ErrNotFound)
	ErrNotExpensePayer   = fmt.Errorf("%w: only the payer can edit an expense", ErrPermission)
	ErrCannotDelete      = fmt.Errorf("%w: only the payer or a group admin can delete an expense", ErrPermission)
	ErrNotGroupMember    = fmt.Errorf("%w: payer is not a member of the group", ErrValidation)
	ErrEmptyDescription  = fmt.Errorf("%w: description can't be empty", ErrValidation)
	ErrInvalidCurrency   = fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	ErrInvalidCategory   = fmt.Errorf("%w: unknown category", ErrValidation)
	ErrSettlementAmount  = fmt.Errorf("%w: settlement amount must be positive", ErrValidation)
	ErrSettlementExceeds = fmt.Errorf("%w: settlement amount exceeds the balance", ErrValidation)
)

// Expense is a single paid expense, optionally scoped to a group. Amounts are
// fixed-point decimals with two fractional digits.
type Expense struct {
	ID          uuid.UUID       `json:"id"`
	GroupID     uuid.NullUUID   `json:"group_id,omitzero"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PaidBy      uuid.UUID       `json:"paid_by"`
	SplitType   split.Policy    `json:"split_type"`
	ExpenseDate time.Time       `json:"expense_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SplitRecord is one participant's obligation for one expense. Amount is
// authoritative; Percentage and Shares record how it was derived.
type SplitRecord struct {
	ExpenseID  uuid.UUID           `json:"expense_id"`
	UserID     uuid.UUID           `json:"user_id"`
	Amount     decimal.Decimal     `json:"amount"`
	Percentage decimal.NullDecimal `json:"percentage,omitzero"`
	Shares     int                 `json:"shares,omitempty"`
}

// PairBalance is a single directional debt: FromUser owes ToUser Amount.
// At most one direction exists per (pair, group, currency) and the amount is
// always strictly positive; a balance that reaches zero is deleted.
type PairBalance struct {
	ID        uuid.UUID       `json:"id"`
	FromUser  uuid.UUID       `json:"from_user"`
	ToUser    uuid.UUID       `json:"to_user"`
	GroupID   uuid.NullUUID   `json:"group_id,omitzero"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Settlement records a payment from FromUser to ToUser. Settlements are
// append-only: they are written once and never mutated or deleted.
type Settlement struct {
	ID        uuid.UUID       `json:"id"`
	FromUser  uuid.UUID       `json:"from_user"`
	ToUser    uuid.UUID       `json:"to_user"`
	GroupID   uuid.NullUUID   `json:"group_id,omitzero"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	SettledAt time.Time       `json:"settled_at"`
}

// Store is the persistence surface for expenses, split records, balances and
// settlements. Lookups return nil (not an error) when no row matches.
type Store interface {
	InsertExpense(ctx context.Context, e Expense) error
	UpdateExpense(ctx context.Context, e Expense) error
	DeleteExpense(ctx context.Context, id uuid.UUID) error
	ExpenseByID(ctx context.Context, id uuid.UUID) (*Expense, error)
	ExpensesByGroup(ctx context.Context, groupID uuid.UUID) ([]Expense, error)
	PersonalExpensesByUser(ctx context.Context, userID uuid.UUID) ([]Expense, error)

	InsertSplits(ctx context.Context, splits []SplitRecord) error
	DeleteSplitsByExpense(ctx context.Context, expenseID uuid.UUID) error
	SplitsByExpense(ctx context.Context, expenseID uuid.UUID) ([]SplitRecord, error)

	PairBalance(ctx context.Context, from, to uuid.UUID, groupID uuid.NullUUID, currency string) (*PairBalance, error)
	InsertPairBalance(ctx context.Context, b PairBalance) error
	UpdatePairBalanceAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error
	DeletePairBalance(ctx context.Context, id uuid.UUID) error
	DeleteGroupBalances(ctx context.Context, groupID uuid.UUID) error
	BalancesByUser(ctx context.Context, userID uuid.UUID) ([]PairBalance, error)
	BalancesByGroup(ctx context.Context, groupID uuid.UUID) ([]PairBalance, error)

	InsertSettlement(ctx context.Context, s Settlement) error
	SettlementsByUser(ctx context.Context, userID uuid.UUID) ([]Settlement, error)
}

// TxRunner executes fn against a Store inside a single transaction. If fn
// returns an error every write made through that Store is discarded.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(Store) error) error
}
