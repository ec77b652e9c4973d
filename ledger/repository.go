package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DBTX is the part of database/sql shared by *sql.DB and *sql.Tx, so every
// query below runs the same inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	queries
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{queries: queries{db: db}, db: db}
}

// RunTx runs fn against a transaction-scoped Store and commits only if fn
// succeeds.
func (r *Repository) RunTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type queries struct {
	db DBTX
}

func (q *queries) InsertExpense(ctx context.Context, e Expense) error {
	statement := `INSERT INTO expenses (id, group_id, description, category, amount, currency, paid_by, split_type, expense_date, created_at, updated_at)
	              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := q.db.ExecContext(ctx, statement,
		e.ID, e.GroupID, e.Description, e.Category, e.Amount, e.Currency,
		e.PaidBy, e.SplitType, e.ExpenseDate, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (q *queries) UpdateExpense(ctx context.Context, e Expense) error {
	statement := `UPDATE expenses
	              SET description = $2, category = $3, amount = $4, split_type = $5, expense_date = $6, updated_at = $7
	              WHERE id = $1`
	_, err := q.db.ExecContext(ctx, statement,
		e.ID, e.Description, e.Category, e.Amount, e.SplitType, e.ExpenseDate, e.UpdatedAt,
	)
	return err
}

func (q *queries) DeleteExpense(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, id)
	return err
}

const expenseColumns = `id, group_id, description, category, amount, currency, paid_by, split_type, expense_date, created_at, updated_at`

func (q *queries) ExpenseByID(ctx context.Context, id uuid.UUID) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`

	var e Expense
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.GroupID, &e.Description, &e.Category, &e.Amount, &e.Currency,
		&e.PaidBy, &e.SplitType, &e.ExpenseDate, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying expense: %w", err)
	}
	return &e, nil
}

func (q *queries) ExpensesByGroup(ctx context.Context, groupID uuid.UUID) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE group_id = $1 ORDER BY expense_date DESC`
	return q.scanExpenses(ctx, query, groupID)
}

func (q *queries) PersonalExpensesByUser(ctx context.Context, userID uuid.UUID) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses e
	          WHERE e.group_id IS NULL
	            AND (e.paid_by = $1 OR EXISTS (
	                SELECT 1 FROM expense_splits s WHERE s.expense_id = e.id AND s.user_id = $1))
	          ORDER BY e.expense_date DESC`
	return q.scanExpenses(ctx, query, userID)
}

func (q *queries) scanExpenses(ctx context.Context, query string, args ...any) ([]Expense, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []Expense
	for rows.Next() {
		var e Expense
		err := rows.Scan(
			&e.ID, &e.GroupID, &e.Description, &e.Category, &e.Amount, &e.Currency,
			&e.PaidBy, &e.SplitType, &e.ExpenseDate, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// InsertSplits keeps the participant order in a position column; the
// remainder-goes-last rounding rule makes that order part of the data.
func (q *queries) InsertSplits(ctx context.Context, splits []SplitRecord) error {
	statement := `INSERT INTO expense_splits (expense_id, user_id, amount, percentage, shares, position) VALUES ($1, $2, $3, $4, $5, $6)`
	for i, s := range splits {
		var shares sql.NullInt64
		if s.Shares > 0 {
			shares = sql.NullInt64{Int64: int64(s.Shares), Valid: true}
		}
		if _, err := q.db.ExecContext(ctx, statement, s.ExpenseID, s.UserID, s.Amount, s.Percentage, shares, i); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) DeleteSplitsByExpense(ctx context.Context, expenseID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM expense_splits WHERE expense_id = $1`, expenseID)
	return err
}

func (q *queries) SplitsByExpense(ctx context.Context, expenseID uuid.UUID) ([]SplitRecord, error) {
	query := `SELECT expense_id, user_id, amount, percentage, shares FROM expense_splits WHERE expense_id = $1 ORDER BY position`

	rows, err := q.db.QueryContext(ctx, query, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []SplitRecord
	for rows.Next() {
		var s SplitRecord
		var shares sql.NullInt64
		if err := rows.Scan(&s.ExpenseID, &s.UserID, &s.Amount, &s.Percentage, &shares); err != nil {
			return nil, err
		}
		if shares.Valid {
			s.Shares = int(shares.Int64)
		}
		splits = append(splits, s)
	}
	return splits, rows.Err()
}

const balanceColumns = `id, from_user_id, to_user_id, group_id, amount, currency, updated_at`

// PairBalance looks up the directed balance row for one pair. The null-safe
// group comparison keeps personal (group-less) balances addressable.
func (q *queries) PairBalance(ctx context.Context, from, to uuid.UUID, groupID uuid.NullUUID, currency string) (*PairBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances
	          WHERE from_user_id = $1 AND to_user_id = $2 AND group_id IS NOT DISTINCT FROM $3 AND currency = $4`

	var b PairBalance
	err := q.db.QueryRowContext(ctx, query, from, to, groupID, currency).Scan(
		&b.ID, &b.FromUser, &b.ToUser, &b.GroupID, &b.Amount, &b.Currency, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying balance: %w", err)
	}
	return &b, nil
}

func (q *queries) InsertPairBalance(ctx context.Context, b PairBalance) error {
	statement := `INSERT INTO balances (id, from_user_id, to_user_id, group_id, amount, currency, updated_at)
	              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.db.ExecContext(ctx, statement, b.ID, b.FromUser, b.ToUser, b.GroupID, b.Amount, b.Currency, b.UpdatedAt)
	return err
}

func (q *queries) UpdatePairBalanceAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	_, err := q.db.ExecContext(ctx, `UPDATE balances SET amount = $2, updated_at = $3 WHERE id = $1`, id, amount, time.Now().UTC())
	return err
}

func (q *queries) DeletePairBalance(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM balances WHERE id = $1`, id)
	return err
}

func (q *queries) DeleteGroupBalances(ctx context.Context, groupID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM balances WHERE group_id = $1`, groupID)
	return err
}

func (q *queries) BalancesByUser(ctx context.Context, userID uuid.UUID) ([]PairBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE from_user_id = $1 OR to_user_id = $1`
	return q.scanBalances(ctx, query, userID)
}

func (q *queries) BalancesByGroup(ctx context.Context, groupID uuid.UUID) ([]PairBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE group_id = $1`
	return q.scanBalances(ctx, query, groupID)
}

func (q *queries) scanBalances(ctx context.Context, query string, args ...any) ([]PairBalance, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []PairBalance
	for rows.Next() {
		var b PairBalance
		err := rows.Scan(&b.ID, &b.FromUser, &b.ToUser, &b.GroupID, &b.Amount, &b.Currency, &b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (q *queries) InsertSettlement(ctx context.Context, s Settlement) error {
	statement := `INSERT INTO settlements (id, from_user_id, to_user_id, group_id, amount, currency, settled_at)
	              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.db.ExecContext(ctx, statement, s.ID, s.FromUser, s.ToUser, s.GroupID, s.Amount, s.Currency, s.SettledAt)
	return err
}

func (q *queries) SettlementsByUser(ctx context.Context, userID uuid.UUID) ([]Settlement, error) {
	query := `SELECT id, from_user_id, to_user_id, group_id, amount, currency, settled_at
	          FROM settlements
	          WHERE from_user_id = $1 OR to_user_id = $1
	          ORDER BY settled_at DESC`

	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []Settlement
	for rows.Next() {
		var s Settlement
		err := rows.Scan(&s.ID, &s.FromUser, &s.ToUser, &s.GroupID, &s.Amount, &s.Currency, &s.SettledAt)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}
