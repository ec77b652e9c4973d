package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event payloads journaled through the eventlogger worker. These mirror what
// happened, for display and troubleshooting; they are never replayed into the
// ledger.

const (
	EventExpenseCreated     = "expense.created"
	EventExpenseUpdated     = "expense.updated"
	EventExpenseDeleted     = "expense.deleted"
	EventSettlementRecorded = "settlement.recorded"
)

type ExpenseCreatedEvent struct {
	ExpenseID    uuid.UUID       `json:"expense_id"`
	GroupID      uuid.NullUUID   `json:"group_id,omitzero"`
	PaidBy       uuid.UUID       `json:"paid_by"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	SplitType    string          `json:"split_type"`
	Participants int             `json:"participants"`
	ExpenseDate  time.Time       `json:"expense_date"`
}

type ExpenseUpdatedEvent struct {
	ExpenseID uuid.UUID       `json:"expense_id"`
	UpdatedBy uuid.UUID       `json:"updated_by"`
	Amount    decimal.Decimal `json:"amount"`
	SplitType string          `json:"split_type"`
}

type ExpenseDeletedEvent struct {
	ExpenseID uuid.UUID     `json:"expense_id"`
	DeletedBy uuid.UUID     `json:"deleted_by"`
	GroupID   uuid.NullUUID `json:"group_id,omitzero"`
}

type SettlementRecordedEvent struct {
	SettlementID uuid.UUID       `json:"settlement_id"`
	FromUser     uuid.UUID       `json:"from_user"`
	ToUser       uuid.UUID       `json:"to_user"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}
