package split

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Policy selects how an expense total is divided among participants.
type Policy string

const (
	PolicyEqual      Policy = "equal"
	PolicyExact      Policy = "exact"
	PolicyPercentage Policy = "percentage"
	PolicyShares     Policy = "shares"
)

var (
	ErrUnknownPolicy        = errors.New("unknown split policy")
	ErrAmountNotPositive    = errors.New("total amount must be positive")
	ErrNoParticipants       = errors.New("at least one participant is required")
	ErrMissingExactAmount   = errors.New("each participant must have an amount")
	ErrNegativeExactAmount  = errors.New("participant amounts can't be negative")
	ErrExactSumMismatch     = errors.New("participant amounts must sum to the total")
	ErrPercentageOutOfRange = errors.New("each percentage must be greater than 0 and at most 100")
	ErrPercentageSum        = errors.New("percentages must sum to 100")
	ErrInvalidShares        = errors.New("each participant must have at least 1 share")
)

// Participant carries the per-user split input. Amount is read for the exact
// policy, Percentage for the percentage policy and Shares for the shares
// policy; the other fields are ignored.
type Participant struct {
	UserID     uuid.UUID
	Amount     *decimal.Decimal
	Percentage *decimal.Decimal
	Shares     int
}

// Share is one participant's computed obligation. Shares are returned in the
// same order as the participants they were computed from.
type Share struct {
	UserID uuid.UUID
	Amount decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Validate checks the participant list against the policy's rules without
// computing anything.
func Validate(policy Policy, total decimal.Decimal, participants []Participant) error {
	if !total.IsPositive() {
		return ErrAmountNotPositive
	}
	if len(participants) == 0 {
		return ErrNoParticipants
	}

	switch policy {
	case PolicyEqual:
		return nil

	case PolicyExact:
		sum := decimal.Zero
		for _, p := range participants {
			if p.Amount == nil {
				return ErrMissingExactAmount
			}
			if p.Amount.IsNegative() {
				return ErrNegativeExactAmount
			}
			sum = sum.Add(*p.Amount)
		}
		if !sum.Equal(total) {
			return ErrExactSumMismatch
		}
		return nil

	case PolicyPercentage:
		sum := decimal.Zero
		for _, p := range participants {
			if p.Percentage == nil || !p.Percentage.IsPositive() || p.Percentage.GreaterThan(hundred) {
				return ErrPercentageOutOfRange
			}
			sum = sum.Add(*p.Percentage)
		}
		if !sum.Equal(hundred) {
			return ErrPercentageSum
		}
		return nil

	case PolicyShares:
		for _, p := range participants {
			if p.Shares < 1 {
				return ErrInvalidShares
			}
		}
		return nil

	default:
		return ErrUnknownPolicy
	}
}

// Calculate validates the input and returns each participant's owed amount.
// Amounts carry two fractional digits, rounded half up; every participant
// except the last gets the rounded share and the last participant gets the
// exact remainder, so the shares always sum to the total.
func Calculate(policy Policy, total decimal.Decimal, participants []Participant) ([]Share, error) {
	if err := Validate(policy, total, participants); err != nil {
		return nil, err
	}

	shares := make([]Share, 0, len(participants))
	last := len(participants) - 1
	assigned := decimal.Zero

	switch policy {
	case PolicyEqual:
		each := total.DivRound(decimal.NewFromInt(int64(len(participants))), 2)
		for _, p := range participants[:last] {
			shares = append(shares, Share{UserID: p.UserID, Amount: each})
			assigned = assigned.Add(each)
		}

	case PolicyExact:
		for _, p := range participants {
			shares = append(shares, Share{UserID: p.UserID, Amount: *p.Amount})
		}
		return shares, nil

	case PolicyPercentage:
		for _, p := range participants[:last] {
			amount := total.Mul(*p.Percentage).DivRound(hundred, 2)
			shares = append(shares, Share{UserID: p.UserID, Amount: amount})
			assigned = assigned.Add(amount)
		}

	case PolicyShares:
		totalShares := int64(0)
		for _, p := range participants {
			totalShares += int64(p.Shares)
		}
		for _, p := range participants[:last] {
			amount := total.Mul(decimal.NewFromInt(int64(p.Shares))).DivRound(decimal.NewFromInt(totalShares), 2)
			shares = append(shares, Share{UserID: p.UserID, Amount: amount})
			assigned = assigned.Add(amount)
		}
	}

	// Remainder to the last participant in input order.
	shares = append(shares, Share{
		UserID: participants[last].UserID,
		Amount: total.Sub(assigned),
	})

	return shares, nil
}
