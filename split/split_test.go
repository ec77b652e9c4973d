package split

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func users(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func amounts(t *testing.T, shares []Share) []string {
	t.Helper()
	out := make([]string, len(shares))
	for i, s := range shares {
		out[i] = s.Amount.StringFixed(2)
	}
	return out
}

func TestCalculateEqual(t *testing.T) {
	tests := []struct {
		name  string
		total string
		n     int
		want  []string
	}{
		{name: "100 among 3, remainder to last", total: "100.00", n: 3, want: []string{"33.33", "33.33", "33.34"}},
		{name: "two way split", total: "50.00", n: 2, want: []string{"25.00", "25.00"}},
		{name: "single participant", total: "10.01", n: 1, want: []string{"10.01"}},
		{name: "odd cent goes last", total: "0.05", n: 2, want: []string{"0.03", "0.02"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := users(tt.n)
			participants := make([]Participant, tt.n)
			for i, id := range ids {
				participants[i] = Participant{UserID: id}
			}

			shares, err := Calculate(PolicyEqual, dec(tt.total), participants)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amounts(t, shares))
			for i, share := range shares {
				assert.Equal(t, ids[i], share.UserID)
			}
		})
	}
}

func TestCalculateExact(t *testing.T) {
	ids := users(3)
	participants := []Participant{
		{UserID: ids[0], Amount: decPtr("20.00")},
		{UserID: ids[1], Amount: decPtr("15.50")},
		{UserID: ids[2], Amount: decPtr("24.50")},
	}

	shares, err := Calculate(PolicyExact, dec("60.00"), participants)
	require.NoError(t, err)
	assert.Equal(t, []string{"20.00", "15.50", "24.50"}, amounts(t, shares))
}

func TestCalculatePercentage(t *testing.T) {
	t.Run("50/30/20 of 90", func(t *testing.T) {
		ids := users(3)
		participants := []Participant{
			{UserID: ids[0], Percentage: decPtr("50")},
			{UserID: ids[1], Percentage: decPtr("30")},
			{UserID: ids[2], Percentage: decPtr("20")},
		}

		shares, err := Calculate(PolicyPercentage, dec("90.00"), participants)
		require.NoError(t, err)
		assert.Equal(t, []string{"45.00", "27.00", "18.00"}, amounts(t, shares))
	})

	t.Run("rounding drift absorbed by last", func(t *testing.T) {
		ids := users(3)
		participants := []Participant{
			{UserID: ids[0], Percentage: decPtr("33.33")},
			{UserID: ids[1], Percentage: decPtr("33.33")},
			{UserID: ids[2], Percentage: decPtr("33.34")},
		}

		// 33.33% of 50.00 is 16.665, rounds half up to 16.67.
		shares, err := Calculate(PolicyPercentage, dec("50.00"), participants)
		require.NoError(t, err)
		assert.Equal(t, []string{"16.67", "16.67", "16.66"}, amounts(t, shares))
	})
}

func TestCalculateShares(t *testing.T) {
	ids := users(2)
	participants := []Participant{
		{UserID: ids[0], Shares: 2},
		{UserID: ids[1], Shares: 3},
	}

	shares, err := Calculate(PolicyShares, dec("75.50"), participants)
	require.NoError(t, err)
	assert.Equal(t, []string{"30.20", "45.30"}, amounts(t, shares))
}

// Shares must sum to the total exactly under every policy.
func TestCalculateSumEqualsTotal(t *testing.T) {
	ids := users(3)
	tests := []struct {
		name         string
		policy       Policy
		total        string
		participants []Participant
	}{
		{
			name:   "equal with repeating decimal",
			policy: PolicyEqual, total: "100.00",
			participants: []Participant{{UserID: ids[0]}, {UserID: ids[1]}, {UserID: ids[2]}},
		},
		{
			name:   "exact",
			policy: PolicyExact, total: "10.00",
			participants: []Participant{
				{UserID: ids[0], Amount: decPtr("3.33")},
				{UserID: ids[1], Amount: decPtr("6.67")},
			},
		},
		{
			name:   "percentage thirds",
			policy: PolicyPercentage, total: "20.00",
			participants: []Participant{
				{UserID: ids[0], Percentage: decPtr("33.33")},
				{UserID: ids[1], Percentage: decPtr("33.33")},
				{UserID: ids[2], Percentage: decPtr("33.34")},
			},
		},
		{
			name:   "uneven shares",
			policy: PolicyShares, total: "99.99",
			participants: []Participant{
				{UserID: ids[0], Shares: 1},
				{UserID: ids[1], Shares: 2},
				{UserID: ids[2], Shares: 4},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := Calculate(tt.policy, dec(tt.total), tt.participants)
			require.NoError(t, err)

			sum := decimal.Zero
			for _, s := range shares {
				sum = sum.Add(s.Amount)
			}
			assert.True(t, sum.Equal(dec(tt.total)), "sum %s != total %s", sum, tt.total)
		})
	}
}

func TestValidate(t *testing.T) {
	ids := users(2)
	tests := []struct {
		name         string
		policy       Policy
		total        string
		participants []Participant
		wantErr      error
	}{
		{name: "zero total", policy: PolicyEqual, total: "0", participants: []Participant{{UserID: ids[0]}}, wantErr: ErrAmountNotPositive},
		{name: "negative total", policy: PolicyEqual, total: "-5.00", participants: []Participant{{UserID: ids[0]}}, wantErr: ErrAmountNotPositive},
		{name: "no participants", policy: PolicyEqual, total: "10.00", participants: nil, wantErr: ErrNoParticipants},
		{name: "unknown policy", policy: Policy("halvsies"), total: "10.00", participants: []Participant{{UserID: ids[0]}}, wantErr: ErrUnknownPolicy},
		{
			name: "exact missing amount", policy: PolicyExact, total: "10.00",
			participants: []Participant{{UserID: ids[0], Amount: decPtr("10.00")}, {UserID: ids[1]}},
			wantErr:      ErrMissingExactAmount,
		},
		{
			name: "exact negative amount", policy: PolicyExact, total: "10.00",
			participants: []Participant{{UserID: ids[0], Amount: decPtr("-1.00")}, {UserID: ids[1], Amount: decPtr("11.00")}},
			wantErr:      ErrNegativeExactAmount,
		},
		{
			name: "exact sum mismatch", policy: PolicyExact, total: "10.00",
			participants: []Participant{{UserID: ids[0], Amount: decPtr("4.00")}, {UserID: ids[1], Amount: decPtr("5.00")}},
			wantErr:      ErrExactSumMismatch,
		},
		{
			name: "percentage above 100", policy: PolicyPercentage, total: "10.00",
			participants: []Participant{{UserID: ids[0], Percentage: decPtr("101")}},
			wantErr:      ErrPercentageOutOfRange,
		},
		{
			name: "percentage zero", policy: PolicyPercentage, total: "10.00",
			participants: []Participant{{UserID: ids[0], Percentage: decPtr("0")}, {UserID: ids[1], Percentage: decPtr("100")}},
			wantErr:      ErrPercentageOutOfRange,
		},
		{
			name: "percentages not 100", policy: PolicyPercentage, total: "10.00",
			participants: []Participant{{UserID: ids[0], Percentage: decPtr("60")}, {UserID: ids[1], Percentage: decPtr("30")}},
			wantErr:      ErrPercentageSum,
		},
		{
			name: "zero shares", policy: PolicyShares, total: "10.00",
			participants: []Participant{{UserID: ids[0], Shares: 1}, {UserID: ids[1], Shares: 0}},
			wantErr:      ErrInvalidShares,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.policy, dec(tt.total), tt.participants)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = Calculate(tt.policy, dec(tt.total), tt.participants)
			assert.ErrorIs(t, err, tt.wantErr, "Calculate must validate first")
		})
	}
}

// Exact allows a participant to owe nothing; the zero share still appears in
// the output so provenance is kept per participant.
func TestCalculateExactZeroShare(t *testing.T) {
	ids := users(2)
	participants := []Participant{
		{UserID: ids[0], Amount: decPtr("0.00")},
		{UserID: ids[1], Amount: decPtr("8.00")},
	}

	shares, err := Calculate(PolicyExact, dec("8.00"), participants)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.00", "8.00"}, amounts(t, shares))
}
