// Package pnl implements the profit-and-loss and share arithmetic for
// broker settlement accounts.
//
// The master formula set:
//   - PnL = exchangeBalance − funding (signed; negative = client loss)
//   - Share% selection: loss → lossPercent, profit → profitPercent, with a
//     fallback percentage when the sign-specific one is 0
//   - ExactShare = |PnL| × Share% / 100 (exact, no rounding)
//   - FinalShare = floor(ExactShare), never round-half-up
//
// All stored money values are int64 in whole account-currency units. The
// exact share is the single real-valued quantity and uses shopspring/decimal
// — never float64 for money. Everything in this package is a pure function
// of its arguments.
package pnl

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPercentOutOfRange is returned when a share percentage falls
	// outside [0, 100].
	ErrPercentOutOfRange = errors.New("pnl: share percentage must be between 0 and 100")
)

// Abs returns |v| for an int64 money amount.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0, or +1. Zero is its own sign state: the cycle manager
// treats a move to or from zero as a sign change.
func Sign(v int64) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// ValidatePercent checks that a share percentage is within [0, 100].
func ValidatePercent(p int64) error {
	if p < 0 || p > 100 {
		return ErrPercentOutOfRange
	}
	return nil
}

// Snapshot is the minimal account state the share calculation reads.
type Snapshot struct {
	Funding         int64
	ExchangeBalance int64
	LossPercent     int64
	ProfitPercent   int64
	FallbackPercent int64
}

// Result holds the derived PnL and share values for one snapshot.
type Result struct {
	// PnL is exchangeBalance − funding. Negative means the client lost money.
	PnL int64

	// Percent is the share percentage actually selected. Zero when PnL is
	// zero (no selection happens for a flat account).
	Percent int64

	// Exact is |PnL| × Percent / 100 with no rounding.
	Exact decimal.Decimal

	// Final is floor(Exact), the integer share amount owed.
	Final int64
}

// Compute derives PnL, the applicable share percentage, and the exact and
// floored share from a snapshot. Pure and deterministic; percentages are
// assumed validated at the edge.
func Compute(s Snapshot) Result {
	p := s.ExchangeBalance - s.Funding
	if p == 0 {
		// Flat account: share is defined as 0 and no percentage is selected.
		return Result{PnL: 0, Percent: 0, Exact: decimal.Zero, Final: 0}
	}

	pct := s.ProfitPercent
	if p < 0 {
		pct = s.LossPercent
	}
	if pct == 0 {
		pct = s.FallbackPercent
	}

	// |PnL| × pct / 100 computed as a decimal shift, so there is no
	// division and no intermediate int64 overflow.
	exact := decimal.NewFromInt(Abs(p)).Mul(decimal.NewFromInt(pct)).Shift(-2)

	return Result{
		PnL:     p,
		Percent: pct,
		Exact:   exact,
		Final:   exact.Floor().IntPart(),
	}
}

// SplitShare divides a final share between the broker's own book and a
// referrer. The referrer gets floor(final × referrerPercent / total) and the
// broker keeps the remainder, so the two parts always sum to final. A zero
// total assigns everything to the broker.
func SplitShare(final, ownPercent, referrerPercent int64) (own, referrer int64) {
	total := ownPercent + referrerPercent
	if total <= 0 || final <= 0 {
		return final, 0
	}
	num := decimal.NewFromInt(final).Mul(decimal.NewFromInt(referrerPercent))
	q, _ := num.QuoRem(decimal.NewFromInt(total), 0)
	referrer = q.IntPart()
	return final - referrer, referrer
}
