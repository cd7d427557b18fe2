// Package settle implements the settlement-side arithmetic: how much of a
// locked cycle obligation remains, and how a share-space payment maps back
// into the capital-space ledger fields.
//
// Payments are made in share units (the partner's cut), but the ledger
// stores capital amounts (funding, exchange balance). The masked-capital
// formula converts between the two proportionally against the locked cycle:
//
//	maskedCapital = floor(paid × |lockedPnL| / lockedShare)
//
// Paying the full locked share therefore moves the full locked |PnL| of
// capital, flattening the account exactly.
//
// All functions are pure; persistence and locking belong to the caller.
package settle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/brokerops/settlement-engine/internal/pnl"
)

var (
	// ErrInvalidPayment is returned for a non-positive amount, a payment
	// against a flat (zero PnL) account, or an amount exceeding what is
	// currently owed.
	ErrInvalidPayment = errors.New("settle: invalid payment")

	// ErrInvalidState is returned when settlement math is attempted
	// against an unlocked cycle or a zero locked share. This is the
	// division guard: it must surface as a typed error, never as a
	// runtime arithmetic fault.
	ErrInvalidState = errors.New("settle: no locked settlement cycle")
)

// Breakdown is the settlement position of one cycle.
type Breakdown struct {
	// Remaining is how much of the locked share is still owed.
	Remaining int64

	// Overpaid is how far settlements have exceeded the locked share.
	// At most one of Remaining and Overpaid is non-zero.
	Overpaid int64
}

// Remaining computes the outstanding and overpaid amounts for a cycle from
// the locked share and the sum of settlements recorded in that cycle.
func Remaining(lockedShare, totalSettled int64) Breakdown {
	b := Breakdown{}
	if d := lockedShare - totalSettled; d > 0 {
		b.Remaining = d
	} else {
		b.Overpaid = -d
	}
	return b
}

// ValidatePayment checks a payment amount against the account's current PnL.
// The guard is against the live PnL, not the locked one: a payment may never
// exceed what is owed right now, independent of the cycle lock.
func ValidatePayment(paid, currentPnL int64) error {
	if paid <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidPayment, paid)
	}
	if currentPnL == 0 {
		return fmt.Errorf("%w: account is already settled (PnL is zero)", ErrInvalidPayment)
	}
	if m := pnl.Abs(currentPnL); paid > m {
		return fmt.Errorf("%w: amount %d exceeds current |PnL| %d", ErrInvalidPayment, paid, m)
	}
	return nil
}

// MaskedCapital maps a share-space payment into capital space against the
// locked cycle: floor(paid × |lockedPnL| / lockedShare). The product is
// computed with decimals so it cannot overflow int64. A zero (or negative)
// locked share means the cycle was never locked: ErrInvalidState, not a
// division fault.
func MaskedCapital(paid, lockedPnL, lockedShare int64) (int64, error) {
	if lockedShare <= 0 {
		return 0, fmt.Errorf("%w: locked share is %d", ErrInvalidState, lockedShare)
	}
	num := decimal.NewFromInt(paid).Mul(decimal.NewFromInt(pnl.Abs(lockedPnL)))
	q, _ := num.QuoRem(decimal.NewFromInt(lockedShare), 0)
	return q.IntPart(), nil
}
