// Package cycle implements the settlement-cycle lock for account ledgers.
//
// A partner's share of an account's PnL is frozen ("locked") at the start of
// a settlement cycle so that partial payments are measured against a fixed
// target. Without the lock, every payment would move funding or the exchange
// balance, which moves PnL, which would shrink the share still owed, and the
// obligation would chase a moving target.
//
// The lock is re-evaluated lazily, whenever a remaining-amount or payment
// operation needs it. It resets, starting a fresh cycle, only when the
// underlying exposure has materially changed character:
//
//   - the PnL sign flipped (loss ↔ profit, or to/from exactly zero),
//   - the PnL magnitude shrank below the locked magnitude, or
//   - funding changed since the lock was taken.
//
// A magnitude increase with the same sign and unchanged funding keeps the
// existing lock: the obligation is still at least what was locked.
package cycle

import (
	"time"

	"github.com/brokerops/settlement-engine/internal/model"
	"github.com/brokerops/settlement-engine/internal/pnl"
)

// Outcome describes what EnsureLock did to the ledger's cycle state.
type Outcome string

const (
	// OutcomeNone means no lock existed and none was established because
	// the current final share is zero. Zero shares are never locked.
	OutcomeNone Outcome = "none"

	// OutcomeLocked means a fresh lock was established.
	OutcomeLocked Outcome = "locked"

	// OutcomeReset means an active lock was cleared because a reset
	// condition held, and the state was re-evaluated (the ledger may or
	// may not carry a new lock afterwards, depending on the new share).
	OutcomeReset Outcome = "reset"

	// OutcomeUnchanged means an active lock was still valid and persists
	// untouched. Calling EnsureLock again without intervening mutation
	// returns this.
	OutcomeUnchanged Outcome = "unchanged"
)

// Reset reasons, evaluated in this order. The first match wins.
const (
	ReasonSignFlip           = "sign_flip"
	ReasonMagnitudeReduction = "magnitude_reduction"
	ReasonFundingChange      = "funding_change"
)

// Result reports the outcome of one EnsureLock evaluation.
type Result struct {
	Outcome Outcome

	// Reason names the reset trigger when Outcome is OutcomeReset.
	Reason string

	// Changed reports whether the ledger's lock fields were modified and
	// need persisting.
	Changed bool
}

// EnsureLock establishes or refreshes the settlement-cycle lock on a ledger.
// It mutates the ledger in memory only; the caller persists when
// Result.Changed is true. Callers must hold the ledger's critical section.
//
// Idempotent: a second call with no intervening ledger mutation leaves every
// lock field bit-identical.
func EnsureLock(l *model.AccountLedger, now time.Time) Result {
	r := pnl.Compute(pnl.Snapshot{
		Funding:         l.Funding,
		ExchangeBalance: l.ExchangeBalance,
		LossPercent:     l.LossSharePercent,
		ProfitPercent:   l.ProfitSharePercent,
		FallbackPercent: l.FallbackPercent,
	})

	if !l.Locked() {
		if lock(l, r, now) {
			return Result{Outcome: OutcomeLocked, Changed: true}
		}
		return Result{Outcome: OutcomeNone}
	}

	if reason := resetReason(l, r); reason != "" {
		l.ClearLock()
		lock(l, r, now)
		return Result{Outcome: OutcomeReset, Reason: reason, Changed: true}
	}

	return Result{Outcome: OutcomeUnchanged}
}

// lock freezes the current share as the cycle obligation. Returns false
// without touching the ledger when the share is zero: a zero share is not an
// obligation, so no cycle starts.
func lock(l *model.AccountLedger, r pnl.Result, now time.Time) bool {
	if r.Final == 0 {
		return false
	}
	share := r.Final
	p := r.PnL
	funding := l.Funding
	pct := r.Percent
	start := now.UTC()

	l.LockedShare = &share
	l.LockedPnL = &p
	l.LockedFunding = &funding
	l.LockedPercent = &pct
	l.CycleStart = &start
	return true
}

// resetReason evaluates the reset conditions against an active lock, in
// order: sign flip, magnitude reduction, funding change. Returns "" when the
// lock is still valid.
func resetReason(l *model.AccountLedger, r pnl.Result) string {
	if pnl.Sign(r.PnL) != pnl.Sign(*l.LockedPnL) {
		return ReasonSignFlip
	}
	if pnl.Abs(r.PnL) < pnl.Abs(*l.LockedPnL) {
		return ReasonMagnitudeReduction
	}
	if l.Funding != *l.LockedFunding {
		return ReasonFundingChange
	}
	return ""
}
