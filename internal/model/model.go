// Package model defines the core domain types shared across the settlement
// engine. Money fields are int64 in whole account-currency units — PnL, share,
// and settlement arithmetic is integer arithmetic with floor division; the
// only real-valued quantity (the exact share) uses shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit entry types, one per kind of ledger mutation.
const (
	TxFunding    = "FUNDING"
	TxTrade      = "TRADE"
	TxFee        = "FEE"
	TxAdjustment = "ADJUSTMENT"
	TxPayment    = "RECORD_PAYMENT"
)

// Client is a counterparty the broker advances funding to.
type Client struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Code          string    `json:"code" db:"code"` // unique reference code
	ReferredBy    string    `json:"referred_by,omitempty" db:"referred_by"`
	CompanyClient bool      `json:"company_client" db:"company_client"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Exchange is an external trading venue a client holds a balance on.
type Exchange struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Code      string    `json:"code" db:"code"` // unique reference code
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AccountLedger holds the authoritative money fields and the settlement-cycle
// lock state for one client on one exchange. Exactly one ledger exists per
// (client, exchange) pair.
//
// The five Locked*/CycleStart fields are all nil when no cycle lock is active.
// A lock is only ever established while PnL is non-zero; zero-PnL states are
// never locked.
type AccountLedger struct {
	ID           string `json:"id" db:"id"`
	ClientID     string `json:"client_id" db:"client_id"`
	ExchangeID   string `json:"exchange_id" db:"exchange_id"`
	ClientCode   string `json:"client_code" db:"client_code"`
	ExchangeCode string `json:"exchange_code" db:"exchange_code"`

	// Funding is cumulative real money advanced to the client. Mutated only
	// by funding additions and by settlement application.
	Funding int64 `json:"funding" db:"funding"`

	// ExchangeBalance is the current balance on the venue. Mutated only by
	// balance updates and by settlement application.
	ExchangeBalance int64 `json:"exchange_balance" db:"exchange_balance"`

	// Share percentages, integers in [0,100]. The fallback applies when the
	// sign-specific percentage is 0.
	LossSharePercent   int64 `json:"loss_share_percent" db:"loss_share_percent"`
	ProfitSharePercent int64 `json:"profit_share_percent" db:"profit_share_percent"`
	FallbackPercent    int64 `json:"fallback_percent" db:"fallback_percent"`

	// Optional referrer split of the broker's share. Both set or both nil;
	// when set they must sum to FallbackPercent.
	OwnPercent      *int64 `json:"own_percent,omitempty" db:"own_percent"`
	ReferrerPercent *int64 `json:"referrer_percent,omitempty" db:"referrer_percent"`

	// Cycle lock state.
	LockedShare   *int64     `json:"locked_share,omitempty" db:"locked_share"`
	LockedPnL     *int64     `json:"locked_pnl,omitempty" db:"locked_pnl"`
	LockedFunding *int64     `json:"locked_funding,omitempty" db:"locked_funding"`
	LockedPercent *int64     `json:"locked_percent,omitempty" db:"locked_percent"`
	CycleStart    *time.Time `json:"cycle_start,omitempty" db:"cycle_start"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Locked reports whether a settlement cycle lock is active.
func (l *AccountLedger) Locked() bool {
	return l.LockedShare != nil
}

// ClearLock removes the cycle lock state.
func (l *AccountLedger) ClearLock() {
	l.LockedShare = nil
	l.LockedPnL = nil
	l.LockedFunding = nil
	l.LockedPercent = nil
	l.CycleStart = nil
}

// SettlementRecord is an immutable record of one payment applied against the
// locked share of a cycle. Never updated or deleted by the engine.
type SettlementRecord struct {
	ID        string    `json:"id" db:"id"`
	LedgerID  string    `json:"ledger_id" db:"ledger_id"`
	Amount    int64     `json:"amount" db:"amount"` // share units, > 0
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Notes     string    `json:"notes,omitempty" db:"notes"`
}

// AuditEntry records one mutation to the ledger's money fields. Append-only
// and write-only: the engine never reconstructs balances from this log.
type AuditEntry struct {
	ID       string `json:"id" db:"id"`
	LedgerID string `json:"ledger_id" db:"ledger_id"`
	Type     string `json:"type" db:"type"` // FUNDING, TRADE, FEE, ADJUSTMENT, RECORD_PAYMENT

	// Amount is the signed delta applied to the mutated field. For FUNDING
	// both fields move by the same amount.
	Amount int64 `json:"amount" db:"amount"`

	// Post-mutation snapshots.
	FundingAfter         int64 `json:"funding_after" db:"funding_after"`
	ExchangeBalanceAfter int64 `json:"exchange_balance_after" db:"exchange_balance_after"`

	Notes     string    `json:"notes,omitempty" db:"notes"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// ShareView is the computed PnL/share snapshot returned for one ledger.
type ShareView struct {
	LedgerID   string          `json:"ledger_id"`
	PnL        int64           `json:"pnl"`
	Percent    int64           `json:"percent"`
	ExactShare decimal.Decimal `json:"exact_share"`
	FinalShare int64           `json:"final_share"`
}

// LockState describes the cycle lock after an ensure-lock call.
type LockState struct {
	LedgerID      string     `json:"ledger_id"`
	Locked        bool       `json:"locked"`
	Outcome       string     `json:"outcome"` // "none", "locked", "reset", "unchanged"
	ResetReason   string     `json:"reset_reason,omitempty"`
	LockedShare   *int64     `json:"locked_share,omitempty"`
	LockedPnL     *int64     `json:"locked_pnl,omitempty"`
	LockedFunding *int64     `json:"locked_funding,omitempty"`
	LockedPercent *int64     `json:"locked_percent,omitempty"`
	CycleStart    *time.Time `json:"cycle_start,omitempty"`
}

// RemainingView is the settlement position of the current cycle.
type RemainingView struct {
	LedgerID          string `json:"ledger_id"`
	InitialFinalShare int64  `json:"initial_final_share"`
	TotalSettled      int64  `json:"total_settled"`
	Remaining         int64  `json:"remaining"`
	Overpaid          int64  `json:"overpaid"`

	// Referrer split of the locked share, present when configured.
	BrokerShare   *int64 `json:"broker_share,omitempty"`
	ReferrerShare *int64 `json:"referrer_share,omitempty"`
}

// PendingAccount is one row of the pending-settlement summary.
type PendingAccount struct {
	LedgerID     string `json:"ledger_id"`
	ClientCode   string `json:"client_code"`
	ExchangeCode string `json:"exchange_code"`
	PnL          int64  `json:"pnl"`
	Share        int64  `json:"share"`
}

// Summary aggregates the whole book for the back-office dashboard.
type Summary struct {
	OwedToBroker []PendingAccount `json:"owed_to_broker"` // loss accounts
	OwedByBroker []PendingAccount `json:"owed_by_broker"` // profit accounts
	OwedToTotal  int64            `json:"owed_to_total"`
	OwedByTotal  int64            `json:"owed_by_total"`

	TotalFunding         int64 `json:"total_funding"`
	TotalExchangeBalance int64 `json:"total_exchange_balance"`
	TotalPnL             int64 `json:"total_pnl"`
	AccountCount         int   `json:"account_count"`
}
