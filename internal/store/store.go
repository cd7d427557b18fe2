// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/brokerops/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a client, exchange, or ledger does not
	// exist. Every implementation maps its own miss signal to this.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated:
	// a reused client/exchange code or a second ledger for a pair.
	ErrDuplicate = errors.New("store: already exists")
)

// LedgerFilter narrows ListLedgers. Zero-value fields are ignored.
type LedgerFilter struct {
	ClientCode   string
	ExchangeCode string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Mutations that must be atomic
// (ledger update + settlement + audit) go through the Apply* methods so each
// implementation can provide its own transaction boundary.
type Store interface {
	// --- Clients ---

	// CreateClient persists a new client. ErrDuplicate on a reused code.
	CreateClient(ctx context.Context, c *model.Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, id string) (*model.Client, error)

	// GetClientByCode retrieves a client by its normalized reference code.
	GetClientByCode(ctx context.Context, code string) (*model.Client, error)

	// ListClients returns all clients.
	ListClients(ctx context.Context) ([]model.Client, error)

	// --- Exchanges ---

	// CreateExchange persists a new exchange. ErrDuplicate on a reused code.
	CreateExchange(ctx context.Context, e *model.Exchange) error

	// GetExchange retrieves an exchange by ID.
	GetExchange(ctx context.Context, id string) (*model.Exchange, error)

	// GetExchangeByCode retrieves an exchange by its normalized code.
	GetExchangeByCode(ctx context.Context, code string) (*model.Exchange, error)

	// ListExchanges returns all exchanges.
	ListExchanges(ctx context.Context) ([]model.Exchange, error)

	// --- Account ledgers ---

	// CreateLedger persists a new account ledger. ErrDuplicate when the
	// (client, exchange) pair already has one.
	CreateLedger(ctx context.Context, l *model.AccountLedger) error

	// GetLedger retrieves a ledger by ID.
	GetLedger(ctx context.Context, id string) (*model.AccountLedger, error)

	// GetLedgerByPair resolves the ledger for a client/exchange code pair.
	GetLedgerByPair(ctx context.Context, clientCode, exchangeCode string) (*model.AccountLedger, error)

	// ListLedgers returns ledgers matching the filter, newest first.
	ListLedgers(ctx context.Context, f LedgerFilter) ([]model.AccountLedger, error)

	// UpdateLedger persists ledger fields (money, percentages, lock state).
	UpdateLedger(ctx context.Context, l *model.AccountLedger) error

	// --- Settlements (immutable) ---

	// ListSettlements returns all settlement records for a ledger, newest
	// first.
	ListSettlements(ctx context.Context, ledgerID string) ([]model.SettlementRecord, error)

	// SumSettlementsSince totals settlement amounts for a ledger with
	// timestamp at or after since. This is the cycle-scoped aggregate:
	// callers pass the cycle start so prior cycles never leak in.
	SumSettlementsSince(ctx context.Context, ledgerID string, since time.Time) (int64, error)

	// --- Audit trail (append-only) ---

	// ListAuditEntries returns all audit entries for a ledger, newest first.
	ListAuditEntries(ctx context.Context, ledgerID string) ([]model.AuditEntry, error)

	// --- Atomic mutations ---

	// ApplyLedgerMutation persists a ledger update together with its audit
	// entry in one transaction.
	ApplyLedgerMutation(ctx context.Context, l *model.AccountLedger, audit *model.AuditEntry) error

	// ApplySettlement persists a ledger update, the settlement record, and
	// the audit entry in one transaction. Either all three land or none do.
	ApplySettlement(ctx context.Context, l *model.AccountLedger, rec *model.SettlementRecord, audit *model.AuditEntry) error
}
