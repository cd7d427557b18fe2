package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerops/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money columns are BIGINT (whole account-currency units); nullable lock
// columns scan straight into the model's pointer fields.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so single-statement
// helpers can run inside or outside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// rowScanner is the common surface of pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Clients ---

func (s *PostgresStore) CreateClient(ctx context.Context, c *model.Client) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, code, referred_by, company_client, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Name, c.Code, c.ReferredBy, c.CompanyClient, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: client code %s", ErrDuplicate, c.Code)
	}
	return err
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	return s.getClient(ctx, "id", id)
}

func (s *PostgresStore) GetClientByCode(ctx context.Context, code string) (*model.Client, error) {
	return s.getClient(ctx, "code", code)
}

func (s *PostgresStore) getClient(ctx context.Context, col, val string) (*model.Client, error) {
	var c model.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, code, referred_by, company_client, created_at
		 FROM clients WHERE `+col+` = $1`, val).
		Scan(&c.ID, &c.Name, &c.Code, &c.ReferredBy, &c.CompanyClient, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: client %s", ErrNotFound, val)
		}
		return nil, fmt.Errorf("get client %s: %w", val, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, code, referred_by, company_client, created_at
		 FROM clients ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.ReferredBy, &c.CompanyClient, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// --- Exchanges ---

func (s *PostgresStore) CreateExchange(ctx context.Context, e *model.Exchange) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exchanges (id, name, code, created_at)
		 VALUES ($1, $2, $3, $4)`,
		e.ID, e.Name, e.Code, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: exchange code %s", ErrDuplicate, e.Code)
	}
	return err
}

func (s *PostgresStore) GetExchange(ctx context.Context, id string) (*model.Exchange, error) {
	return s.getExchange(ctx, "id", id)
}

func (s *PostgresStore) GetExchangeByCode(ctx context.Context, code string) (*model.Exchange, error) {
	return s.getExchange(ctx, "code", code)
}

func (s *PostgresStore) getExchange(ctx context.Context, col, val string) (*model.Exchange, error) {
	var e model.Exchange
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, code, created_at FROM exchanges WHERE `+col+` = $1`, val).
		Scan(&e.ID, &e.Name, &e.Code, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, val)
		}
		return nil, fmt.Errorf("get exchange %s: %w", val, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListExchanges(ctx context.Context) ([]model.Exchange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, code, created_at FROM exchanges ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []model.Exchange
	for rows.Next() {
		var e model.Exchange
		if err := rows.Scan(&e.ID, &e.Name, &e.Code, &e.CreatedAt); err != nil {
			return nil, err
		}
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

// --- Account ledgers ---

const ledgerColumns = `id, client_id, exchange_id, client_code, exchange_code,
	        funding, exchange_balance,
	        loss_share_percent, profit_share_percent, fallback_percent,
	        own_percent, referrer_percent,
	        locked_share, locked_pnl, locked_funding, locked_percent, cycle_start,
	        created_at, updated_at`

func scanLedger(row rowScanner) (*model.AccountLedger, error) {
	var l model.AccountLedger
	err := row.Scan(&l.ID, &l.ClientID, &l.ExchangeID, &l.ClientCode, &l.ExchangeCode,
		&l.Funding, &l.ExchangeBalance,
		&l.LossSharePercent, &l.ProfitSharePercent, &l.FallbackPercent,
		&l.OwnPercent, &l.ReferrerPercent,
		&l.LockedShare, &l.LockedPnL, &l.LockedFunding, &l.LockedPercent, &l.CycleStart,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CreateLedger(ctx context.Context, l *model.AccountLedger) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_ledgers (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		l.ID, l.ClientID, l.ExchangeID, l.ClientCode, l.ExchangeCode,
		l.Funding, l.ExchangeBalance,
		l.LossSharePercent, l.ProfitSharePercent, l.FallbackPercent,
		l.OwnPercent, l.ReferrerPercent,
		l.LockedShare, l.LockedPnL, l.LockedFunding, l.LockedPercent, l.CycleStart,
		l.CreatedAt, l.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: ledger for pair %s:%s", ErrDuplicate, l.ClientCode, l.ExchangeCode)
	}
	return err
}

func (s *PostgresStore) GetLedger(ctx context.Context, id string) (*model.AccountLedger, error) {
	l, err := scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM account_ledgers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get ledger %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) GetLedgerByPair(ctx context.Context, clientCode, exchangeCode string) (*model.AccountLedger, error) {
	l, err := scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM account_ledgers
		 WHERE client_code = $1 AND exchange_code = $2`, clientCode, exchangeCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ledger for pair %s:%s", ErrNotFound, clientCode, exchangeCode)
		}
		return nil, fmt.Errorf("get ledger by pair %s:%s: %w", clientCode, exchangeCode, err)
	}
	return l, nil
}

func (s *PostgresStore) ListLedgers(ctx context.Context, f LedgerFilter) ([]model.AccountLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM account_ledgers`
	var (
		conds []string
		args  []any
	)
	if f.ClientCode != "" {
		args = append(args, f.ClientCode)
		conds = append(conds, fmt.Sprintf("client_code = $%d", len(args)))
	}
	if f.ExchangeCode != "" {
		args = append(args, f.ExchangeCode)
		conds = append(conds, fmt.Sprintf("exchange_code = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ledgers []model.AccountLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, *l)
	}
	return ledgers, rows.Err()
}

func (s *PostgresStore) UpdateLedger(ctx context.Context, l *model.AccountLedger) error {
	return updateLedgerExec(ctx, s.pool, l)
}

func updateLedgerExec(ctx context.Context, q execer, l *model.AccountLedger) error {
	tag, err := q.Exec(ctx,
		`UPDATE account_ledgers
		 SET funding = $2, exchange_balance = $3,
		     loss_share_percent = $4, profit_share_percent = $5, fallback_percent = $6,
		     own_percent = $7, referrer_percent = $8,
		     locked_share = $9, locked_pnl = $10, locked_funding = $11,
		     locked_percent = $12, cycle_start = $13,
		     updated_at = now()
		 WHERE id = $1`,
		l.ID, l.Funding, l.ExchangeBalance,
		l.LossSharePercent, l.ProfitSharePercent, l.FallbackPercent,
		l.OwnPercent, l.ReferrerPercent,
		l.LockedShare, l.LockedPnL, l.LockedFunding, l.LockedPercent, l.CycleStart,
	)
	if err != nil {
		return fmt.Errorf("update ledger %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ledger %s", ErrNotFound, l.ID)
	}
	return nil
}

// --- Settlements ---

func insertSettlementExec(ctx context.Context, q execer, rec *model.SettlementRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO settlements (id, ledger_id, amount, timestamp, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.LedgerID, rec.Amount, rec.Timestamp, rec.Notes,
	)
	return err
}

func (s *PostgresStore) ListSettlements(ctx context.Context, ledgerID string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ledger_id, amount, timestamp, notes
		 FROM settlements WHERE ledger_id = $1 ORDER BY timestamp DESC, id`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.SettlementRecord
	for rows.Next() {
		var r model.SettlementRecord
		if err := rows.Scan(&r.ID, &r.LedgerID, &r.Amount, &r.Timestamp, &r.Notes); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) SumSettlementsSince(ctx context.Context, ledgerID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM settlements
		 WHERE ledger_id = $1 AND timestamp >= $2`, ledgerID, since).
		Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum settlements for ledger %s: %w", ledgerID, err)
	}
	return sum, nil
}

// --- Audit trail ---

func insertAuditExec(ctx context.Context, q execer, e *model.AuditEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO audit_entries (id, ledger_id, type, amount, funding_after, exchange_balance_after, notes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.LedgerID, e.Type, e.Amount, e.FundingAfter, e.ExchangeBalanceAfter, e.Notes, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, ledgerID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ledger_id, type, amount, funding_after, exchange_balance_after, notes, timestamp
		 FROM audit_entries WHERE ledger_id = $1 ORDER BY timestamp DESC, id`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.LedgerID, &e.Type, &e.Amount,
			&e.FundingAfter, &e.ExchangeBalanceAfter, &e.Notes, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Atomic mutations ---

func (s *PostgresStore) ApplyLedgerMutation(ctx context.Context, l *model.AccountLedger, audit *model.AuditEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateLedgerExec(ctx, tx, l); err != nil {
			return err
		}
		return insertAuditExec(ctx, tx, audit)
	})
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, l *model.AccountLedger, rec *model.SettlementRecord, audit *model.AuditEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateLedgerExec(ctx, tx, l); err != nil {
			return err
		}
		if err := insertSettlementExec(ctx, tx, rec); err != nil {
			return err
		}
		return insertAuditExec(ctx, tx, audit)
	})
}

// inTx runs fn in a transaction, rolling back unless it commits cleanly.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
