package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerops/settlement-engine/internal/model"
	"github.com/brokerops/settlement-engine/internal/refcode"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only the hot single-row
// reads are cached; listings and aggregates always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, cache or invalidate) ---

func (s *CachedStore) CreateClient(ctx context.Context, c *model.Client) error {
	if err := s.primary.CreateClient(ctx, c); err != nil {
		return err
	}
	s.cacheJSON(ctx, clientKey(c.ID), c)
	return nil
}

func (s *CachedStore) CreateExchange(ctx context.Context, e *model.Exchange) error {
	if err := s.primary.CreateExchange(ctx, e); err != nil {
		return err
	}
	s.cacheJSON(ctx, exchangeKey(e.ID), e)
	return nil
}

func (s *CachedStore) CreateLedger(ctx context.Context, l *model.AccountLedger) error {
	if err := s.primary.CreateLedger(ctx, l); err != nil {
		return err
	}
	s.cacheJSON(ctx, ledgerKey(l.ID), l)
	s.rdb.Set(ctx, pairKey(l.ClientCode, l.ExchangeCode), l.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateLedger(ctx context.Context, l *model.AccountLedger) error {
	if err := s.primary.UpdateLedger(ctx, l); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, ledgerKey(l.ID))
	return nil
}

func (s *CachedStore) ApplyLedgerMutation(ctx context.Context, l *model.AccountLedger, audit *model.AuditEntry) error {
	if err := s.primary.ApplyLedgerMutation(ctx, l, audit); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(l.ID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, l *model.AccountLedger, rec *model.SettlementRecord, audit *model.AuditEntry) error {
	if err := s.primary.ApplySettlement(ctx, l, rec, audit); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(l.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	data, err := s.rdb.Get(ctx, clientKey(id)).Bytes()
	if err == nil {
		var c model.Client
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, clientKey(id), c)
	return c, nil
}

func (s *CachedStore) GetExchange(ctx context.Context, id string) (*model.Exchange, error) {
	data, err := s.rdb.Get(ctx, exchangeKey(id)).Bytes()
	if err == nil {
		var e model.Exchange
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetExchange(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, exchangeKey(id), e)
	return e, nil
}

func (s *CachedStore) GetLedger(ctx context.Context, id string) (*model.AccountLedger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(id)).Bytes()
	if err == nil {
		var l model.AccountLedger
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, ledgerKey(id), l)
	return l, nil
}

func (s *CachedStore) GetLedgerByPair(ctx context.Context, clientCode, exchangeCode string) (*model.AccountLedger, error) {
	// Try cache via pair→ledgerID mapping.
	id, err := s.rdb.Get(ctx, pairKey(clientCode, exchangeCode)).Result()
	if err == nil {
		return s.GetLedger(ctx, id)
	}

	l, err := s.primary.GetLedgerByPair(ctx, clientCode, exchangeCode)
	if err != nil {
		return nil, err
	}

	// Cache both the ledger and the pair→ID mapping.
	s.cacheJSON(ctx, ledgerKey(l.ID), l)
	s.rdb.Set(ctx, pairKey(clientCode, exchangeCode), l.ID, s.ttl)
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetClientByCode(ctx context.Context, code string) (*model.Client, error) {
	return s.primary.GetClientByCode(ctx, code)
}

func (s *CachedStore) GetExchangeByCode(ctx context.Context, code string) (*model.Exchange, error) {
	return s.primary.GetExchangeByCode(ctx, code)
}

func (s *CachedStore) ListClients(ctx context.Context) ([]model.Client, error) {
	return s.primary.ListClients(ctx)
}

func (s *CachedStore) ListExchanges(ctx context.Context) ([]model.Exchange, error) {
	return s.primary.ListExchanges(ctx)
}

func (s *CachedStore) ListLedgers(ctx context.Context, f LedgerFilter) ([]model.AccountLedger, error) {
	return s.primary.ListLedgers(ctx, f)
}

func (s *CachedStore) ListSettlements(ctx context.Context, ledgerID string) ([]model.SettlementRecord, error) {
	return s.primary.ListSettlements(ctx, ledgerID)
}

func (s *CachedStore) SumSettlementsSince(ctx context.Context, ledgerID string, since time.Time) (int64, error) {
	return s.primary.SumSettlementsSince(ctx, ledgerID, since)
}

func (s *CachedStore) ListAuditEntries(ctx context.Context, ledgerID string) ([]model.AuditEntry, error) {
	return s.primary.ListAuditEntries(ctx, ledgerID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func ledgerKey(id string) string   { return fmt.Sprintf("ledger:%s", id) }
func clientKey(id string) string   { return fmt.Sprintf("client:%s", id) }
func exchangeKey(id string) string { return fmt.Sprintf("exchange:%s", id) }

func pairKey(clientCode, exchangeCode string) string {
	return "pair:" + refcode.PairKey(clientCode, exchangeCode)
}
