package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brokerops/settlement-engine/internal/model"
	"github.com/brokerops/settlement-engine/internal/refcode"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	clients     map[string]*model.Client
	exchanges   map[string]*model.Exchange
	ledgers     map[string]*model.AccountLedger
	pairs       map[string]string // refcode.PairKey → ledger ID
	settlements []model.SettlementRecord
	audit       []model.AuditEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:   make(map[string]*model.Client),
		exchanges: make(map[string]*model.Exchange),
		ledgers:   make(map[string]*model.AccountLedger),
		pairs:     make(map[string]string),
	}
}

// --- Clients ---

func (s *MemoryStore) CreateClient(_ context.Context, c *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.clients {
		if existing.Code == c.Code {
			return fmt.Errorf("%w: client code %s", ErrDuplicate, c.Code)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, id string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetClientByCode(_ context.Context, code string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: client code %s", ErrNotFound, code)
}

func (s *MemoryStore) ListClients(_ context.Context) ([]model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]model.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, *c)
	}
	sortNewestFirst(clients, func(c model.Client) (time.Time, string) { return c.CreatedAt, c.ID })
	return clients, nil
}

// --- Exchanges ---

func (s *MemoryStore) CreateExchange(_ context.Context, e *model.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.exchanges {
		if existing.Code == e.Code {
			return fmt.Errorf("%w: exchange code %s", ErrDuplicate, e.Code)
		}
	}

	cp := *e
	s.exchanges[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExchange(_ context.Context, id string) (*model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exchanges[id]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetExchangeByCode(_ context.Context, code string) (*model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.exchanges {
		if e.Code == code {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: exchange code %s", ErrNotFound, code)
}

func (s *MemoryStore) ListExchanges(_ context.Context) ([]model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exchanges := make([]model.Exchange, 0, len(s.exchanges))
	for _, e := range s.exchanges {
		exchanges = append(exchanges, *e)
	}
	sortNewestFirst(exchanges, func(e model.Exchange) (time.Time, string) { return e.CreatedAt, e.ID })
	return exchanges, nil
}

// --- Account ledgers ---

func (s *MemoryStore) CreateLedger(_ context.Context, l *model.AccountLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := refcode.PairKey(l.ClientCode, l.ExchangeCode)
	if _, exists := s.pairs[key]; exists {
		return fmt.Errorf("%w: ledger for pair %s", ErrDuplicate, key)
	}

	s.ledgers[l.ID] = cloneLedger(l)
	s.pairs[key] = l.ID
	return nil
}

func (s *MemoryStore) GetLedger(_ context.Context, id string) (*model.AccountLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, id)
	}
	return cloneLedger(l), nil
}

func (s *MemoryStore) GetLedgerByPair(_ context.Context, clientCode, exchangeCode string) (*model.AccountLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := refcode.PairKey(clientCode, exchangeCode)
	id, ok := s.pairs[key]
	if !ok {
		return nil, fmt.Errorf("%w: ledger for pair %s", ErrNotFound, key)
	}
	// Direct access, already under RLock.
	l, ok := s.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, id)
	}
	return cloneLedger(l), nil
}

func (s *MemoryStore) ListLedgers(_ context.Context, f LedgerFilter) ([]model.AccountLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledgers := make([]model.AccountLedger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		if f.ClientCode != "" && l.ClientCode != f.ClientCode {
			continue
		}
		if f.ExchangeCode != "" && l.ExchangeCode != f.ExchangeCode {
			continue
		}
		ledgers = append(ledgers, *cloneLedger(l))
	}
	sortNewestFirst(ledgers, func(l model.AccountLedger) (time.Time, string) { return l.CreatedAt, l.ID })
	return ledgers, nil
}

func (s *MemoryStore) UpdateLedger(_ context.Context, l *model.AccountLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLedgerLocked(l)
}

// updateLedgerLocked replaces a ledger and refreshes its UpdatedAt, matching
// the SQL implementation. Callers hold s.mu.
func (s *MemoryStore) updateLedgerLocked(l *model.AccountLedger) error {
	if _, ok := s.ledgers[l.ID]; !ok {
		return fmt.Errorf("%w: ledger %s", ErrNotFound, l.ID)
	}
	cp := cloneLedger(l)
	cp.UpdatedAt = time.Now().UTC()
	s.ledgers[l.ID] = cp
	return nil
}

// --- Settlements ---

func (s *MemoryStore) ListSettlements(_ context.Context, ledgerID string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementRecord
	for _, rec := range s.settlements {
		if rec.LedgerID == ledgerID {
			result = append(result, rec)
		}
	}
	sortNewestFirst(result, func(r model.SettlementRecord) (time.Time, string) { return r.Timestamp, r.ID })
	return result, nil
}

func (s *MemoryStore) SumSettlementsSince(_ context.Context, ledgerID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, rec := range s.settlements {
		// Boundary is inclusive: a settlement stamped exactly at the cycle
		// start belongs to that cycle.
		if rec.LedgerID == ledgerID && !rec.Timestamp.Before(since) {
			sum += rec.Amount
		}
	}
	return sum, nil
}

// --- Audit trail ---

func (s *MemoryStore) ListAuditEntries(_ context.Context, ledgerID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audit {
		if e.LedgerID == ledgerID {
			result = append(result, e)
		}
	}
	sortNewestFirst(result, func(e model.AuditEntry) (time.Time, string) { return e.Timestamp, e.ID })
	return result, nil
}

// --- Atomic mutations ---

func (s *MemoryStore) ApplyLedgerMutation(_ context.Context, l *model.AccountLedger, audit *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateLedgerLocked(l); err != nil {
		return err
	}
	s.audit = append(s.audit, *audit)
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, l *model.AccountLedger, rec *model.SettlementRecord, audit *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateLedgerLocked(l); err != nil {
		return err
	}
	s.settlements = append(s.settlements, *rec)
	s.audit = append(s.audit, *audit)
	return nil
}

// --- Helpers ---

// cloneLedger deep-copies the pointer-valued lock and split fields so store
// state can never alias caller state.
func cloneLedger(l *model.AccountLedger) *model.AccountLedger {
	cp := *l
	cp.OwnPercent = cloneInt64(l.OwnPercent)
	cp.ReferrerPercent = cloneInt64(l.ReferrerPercent)
	cp.LockedShare = cloneInt64(l.LockedShare)
	cp.LockedPnL = cloneInt64(l.LockedPnL)
	cp.LockedFunding = cloneInt64(l.LockedFunding)
	cp.LockedPercent = cloneInt64(l.LockedPercent)
	cp.CycleStart = cloneTime(l.CycleStart)
	return &cp
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// sortNewestFirst orders by timestamp descending, ID as tiebreak, matching
// the SQL implementations.
func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi < idj
	})
}
