// Package backoffice provides the HTTP handlers and business logic for
// managing clients, exchanges, and account ledgers, and for running the
// settlement workflow: PnL/share computation, cycle locking, payment
// recording, and the audit trail.
//
// All money values are int64 in whole account-currency units; the exact
// share uses shopspring/decimal — never float64 for money.
package backoffice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brokerops/settlement-engine/internal/cycle"
	"github.com/brokerops/settlement-engine/internal/metrics"
	"github.com/brokerops/settlement-engine/internal/model"
	"github.com/brokerops/settlement-engine/internal/pnl"
	"github.com/brokerops/settlement-engine/internal/refcode"
	"github.com/brokerops/settlement-engine/internal/settle"
	"github.com/brokerops/settlement-engine/internal/store"
)

// Service handles settlement operations. Mutations of one account serialize
// on a per-ledger mutex (single-instance). For horizontal scaling, replace
// with distributed locking or database-level optimistic concurrency.
type Service struct {
	store store.Store
	hub   *WSHub // optional WebSocket hub for real-time broadcasts
	locks ledgerLocks
}

// NewService creates a new back-office service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	return &Service{
		store: st,
		hub:   hub,
	}
}

// ledgerLocks hands out one mutex per ledger ID so operations on the same
// account serialize while unrelated accounts proceed in parallel.
type ledgerLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (g *ledgerLocks) get(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m == nil {
		g.m = make(map[string]*sync.Mutex)
	}
	mu, ok := g.m[id]
	if !ok {
		mu = &sync.Mutex{}
		g.m[id] = mu
	}
	return mu
}

// Routes returns the /api/v1 route tree for the service.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/clients", s.CreateClient)
	r.Get("/clients", s.ListClients)
	r.Get("/clients/{clientID}", s.GetClient)

	r.Post("/exchanges", s.CreateExchange)
	r.Get("/exchanges", s.ListExchanges)
	r.Get("/exchanges/{exchangeID}", s.GetExchange)

	r.Post("/ledgers", s.CreateLedger)
	r.Get("/ledgers", s.ListLedgers)
	r.Get("/ledgers/lookup", s.LookupLedger)
	r.Get("/ledgers/{ledgerID}", s.GetLedger)

	r.Get("/ledgers/{ledgerID}/pnl", s.GetPnL)
	r.Post("/ledgers/{ledgerID}/cycle", s.EnsureCycle)
	r.Get("/ledgers/{ledgerID}/remaining", s.GetRemaining)
	r.Post("/ledgers/{ledgerID}/payments", s.RecordPayment)
	r.Get("/ledgers/{ledgerID}/settlements", s.ListSettlements)
	r.Get("/ledgers/{ledgerID}/audit", s.ListAuditEntries)
	r.Post("/ledgers/{ledgerID}/funding", s.AddFunding)
	r.Put("/ledgers/{ledgerID}/balance", s.UpdateBalance)
	r.Put("/ledgers/{ledgerID}/split", s.UpdateSplit)

	r.Get("/summary", s.GetSummary)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

// --- Request/Response types ---

// CreateClientRequest is the JSON body for client creation.
type CreateClientRequest struct {
	Name          string `json:"name"`
	Code          string `json:"code"`
	ReferredBy    string `json:"referred_by"`
	CompanyClient bool   `json:"company_client"`
}

// CreateExchangeRequest is the JSON body for exchange creation.
type CreateExchangeRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// CreateLedgerRequest is the JSON body for opening an account ledger.
type CreateLedgerRequest struct {
	ClientCode         string `json:"client_code"`
	ExchangeCode       string `json:"exchange_code"`
	Funding            int64  `json:"funding"`
	ExchangeBalance    int64  `json:"exchange_balance"`
	LossSharePercent   int64  `json:"loss_share_percent"`
	ProfitSharePercent int64  `json:"profit_share_percent"`
	FallbackPercent    int64  `json:"fallback_percent"`
	OwnPercent         *int64 `json:"own_percent"`
	ReferrerPercent    *int64 `json:"referrer_percent"`
}

// PaymentRequest is the JSON body for POST /ledgers/{id}/payments.
// Amount is in share units, against the locked cycle share.
type PaymentRequest struct {
	Amount int64  `json:"amount"`
	Notes  string `json:"notes"`
}

// PaymentResponse is returned from a recorded payment.
type PaymentResponse struct {
	LedgerID      string `json:"ledger_id"`
	Amount        int64  `json:"amount"`
	MaskedCapital int64  `json:"masked_capital"`
	NewPnL        int64  `json:"new_pnl"`
	FullySettled  bool   `json:"fully_settled"`
	Remaining     int64  `json:"remaining"`
	Overpaid      int64  `json:"overpaid"`
}

// FundingRequest is the JSON body for POST /ledgers/{id}/funding.
type FundingRequest struct {
	Amount int64  `json:"amount"`
	Notes  string `json:"notes"`
}

// BalanceRequest is the JSON body for PUT /ledgers/{id}/balance.
type BalanceRequest struct {
	Balance int64  `json:"balance"`
	Type    string `json:"type"` // TRADE, FEE or ADJUSTMENT; empty → ADJUSTMENT
	Notes   string `json:"notes"`
}

// SplitRequest is the JSON body for PUT /ledgers/{id}/split. Both fields
// set configures the referrer split; both null clears it.
type SplitRequest struct {
	OwnPercent      *int64 `json:"own_percent"`
	ReferrerPercent *int64 `json:"referrer_percent"`
}

// --- Client handlers ---

// CreateClient handles POST /api/v1/clients
func (s *Service) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	code, err := refcode.Parse(req.Code)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := &model.Client{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Code:          code,
		ReferredBy:    req.ReferredBy,
		CompanyClient: req.CompanyClient,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.writeErr(w, err)
		return
	}

	slog.Info("client created", "id", client.ID, "code", code)
	writeJSON(w, http.StatusCreated, client)
}

// GetClient handles GET /api/v1/clients/{clientID}
func (s *Service) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// ListClients handles GET /api/v1/clients
func (s *Service) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if clients == nil {
		clients = []model.Client{}
	}
	writeJSON(w, http.StatusOK, clients)
}

// --- Exchange handlers ---

// CreateExchange handles POST /api/v1/exchanges
func (s *Service) CreateExchange(w http.ResponseWriter, r *http.Request) {
	var req CreateExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	code, err := refcode.Parse(req.Code)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	exchange := &model.Exchange{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Code:      code,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateExchange(r.Context(), exchange); err != nil {
		s.writeErr(w, err)
		return
	}

	slog.Info("exchange created", "id", exchange.ID, "code", code)
	writeJSON(w, http.StatusCreated, exchange)
}

// GetExchange handles GET /api/v1/exchanges/{exchangeID}
func (s *Service) GetExchange(w http.ResponseWriter, r *http.Request) {
	exchange, err := s.store.GetExchange(r.Context(), chi.URLParam(r, "exchangeID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exchange)
}

// ListExchanges handles GET /api/v1/exchanges
func (s *Service) ListExchanges(w http.ResponseWriter, r *http.Request) {
	exchanges, err := s.store.ListExchanges(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if exchanges == nil {
		exchanges = []model.Exchange{}
	}
	writeJSON(w, http.StatusOK, exchanges)
}

// --- Ledger handlers ---

// CreateLedger handles POST /api/v1/ledgers
func (s *Service) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req CreateLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	clientCode, err := refcode.Parse(req.ClientCode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	exchangeCode, err := refcode.Parse(req.ExchangeCode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Funding < 0 || req.ExchangeBalance < 0 {
		writeError(w, "funding and exchange_balance must be non-negative", http.StatusBadRequest)
		return
	}
	for _, p := range []int64{req.LossSharePercent, req.ProfitSharePercent, req.FallbackPercent} {
		if err := pnl.ValidatePercent(p); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := validateSplit(req.OwnPercent, req.ReferrerPercent, req.FallbackPercent); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	client, err := s.store.GetClientByCode(ctx, clientCode)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	exchange, err := s.store.GetExchangeByCode(ctx, exchangeCode)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := time.Now().UTC()
	ledger := &model.AccountLedger{
		ID:                 uuid.New().String(),
		ClientID:           client.ID,
		ExchangeID:         exchange.ID,
		ClientCode:         client.Code,
		ExchangeCode:       exchange.Code,
		Funding:            req.Funding,
		ExchangeBalance:    req.ExchangeBalance,
		LossSharePercent:   req.LossSharePercent,
		ProfitSharePercent: req.ProfitSharePercent,
		FallbackPercent:    req.FallbackPercent,
		OwnPercent:         req.OwnPercent,
		ReferrerPercent:    req.ReferrerPercent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateLedger(ctx, ledger); err != nil {
		s.writeErr(w, err)
		return
	}
	metrics.ActiveLedgers.Inc()

	slog.Info("ledger created",
		"id", ledger.ID,
		"client", client.Code,
		"exchange", exchange.Code,
		"funding", req.Funding,
		"balance", req.ExchangeBalance,
	)
	writeJSON(w, http.StatusCreated, ledger)
}

// GetLedger handles GET /api/v1/ledgers/{ledgerID}
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.store.GetLedger(r.Context(), chi.URLParam(r, "ledgerID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// ListLedgers handles GET /api/v1/ledgers
// Optional ?client_code= and ?exchange_code= filters.
func (s *Service) ListLedgers(w http.ResponseWriter, r *http.Request) {
	f := store.LedgerFilter{
		ClientCode:   refcode.Normalize(r.URL.Query().Get("client_code")),
		ExchangeCode: refcode.Normalize(r.URL.Query().Get("exchange_code")),
	}
	ledgers, err := s.store.ListLedgers(r.Context(), f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if ledgers == nil {
		ledgers = []model.AccountLedger{}
	}
	writeJSON(w, http.StatusOK, ledgers)
}

// LookupLedger handles GET /api/v1/ledgers/lookup?client=CODE&exchange=CODE
func (s *Service) LookupLedger(w http.ResponseWriter, r *http.Request) {
	clientCode, err := refcode.Parse(r.URL.Query().Get("client"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	exchangeCode, err := refcode.Parse(r.URL.Query().Get("exchange"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ledger, err := s.store.GetLedgerByPair(r.Context(), clientCode, exchangeCode)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// --- Settlement engine handlers ---

// GetPnL handles GET /api/v1/ledgers/{ledgerID}/pnl
// Pure computation; never touches the cycle lock.
func (s *Service) GetPnL(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.store.GetLedger(r.Context(), chi.URLParam(r, "ledgerID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	res := pnl.Compute(snapshot(ledger))
	writeJSON(w, http.StatusOK, model.ShareView{
		LedgerID:   ledger.ID,
		PnL:        res.PnL,
		Percent:    res.Percent,
		ExactShare: res.Exact,
		FinalShare: res.Final,
	})
}

// EnsureCycle handles POST /api/v1/ledgers/{ledgerID}/cycle
// Establishes or refreshes the settlement-cycle lock.
func (s *Service) EnsureCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	res := cycle.EnsureLock(ledger, time.Now().UTC())
	if res.Changed {
		if err := s.store.UpdateLedger(ctx, ledger); err != nil {
			slog.Error("cycle persist failed", "ledger", id, "err", err)
			writeError(w, "failed to persist cycle state", http.StatusInternalServerError)
			return
		}
		s.noteCycleChange(ledger, res)
	}

	writeJSON(w, http.StatusOK, lockState(ledger, res))
}

// GetRemaining handles GET /api/v1/ledgers/{ledgerID}/remaining
// Reading the remaining amount lazily establishes or refreshes the lock.
func (s *Service) GetRemaining(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	res := cycle.EnsureLock(ledger, time.Now().UTC())
	if res.Changed {
		if err := s.store.UpdateLedger(ctx, ledger); err != nil {
			slog.Error("cycle persist failed", "ledger", id, "err", err)
			writeError(w, "failed to persist cycle state", http.StatusInternalServerError)
			return
		}
		s.noteCycleChange(ledger, res)
	}

	view, err := s.remainingView(ctx, ledger)
	if err != nil {
		slog.Error("settlement total failed", "ledger", id, "err", err)
		writeError(w, "failed to total settlements", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RecordPayment handles POST /api/v1/ledgers/{ledgerID}/payments
// Applies a share-space payment to the ledger's capital fields and appends
// the settlement record and audit entry atomically.
func (s *Service) RecordPayment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	// Evaluate the cycle first. A lock or reset triggered by earlier
	// mutations must be persisted even if this payment is then rejected.
	now := time.Now().UTC()
	res := cycle.EnsureLock(ledger, now)
	if res.Changed {
		if err := s.store.UpdateLedger(ctx, ledger); err != nil {
			slog.Error("cycle persist failed", "ledger", id, "err", err)
			writeError(w, "failed to persist cycle state", http.StatusInternalServerError)
			return
		}
		s.noteCycleChange(ledger, res)
	}

	cur := pnl.Compute(snapshot(ledger))
	if err := settle.ValidatePayment(req.Amount, cur.PnL); err != nil {
		metrics.PaymentRejections.Inc()
		s.writeErr(w, err)
		return
	}
	if !ledger.Locked() {
		// Non-zero PnL whose share floors to zero: nothing was locked, so
		// there is no obligation to pay against.
		metrics.PaymentRejections.Inc()
		s.writeErr(w, fmt.Errorf("%w: share below one unit is not payable", settle.ErrInvalidState))
		return
	}

	masked, err := settle.MaskedCapital(req.Amount, *ledger.LockedPnL, *ledger.LockedShare)
	if err != nil {
		metrics.PaymentRejections.Inc()
		s.writeErr(w, err)
		return
	}

	// A loss is settled by returning advanced funding; a profit by paying
	// out of the venue balance. Either way the target field stays ≥ 0.
	if cur.PnL < 0 {
		if masked > ledger.Funding {
			metrics.PaymentRejections.Inc()
			s.writeErr(w, fmt.Errorf("%w: masked capital %d exceeds funding %d",
				settle.ErrInvalidPayment, masked, ledger.Funding))
			return
		}
		ledger.Funding -= masked
	} else {
		if masked > ledger.ExchangeBalance {
			metrics.PaymentRejections.Inc()
			s.writeErr(w, fmt.Errorf("%w: masked capital %d exceeds exchange balance %d",
				settle.ErrInvalidPayment, masked, ledger.ExchangeBalance))
			return
		}
		ledger.ExchangeBalance -= masked
	}

	rec := &model.SettlementRecord{
		ID:        uuid.New().String(),
		LedgerID:  ledger.ID,
		Amount:    req.Amount,
		Timestamp: now,
		Notes:     req.Notes,
	}
	audit := &model.AuditEntry{
		ID:                   uuid.New().String(),
		LedgerID:             ledger.ID,
		Type:                 model.TxPayment,
		Amount:               -masked,
		FundingAfter:         ledger.Funding,
		ExchangeBalanceAfter: ledger.ExchangeBalance,
		Notes:                req.Notes,
		Timestamp:            now,
	}
	if err := s.store.ApplySettlement(ctx, ledger, rec, audit); err != nil {
		slog.Error("payment persist failed", "ledger", id, "err", err)
		writeError(w, "failed to record payment", http.StatusInternalServerError)
		return
	}

	view, err := s.remainingView(ctx, ledger)
	if err != nil {
		slog.Error("settlement total failed", "ledger", id, "err", err)
		writeError(w, "failed to total settlements", http.StatusInternalServerError)
		return
	}
	newPnL := ledger.ExchangeBalance - ledger.Funding

	side := metrics.Side(cur.PnL)
	metrics.PaymentsTotal.WithLabelValues(side).Inc()
	metrics.SettledVolume.WithLabelValues(side).Add(float64(req.Amount))
	metrics.PaymentLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	slog.Info("payment recorded",
		"ledger", ledger.ID,
		"amount", req.Amount,
		"masked_capital", masked,
		"new_pnl", newPnL,
		"remaining", view.Remaining,
	)
	s.broadcast(Event{
		Type:         EventPaymentRecorded,
		LedgerID:     ledger.ID,
		ClientCode:   ledger.ClientCode,
		ExchangeCode: ledger.ExchangeCode,
		PnL:          newPnL,
		Amount:       req.Amount,
		Remaining:    view.Remaining,
	})

	writeJSON(w, http.StatusOK, PaymentResponse{
		LedgerID:      ledger.ID,
		Amount:        req.Amount,
		MaskedCapital: masked,
		NewPnL:        newPnL,
		FullySettled:  newPnL == 0,
		Remaining:     view.Remaining,
		Overpaid:      view.Overpaid,
	})
}

// --- Funding / balance mutators ---

// AddFunding handles POST /api/v1/ledgers/{ledgerID}/funding
// Advancing funding credits the venue balance by the same amount; it is the
// only operation that moves both fields identically, so PnL is unchanged.
func (s *Service) AddFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := time.Now().UTC()
	ledger.Funding += req.Amount
	ledger.ExchangeBalance += req.Amount

	audit := &model.AuditEntry{
		ID:                   uuid.New().String(),
		LedgerID:             ledger.ID,
		Type:                 model.TxFunding,
		Amount:               req.Amount,
		FundingAfter:         ledger.Funding,
		ExchangeBalanceAfter: ledger.ExchangeBalance,
		Notes:                req.Notes,
		Timestamp:            now,
	}
	if err := s.store.ApplyLedgerMutation(ctx, ledger, audit); err != nil {
		slog.Error("funding persist failed", "ledger", id, "err", err)
		writeError(w, "failed to add funding", http.StatusInternalServerError)
		return
	}

	slog.Info("funding added", "ledger", ledger.ID, "amount", req.Amount, "funding", ledger.Funding)
	s.broadcast(Event{
		Type:         EventFundingAdded,
		LedgerID:     ledger.ID,
		ClientCode:   ledger.ClientCode,
		ExchangeCode: ledger.ExchangeCode,
		PnL:          ledger.ExchangeBalance - ledger.Funding,
		Amount:       req.Amount,
	})
	writeJSON(w, http.StatusOK, ledger)
}

// UpdateBalance handles PUT /api/v1/ledgers/{ledgerID}/balance
// Sets the venue balance outright; funding is untouched.
func (s *Service) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Balance < 0 {
		writeError(w, "balance must be non-negative", http.StatusBadRequest)
		return
	}
	typ := req.Type
	if typ == "" {
		typ = model.TxAdjustment
	}
	if typ != model.TxTrade && typ != model.TxFee && typ != model.TxAdjustment {
		writeError(w, "type must be TRADE, FEE or ADJUSTMENT", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := time.Now().UTC()
	delta := req.Balance - ledger.ExchangeBalance
	ledger.ExchangeBalance = req.Balance

	audit := &model.AuditEntry{
		ID:                   uuid.New().String(),
		LedgerID:             ledger.ID,
		Type:                 typ,
		Amount:               delta,
		FundingAfter:         ledger.Funding,
		ExchangeBalanceAfter: ledger.ExchangeBalance,
		Notes:                req.Notes,
		Timestamp:            now,
	}
	if err := s.store.ApplyLedgerMutation(ctx, ledger, audit); err != nil {
		slog.Error("balance persist failed", "ledger", id, "err", err)
		writeError(w, "failed to update balance", http.StatusInternalServerError)
		return
	}

	slog.Info("exchange balance updated",
		"ledger", ledger.ID,
		"balance", req.Balance,
		"delta", delta,
		"type", typ,
	)
	s.broadcast(Event{
		Type:         EventBalanceUpdated,
		LedgerID:     ledger.ID,
		ClientCode:   ledger.ClientCode,
		ExchangeCode: ledger.ExchangeCode,
		PnL:          ledger.ExchangeBalance - ledger.Funding,
		Amount:       delta,
	})
	writeJSON(w, http.StatusOK, ledger)
}

// UpdateSplit handles PUT /api/v1/ledgers/{ledgerID}/split
func (s *Service) UpdateSplit(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "ledgerID")
	mu := s.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := validateSplit(req.OwnPercent, req.ReferrerPercent, ledger.FallbackPercent); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ledger.OwnPercent = req.OwnPercent
	ledger.ReferrerPercent = req.ReferrerPercent
	if err := s.store.UpdateLedger(ctx, ledger); err != nil {
		slog.Error("split persist failed", "ledger", id, "err", err)
		writeError(w, "failed to update split", http.StatusInternalServerError)
		return
	}

	if ledger.OwnPercent != nil {
		slog.Info("referrer split updated", "ledger", ledger.ID,
			"own", *ledger.OwnPercent, "referrer", *ledger.ReferrerPercent)
	} else {
		slog.Info("referrer split cleared", "ledger", ledger.ID)
	}
	writeJSON(w, http.StatusOK, ledger)
}

// --- Listings & summary ---

// ListSettlements handles GET /api/v1/ledgers/{ledgerID}/settlements
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, chi.URLParam(r, "ledgerID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	records, err := s.store.ListSettlements(ctx, ledger.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if records == nil {
		records = []model.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ListAuditEntries handles GET /api/v1/ledgers/{ledgerID}/audit
// Display only: ledger state is never reconstructed from this log.
func (s *Service) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ledger, err := s.store.GetLedger(ctx, chi.URLParam(r, "ledgerID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	entries, err := s.store.ListAuditEntries(ctx, ledger.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetSummary handles GET /api/v1/summary
// Walks the whole book read-only; never touches cycle locks.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	ledgers, err := s.store.ListLedgers(r.Context(), store.LedgerFilter{})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	sum := model.Summary{
		OwedToBroker: []model.PendingAccount{},
		OwedByBroker: []model.PendingAccount{},
		AccountCount: len(ledgers),
	}
	for i := range ledgers {
		l := &ledgers[i]
		res := pnl.Compute(snapshot(l))

		sum.TotalFunding += l.Funding
		sum.TotalExchangeBalance += l.ExchangeBalance
		sum.TotalPnL += res.PnL

		entry := model.PendingAccount{
			LedgerID:     l.ID,
			ClientCode:   l.ClientCode,
			ExchangeCode: l.ExchangeCode,
			PnL:          res.PnL,
			Share:        res.Final,
		}
		switch {
		case res.PnL < 0:
			sum.OwedToBroker = append(sum.OwedToBroker, entry)
			sum.OwedToTotal += res.Final
		case res.PnL > 0:
			sum.OwedByBroker = append(sum.OwedByBroker, entry)
			sum.OwedByTotal += res.Final
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Internal helpers ---

func snapshot(l *model.AccountLedger) pnl.Snapshot {
	return pnl.Snapshot{
		Funding:         l.Funding,
		ExchangeBalance: l.ExchangeBalance,
		LossPercent:     l.LossSharePercent,
		ProfitPercent:   l.ProfitSharePercent,
		FallbackPercent: l.FallbackPercent,
	}
}

func lockState(l *model.AccountLedger, res cycle.Result) model.LockState {
	return model.LockState{
		LedgerID:      l.ID,
		Locked:        l.Locked(),
		Outcome:       string(res.Outcome),
		ResetReason:   res.Reason,
		LockedShare:   l.LockedShare,
		LockedPnL:     l.LockedPnL,
		LockedFunding: l.LockedFunding,
		LockedPercent: l.LockedPercent,
		CycleStart:    l.CycleStart,
	}
}

// remainingView computes the settlement position of the current cycle.
// Settlements are totalled from CycleStart, so prior cycles never count.
func (s *Service) remainingView(ctx context.Context, l *model.AccountLedger) (*model.RemainingView, error) {
	view := &model.RemainingView{LedgerID: l.ID}
	if !l.Locked() {
		return view, nil
	}

	total, err := s.store.SumSettlementsSince(ctx, l.ID, *l.CycleStart)
	if err != nil {
		return nil, err
	}
	b := settle.Remaining(*l.LockedShare, total)

	view.InitialFinalShare = *l.LockedShare
	view.TotalSettled = total
	view.Remaining = b.Remaining
	view.Overpaid = b.Overpaid
	if l.OwnPercent != nil && l.ReferrerPercent != nil {
		own, ref := pnl.SplitShare(*l.LockedShare, *l.OwnPercent, *l.ReferrerPercent)
		view.BrokerShare = &own
		view.ReferrerShare = &ref
	}
	return view, nil
}

// noteCycleChange records metrics, logs, and broadcasts after a persisted
// lock or reset.
func (s *Service) noteCycleChange(l *model.AccountLedger, res cycle.Result) {
	switch res.Outcome {
	case cycle.OutcomeLocked:
		metrics.CycleLocksTotal.Inc()
		slog.Info("cycle locked",
			"ledger", l.ID,
			"share", *l.LockedShare,
			"pnl", *l.LockedPnL,
			"funding", *l.LockedFunding,
		)
		s.broadcast(Event{
			Type:         EventCycleLocked,
			LedgerID:     l.ID,
			ClientCode:   l.ClientCode,
			ExchangeCode: l.ExchangeCode,
			PnL:          *l.LockedPnL,
			LockedShare:  *l.LockedShare,
		})
	case cycle.OutcomeReset:
		metrics.CycleResetsTotal.WithLabelValues(res.Reason).Inc()
		e := Event{
			Type:         EventCycleReset,
			LedgerID:     l.ID,
			ClientCode:   l.ClientCode,
			ExchangeCode: l.ExchangeCode,
			PnL:          l.ExchangeBalance - l.Funding,
			Reason:       res.Reason,
		}
		// A reset may re-lock immediately at the new share.
		if l.Locked() {
			metrics.CycleLocksTotal.Inc()
			e.LockedShare = *l.LockedShare
		}
		slog.Info("cycle reset", "ledger", l.ID, "reason", res.Reason, "locked", l.Locked())
		s.broadcast(e)
	}
}

func (s *Service) broadcast(e Event) {
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
}

// validateSplit checks a referrer split against the account's fallback
// percentage: both parts present (or both absent), non-negative, summing to
// the fallback.
func validateSplit(own, referrer *int64, fallback int64) error {
	if own == nil && referrer == nil {
		return nil
	}
	if own == nil || referrer == nil {
		return errors.New("own_percent and referrer_percent must be set together")
	}
	if *own < 0 || *referrer < 0 {
		return errors.New("split percentages must be non-negative")
	}
	if *own+*referrer != fallback {
		return fmt.Errorf("split percentages must sum to fallback_percent (%d)", fallback)
	}
	return nil
}

// writeErr maps domain sentinel errors to HTTP statuses.
func (s *Service) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, settle.ErrInvalidPayment),
		errors.Is(err, settle.ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, refcode.ErrInvalidCode),
		errors.Is(err, pnl.ErrPercentOutOfRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
