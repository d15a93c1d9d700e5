/*
memory.go - In-memory Store implementation

PURPOSE:
  A complete loyalty.Store backed by maps, for tests and local
  development. Semantics mirror the SQLite store: the same sentinel
  errors, the same status-gated transitions, the same unique
  constraints.

TRANSACTIONS:
  WithTx serializes units of work under one mutex and snapshots the
  whole state first; an error from fn restores the snapshot. Slow and
  simple, which is exactly right for tests.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type walletKey struct{ merchant, customer string }
type receiptKey struct{ merchant, order string }
type idemKey struct{ merchant, scope, key string }

type memState struct {
	wallets     map[walletKey]loyalty.Wallet
	holds       map[string]loyalty.Hold
	txns        []loyalty.Transaction
	lots        map[string]loyalty.EarnLot
	ledger      []loyalty.LedgerEntry
	receipts    map[receiptKey]loyalty.Receipt
	idem        map[idemKey]loyalty.IdempotencyRecord
	nonces      map[string]loyalty.QRNonce
	settings    map[string]loyalty.MerchantSettings
	tiers       map[string]loyalty.Tier
	assignments []loyalty.TierAssignment
}

func newState() *memState {
	return &memState{
		wallets:  make(map[walletKey]loyalty.Wallet),
		holds:    make(map[string]loyalty.Hold),
		lots:     make(map[string]loyalty.EarnLot),
		receipts: make(map[receiptKey]loyalty.Receipt),
		idem:     make(map[idemKey]loyalty.IdempotencyRecord),
		nonces:   make(map[string]loyalty.QRNonce),
		settings: make(map[string]loyalty.MerchantSettings),
		tiers:    make(map[string]loyalty.Tier),
	}
}

func (s *memState) clone() *memState {
	c := newState()
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	c.txns = append([]loyalty.Transaction(nil), s.txns...)
	for k, v := range s.lots {
		c.lots[k] = v
	}
	c.ledger = append([]loyalty.LedgerEntry(nil), s.ledger...)
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	for k, v := range s.tiers {
		c.tiers[k] = v
	}
	c.assignments = append([]loyalty.TierAssignment(nil), s.assignments...)
	return c
}

// Memory is the in-memory loyalty.Store.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	st   *memState
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) Wallets() loyalty.WalletRepo           { return memWallets{m} }
func (m *Memory) Holds() loyalty.HoldRepo               { return memHolds{m} }
func (m *Memory) Transactions() loyalty.TransactionRepo { return memTxns{m} }
func (m *Memory) Lots() loyalty.LotRepo                 { return memLots{m} }
func (m *Memory) Ledger() loyalty.LedgerRepo            { return memLedger{m} }
func (m *Memory) Receipts() loyalty.ReceiptRepo         { return memReceipts{m} }
func (m *Memory) Idempotency() loyalty.IdempotencyRepo  { return memIdem{m} }
func (m *Memory) Nonces() loyalty.NonceRepo             { return memNonces{m} }
func (m *Memory) Settings() loyalty.SettingsRepo        { return memSettings{m} }
func (m *Memory) Tiers() loyalty.TierRepo               { return memTiers{m} }

// WithTx serializes the unit of work and rolls the whole state back on
// error. fn receives the same store; nesting is not supported.
func (m *Memory) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.st.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// =============================================================================
// WALLETS
// =============================================================================

type memWallets struct{ m *Memory }

func (r memWallets) Get(_ context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	w, ok := r.m.st.wallets[walletKey{merchantID, customerID}]
	if !ok {
		return nil, loyalty.ErrWalletNotFound
	}
	return &w, nil
}

func (r memWallets) GetOrCreate(_ context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := walletKey{merchantID, customerID}
	if w, ok := r.m.st.wallets[k]; ok {
		return &w, nil
	}
	now := time.Now().UTC()
	w := loyalty.Wallet{
		ID:         loyalty.NewID(),
		MerchantID: merchantID,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.m.st.wallets[k] = w
	return &w, nil
}

func (r memWallets) AddBalance(_ context.Context, merchantID, customerID string, delta int64) (*loyalty.Wallet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := walletKey{merchantID, customerID}
	w, ok := r.m.st.wallets[k]
	if !ok {
		return nil, loyalty.ErrWalletNotFound
	}
	if w.Balance+delta < 0 {
		return nil, loyalty.ErrInsufficientBalance
	}
	w.Balance += delta
	w.UpdatedAt = time.Now().UTC()
	r.m.st.wallets[k] = w
	return &w, nil
}

// =============================================================================
// HOLDS
// =============================================================================

type memHolds struct{ m *Memory }

func (r memHolds) Create(_ context.Context, h *loyalty.Hold) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.holds[h.ID] = *h
	return nil
}

func (r memHolds) Get(_ context.Context, id string) (*loyalty.Hold, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	h, ok := r.m.st.holds[id]
	if !ok {
		return nil, loyalty.ErrHoldNotFound
	}
	return &h, nil
}

func (r memHolds) FindOpenByJti(_ context.Context, merchantID, jti string) (*loyalty.Hold, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, h := range r.m.st.holds {
		if h.MerchantID == merchantID && h.QRJti == jti && h.Status == loyalty.HoldOpen {
			h := h
			return &h, nil
		}
	}
	return nil, loyalty.ErrHoldNotFound
}

func (r memHolds) Transition(_ context.Context, id string, to loyalty.HoldStatus) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	h, ok := r.m.st.holds[id]
	if !ok {
		return loyalty.ErrHoldNotFound
	}
	if h.Status != loyalty.HoldOpen {
		return loyalty.ErrHoldNotOpen
	}
	h.Status = to
	r.m.st.holds[id] = h
	return nil
}

func (r memHolds) ExpireOlderThan(_ context.Context, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, h := range r.m.st.holds {
		if h.Status == loyalty.HoldOpen && h.ExpiredAt(now) {
			h.Status = loyalty.HoldExpired
			r.m.st.holds[id] = h
			n++
		}
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type memTxns struct{ m *Memory }

func (r memTxns) Append(_ context.Context, t *loyalty.Transaction) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.txns = append(r.m.st.txns, *t)
	return nil
}

func (r memTxns) Get(_ context.Context, id string) (*loyalty.Transaction, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for i := range r.m.st.txns {
		if r.m.st.txns[i].ID == id {
			t := r.m.st.txns[i]
			return &t, nil
		}
	}
	return nil, loyalty.ErrRecordNotFound
}

func (r memTxns) List(_ context.Context, merchantID, customerID string, before *time.Time, limit int) ([]loyalty.Transaction, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []loyalty.Transaction
	for _, t := range r.m.st.txns {
		if t.MerchantID != merchantID || t.CustomerID != customerID {
			continue
		}
		if before != nil && !t.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memTxns) SumSince(_ context.Context, merchantID, customerID string, typ loyalty.TxnType, since time.Time) (int64, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var sum int64
	for _, t := range r.m.st.txns {
		if t.MerchantID == merchantID && t.CustomerID == customerID &&
			t.Type == typ && !t.CreatedAt.Before(since) && t.CanceledAt == nil {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (r memTxns) LastOfType(_ context.Context, merchantID, customerID string, typ loyalty.TxnType) (*loyalty.Transaction, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var last *loyalty.Transaction
	for i := range r.m.st.txns {
		t := r.m.st.txns[i]
		if t.MerchantID != merchantID || t.CustomerID != customerID || t.Type != typ {
			continue
		}
		if last == nil || t.CreatedAt.After(last.CreatedAt) {
			last = &t
		}
	}
	return last, nil
}

func (r memTxns) FindByOrder(_ context.Context, merchantID, orderID string) ([]loyalty.Transaction, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []loyalty.Transaction
	for _, t := range r.m.st.txns {
		if t.MerchantID == merchantID && t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r memTxns) MarkCanceled(_ context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.st.txns {
		if r.m.st.txns[i].ID == id {
			at := at
			r.m.st.txns[i].CanceledAt = &at
			return nil
		}
	}
	return loyalty.ErrRecordNotFound
}

// =============================================================================
// LOTS
// =============================================================================

type memLots struct{ m *Memory }

func (r memLots) Create(_ context.Context, l *loyalty.EarnLot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.lots[l.ID] = *l
	return nil
}

func (r memLots) Get(_ context.Context, id string) (*loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	l, ok := r.m.st.lots[id]
	if !ok {
		return nil, loyalty.ErrRecordNotFound
	}
	return &l, nil
}

func (r memLots) collect(filter func(loyalty.EarnLot) bool) []loyalty.EarnLot {
	var out []loyalty.EarnLot
	for _, l := range r.m.st.lots {
		if filter(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EarnedAt.Equal(out[j].EarnedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EarnedAt.Before(out[j].EarnedAt)
	})
	return out
}

func (r memLots) ActiveFIFO(_ context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.collect(func(l loyalty.EarnLot) bool {
		return l.MerchantID == merchantID && l.CustomerID == customerID &&
			l.Status == loyalty.LotActive && l.Remaining() > 0
	}), nil
}

func (r memLots) ConsumedFIFO(_ context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.collect(func(l loyalty.EarnLot) bool {
		return l.MerchantID == merchantID && l.CustomerID == customerID && l.ConsumedPoints > 0
	}), nil
}

func (r memLots) ByOrder(_ context.Context, merchantID, orderID string) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.collect(func(l loyalty.EarnLot) bool {
		return l.MerchantID == merchantID && l.OrderID == orderID
	}), nil
}

func (r memLots) Pending(_ context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.collect(func(l loyalty.EarnLot) bool {
		return l.MerchantID == merchantID && l.CustomerID == customerID &&
			l.Status == loyalty.LotPending
	}), nil
}

func (r memLots) SetConsumed(_ context.Context, id string, consumed int64, status loyalty.LotStatus) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.st.lots[id]
	if !ok {
		return loyalty.ErrRecordNotFound
	}
	l.ConsumedPoints = consumed
	l.Status = status
	r.m.st.lots[id] = l
	return nil
}

func (r memLots) TransitionStatus(_ context.Context, id string, from, to loyalty.LotStatus) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.st.lots[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	r.m.st.lots[id] = l
	return true, nil
}

func (r memLots) ExpiredBefore(_ context.Context, now time.Time, limit int) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := r.collect(func(l loyalty.EarnLot) bool {
		return l.Status == loyalty.LotActive && l.ExpiresAt != nil && l.ExpiresAt.Before(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memLots) MaturedBefore(_ context.Context, now time.Time, limit int) ([]loyalty.EarnLot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := r.collect(func(l loyalty.EarnLot) bool {
		return l.Status == loyalty.LotPending && l.MaturesAt != nil && !l.MaturesAt.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

type memLedger struct{ m *Memory }

func (r memLedger) Append(_ context.Context, e *loyalty.LedgerEntry) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.ledger = append(r.m.st.ledger, *e)
	return nil
}

func (r memLedger) ByOrder(_ context.Context, merchantID, orderID string) ([]loyalty.LedgerEntry, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []loyalty.LedgerEntry
	for _, e := range r.m.st.ledger {
		if e.MerchantID == merchantID && e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r memLedger) Sums(_ context.Context, merchantID string) (map[loyalty.LedgerAccount]int64, map[loyalty.LedgerAccount]int64, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	debits := make(map[loyalty.LedgerAccount]int64)
	credits := make(map[loyalty.LedgerAccount]int64)
	for _, e := range r.m.st.ledger {
		if e.MerchantID != merchantID {
			continue
		}
		debits[e.Debit] += e.Amount
		credits[e.Credit] += e.Amount
	}
	return debits, credits, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

type memReceipts struct{ m *Memory }

func (r memReceipts) Create(_ context.Context, rc *loyalty.Receipt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := receiptKey{rc.MerchantID, rc.OrderID}
	if _, exists := r.m.st.receipts[k]; exists {
		return loyalty.ErrDuplicateOrder
	}
	r.m.st.receipts[k] = *rc
	return nil
}

func (r memReceipts) ByOrder(_ context.Context, merchantID, orderID string) (*loyalty.Receipt, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rc, ok := r.m.st.receipts[receiptKey{merchantID, orderID}]
	if !ok {
		return nil, loyalty.ErrReceiptNotFound
	}
	return &rc, nil
}

func (r memReceipts) MarkCanceled(_ context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for k, rc := range r.m.st.receipts {
		if rc.ID == id {
			at := at
			rc.CanceledAt = &at
			r.m.st.receipts[k] = rc
			return nil
		}
	}
	return loyalty.ErrReceiptNotFound
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type memIdem struct{ m *Memory }

func (r memIdem) Insert(_ context.Context, rec *loyalty.IdempotencyRecord) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := idemKey{rec.MerchantID, rec.Scope, rec.Key}
	if _, exists := r.m.st.idem[k]; exists {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	r.m.st.idem[k] = *rec
	return nil
}

func (r memIdem) Get(_ context.Context, merchantID, scope, key string) (*loyalty.IdempotencyRecord, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rec, ok := r.m.st.idem[idemKey{merchantID, scope, key}]
	if !ok {
		return nil, loyalty.ErrRecordNotFound
	}
	return &rec, nil
}

func (r memIdem) SetResponse(_ context.Context, merchantID, scope, key string, response []byte) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := idemKey{merchantID, scope, key}
	rec, ok := r.m.st.idem[k]
	if !ok {
		return loyalty.ErrRecordNotFound
	}
	rec.Response = append([]byte(nil), response...)
	r.m.st.idem[k] = rec
	return nil
}

func (r memIdem) Delete(_ context.Context, merchantID, scope, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.st.idem, idemKey{merchantID, scope, key})
	return nil
}

func (r memIdem) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for k, rec := range r.m.st.idem {
		if rec.ExpiresAt.Before(now) {
			delete(r.m.st.idem, k)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// NONCES
// =============================================================================

type memNonces struct{ m *Memory }

func (r memNonces) Insert(_ context.Context, n *loyalty.QRNonce) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.st.nonces[n.Jti]; exists {
		return loyalty.ErrDuplicateNonce
	}
	r.m.st.nonces[n.Jti] = *n
	return nil
}

func (r memNonces) Get(_ context.Context, jti string) (*loyalty.QRNonce, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	n, ok := r.m.st.nonces[jti]
	if !ok {
		return nil, loyalty.ErrRecordNotFound
	}
	return &n, nil
}

// =============================================================================
// SETTINGS AND TIERS
// =============================================================================

type memSettings struct{ m *Memory }

func (r memSettings) Get(_ context.Context, merchantID string) (*loyalty.MerchantSettings, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.st.settings[merchantID]
	if !ok {
		return nil, loyalty.ErrMerchantNotFound
	}
	return &s, nil
}

func (r memSettings) Put(_ context.Context, s *loyalty.MerchantSettings) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.settings[s.MerchantID] = *s
	return nil
}

type memTiers struct{ m *Memory }

func (r memTiers) ActiveFor(_ context.Context, merchantID, customerID string, now time.Time) (*loyalty.Tier, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var best *loyalty.TierAssignment
	for i := range r.m.st.assignments {
		a := r.m.st.assignments[i]
		if a.MerchantID != merchantID || a.CustomerID != customerID {
			continue
		}
		if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			continue
		}
		if best == nil || a.AssignedAt.After(best.AssignedAt) {
			best = &a
		}
	}
	if best == nil {
		return nil, nil
	}
	t, ok := r.m.st.tiers[best.TierID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r memTiers) Put(_ context.Context, t *loyalty.Tier) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.tiers[t.ID] = *t
	return nil
}

func (r memTiers) Assign(_ context.Context, a *loyalty.TierAssignment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.assignments = append(r.m.st.assignments, *a)
	return nil
}
