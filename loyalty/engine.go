/*
engine.go - Engine wiring and read surfaces

PURPOSE:
  The Engine owns the store and exposes the loyalty operations:
  Quote, Commit, Cancel, Refund, the direct grant paths, balance and
  transaction reads, and the background sweeps. Each operation lives
  in its own file; this one carries the constructor and reads.

CLOCK:
  All time comparisons flow through e.now so tests can pin the clock.

SEE ALSO:
  - quote.go, commit.go, cancel.go, refund.go, grant.go, sweep.go
*/
package loyalty

import (
	"context"
	"log"
	"sort"
	"time"
)

// Engine executes loyalty operations against a Store.
type Engine struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock pins the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger routes engine diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an Engine over the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) logf(format string, args ...any) {
	e.logger.Printf("[Engine] "+format, args...)
}

// =============================================================================
// READ SURFACES
// =============================================================================

// Balance returns the customer's wallet balance. A customer who never
// interacted with the merchant has balance zero, not an error.
func (e *Engine) Balance(ctx context.Context, merchantID, customerID string) (int64, error) {
	w, err := e.store.Wallets().Get(ctx, merchantID, customerID)
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// HistoryItem is one row of the merged transaction listing: either a
// settled transaction or a pending (immature) lot.
type HistoryItem struct {
	ID        string
	Type      TxnType
	Amount    int64
	Pending   bool
	OrderID   string
	MaturesAt *time.Time
	CreatedAt time.Time
}

// History returns a customer's transactions merged with pending lots,
// most recent first. before acts as an exclusive cursor.
func (e *Engine) History(ctx context.Context, merchantID, customerID string, before *time.Time, limit int) ([]HistoryItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	txns, err := e.store.Transactions().List(ctx, merchantID, customerID, before, limit)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.Lots().Pending(ctx, merchantID, customerID)
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(txns)+len(pending))
	for _, t := range txns {
		items = append(items, HistoryItem{
			ID:        t.ID,
			Type:      t.Type,
			Amount:    t.Amount,
			OrderID:   t.OrderID,
			CreatedAt: t.CreatedAt,
		})
	}
	for _, l := range pending {
		if before != nil && !l.EarnedAt.Before(*before) {
			continue
		}
		items = append(items, HistoryItem{
			ID:        l.ID,
			Type:      TxnEarn,
			Amount:    l.Points,
			Pending:   true,
			OrderID:   l.OrderID,
			MaturesAt: l.MaturesAt,
			CreatedAt: l.EarnedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
