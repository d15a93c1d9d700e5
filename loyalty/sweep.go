/*
sweep.go - Background maintenance passes

PURPOSE:
  Three idempotent sweeps keep the ledger honest over time:

  SweepExpiredHolds  OPEN holds past TTL -> EXPIRED
  SweepMaturedLots   PENDING lots past MaturesAt -> ACTIVE + wallet credit
  SweepExpiredLots   ACTIVE lots past ExpiresAt -> EXPIRED + burn remainder

  Every transition is status-gated, so overlapping sweep runs (or a
  sweep racing a commit) settle each lot exactly once.

BURN BOUNDS:
  An expired lot burns min(remaining, wallet balance): the wallet
  never goes negative because of an expiry, even when the books
  disagree. The difference is logged, not repaired.

SEE ALSO:
  - api/sweeper.go: the scheduler driving these on an interval
*/
package loyalty

import (
	"context"
	"time"
)

const sweepBatchSize = 200

// SweepExpiredHolds flips OPEN holds whose TTL passed. Returns the count.
func (e *Engine) SweepExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	n, err := e.store.Holds().ExpireOlderThan(ctx, now.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logf("expired %d stale holds", n)
	}
	return n, nil
}

// SweepMaturedLots activates PENDING lots whose delay elapsed, crediting
// the wallet and writing the deferred EARN transaction.
func (e *Engine) SweepMaturedLots(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	lots, err := e.store.Lots().MaturedBefore(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var activated int64
	for _, lot := range lots {
		lot := lot
		err := e.store.WithTx(ctx, func(s Store) error {
			won, err := s.Lots().TransitionStatus(ctx, lot.ID, LotPending, LotActive)
			if err != nil || !won {
				return err
			}
			// Re-read inside the transaction: the listing snapshot is stale
			// by the time this lot's turn comes.
			fresh, err := s.Lots().Get(ctx, lot.ID)
			if err != nil {
				return err
			}
			settings, err := s.Settings().Get(ctx, lot.MerchantID)
			if err != nil {
				return err
			}
			if err := s.Transactions().Append(ctx, &Transaction{
				ID:         NewID(),
				MerchantID: lot.MerchantID,
				CustomerID: lot.CustomerID,
				Type:       TxnEarn,
				Amount:     fresh.Points,
				OrderID:    lot.OrderID,
				OutletID:   lot.OutletID,
				StaffID:    lot.StaffID,
				Source:     lot.Source,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			if _, err := s.Wallets().AddBalance(ctx, lot.MerchantID, lot.CustomerID, fresh.Points); err != nil {
				return err
			}
			if settings.LedgerEnabled {
				if err := s.Ledger().Append(ctx, &LedgerEntry{
					ID:         NewID(),
					MerchantID: lot.MerchantID,
					CustomerID: lot.CustomerID,
					Debit:      AccountMerchantLiability,
					Credit:     AccountCustomerBalance,
					Amount:     fresh.Points,
					OrderID:    lot.OrderID,
					Kind:       "earn",
					CreatedAt:  now,
				}); err != nil {
					return err
				}
			}
			activated++
			return nil
		})
		if err != nil {
			return activated, err
		}
	}
	if activated > 0 {
		e.logf("activated %d matured lots", activated)
	}
	return activated, nil
}

// SweepExpiredLots burns the unconsumed remainder of ACTIVE lots whose
// TTL passed. Burn per lot is bounded by the wallet balance.
func (e *Engine) SweepExpiredLots(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	lots, err := e.store.Lots().ExpiredBefore(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var burned int64
	for _, lot := range lots {
		lot := lot
		err := e.store.WithTx(ctx, func(s Store) error {
			won, err := s.Lots().TransitionStatus(ctx, lot.ID, LotActive, LotExpired)
			if err != nil || !won {
				return err
			}
			// The listing snapshot predates this transaction; a redeem may
			// have consumed the lot in between. Burn only what the current
			// row still holds, or the wallet is debited for spent points.
			fresh, err := s.Lots().Get(ctx, lot.ID)
			if err != nil {
				return err
			}
			remaining := fresh.Remaining()
			if remaining <= 0 {
				return nil
			}
			wallet, err := s.Wallets().GetOrCreate(ctx, lot.MerchantID, lot.CustomerID)
			if err != nil {
				return err
			}
			burn := remaining
			if burn > wallet.Balance {
				e.logf("expiry burn clamped for %s/%s: lot remainder %d, wallet %d",
					lot.MerchantID, lot.CustomerID, remaining, wallet.Balance)
				burn = wallet.Balance
			}
			if burn == 0 {
				return nil
			}
			if _, err := s.Wallets().AddBalance(ctx, lot.MerchantID, lot.CustomerID, -burn); err != nil {
				return err
			}
			if err := s.Transactions().Append(ctx, &Transaction{
				ID:         NewID(),
				MerchantID: lot.MerchantID,
				CustomerID: lot.CustomerID,
				Type:       TxnExpire,
				Amount:     -burn,
				OrderID:    lot.OrderID,
				Source:     lot.Source,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			settings, err := s.Settings().Get(ctx, lot.MerchantID)
			if err != nil {
				return err
			}
			if settings.LedgerEnabled {
				if err := s.Ledger().Append(ctx, &LedgerEntry{
					ID:         NewID(),
					MerchantID: lot.MerchantID,
					CustomerID: lot.CustomerID,
					Debit:      AccountCustomerBalance,
					Credit:     AccountMerchantLiability,
					Amount:     burn,
					OrderID:    lot.OrderID,
					Kind:       "expire",
					CreatedAt:  now,
				}); err != nil {
					return err
				}
			}
			burned += burn
			return nil
		})
		if err != nil {
			return burned, err
		}
	}
	if burned > 0 {
		e.logf("burned %d expired points", burned)
	}
	return burned, nil
}

// PurgeIdempotency drops idempotency records past their TTL.
func (e *Engine) PurgeIdempotency(ctx context.Context, now time.Time) (int64, error) {
	return e.store.Idempotency().PurgeExpired(ctx, now.UTC())
}
