/*
refund.go - The refund processor

PURPOSE:
  Refund reverses a committed receipt, fully or proportionally.
  The share of the order being refunded determines how many redeemed
  points come back (restore) and how many earned points are clawed
  back (revoke):

    share   = min(1, refundEligible / receipt.eligibleTotal)
    restore = round(redeemApplied * share)
    revoke  = round(earnApplied * share)

  Restore walks the consumed lots in reverse consumption order;
  revoke drains the lots this order earned. One refund per order:
  the receipt's CanceledAt is the latch.

SEE ALSO:
  - lots.go: PlanUnconsume / PlanRevoke
  - commit.go: what is being reversed
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RefundPosition is one returned line item.
type RefundPosition struct {
	Total    decimal.Decimal `json:"total"`
	Eligible decimal.Decimal `json:"eligible"`
}

// RefundRequest reverses a committed order.
type RefundRequest struct {
	MerchantID string `json:"merchantId"`
	OrderID    string `json:"orderId"`

	// RefundTotal/RefundEligible scope a partial refund. Zero means the
	// whole receipt. Positions, when given, derive both.
	RefundTotal    decimal.Decimal  `json:"refundTotal"`
	RefundEligible decimal.Decimal  `json:"refundEligible"`
	Positions      []RefundPosition `json:"positions,omitempty"`

	OutletID string `json:"outletId,omitempty"`
	StaffID  string `json:"staffId,omitempty"`
}

// RefundResult reports the reversal.
type RefundResult struct {
	OrderID        string `json:"orderId"`
	CustomerID     string `json:"customerId"`
	PointsRestored int64  `json:"pointsRestored"`
	PointsRevoked  int64  `json:"pointsRevoked"`
	Balance        int64  `json:"balance"`
}

func (r RefundRequest) validate() error {
	if r.MerchantID == "" {
		return Validationf("merchantId", "required")
	}
	if r.OrderID == "" {
		return Validationf("orderId", "required")
	}
	if r.RefundTotal.IsNegative() || r.RefundEligible.IsNegative() {
		return Validationf("refundTotal", "must not be negative")
	}
	return nil
}

// Refund reverses the order's receipt proportionally.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result *RefundResult
	err := e.store.WithTx(ctx, func(s Store) error {
		res, err := e.refundTx(ctx, s, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logf("refund merchant=%s order=%s restored=%d revoked=%d",
		req.MerchantID, req.OrderID, result.PointsRestored, result.PointsRevoked)
	return result, nil
}

func (e *Engine) refundTx(ctx context.Context, s Store, req RefundRequest) (*RefundResult, error) {
	now := e.now().UTC()

	receipt, err := s.Receipts().ByOrder(ctx, req.MerchantID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if receipt.CanceledAt != nil {
		return nil, ErrAlreadyRefunded
	}

	refundEligible := refundScope(req, receipt)
	share := refundShare(refundEligible, receipt.EligibleTotal)

	restore := roundShare(receipt.RedeemApplied, share)
	revoke := roundShare(receipt.EarnApplied, share)

	rules, err := ResolveRules(ctx, s, receipt.MerchantID, receipt.CustomerID, now)
	if err != nil {
		return nil, err
	}
	hold := &Hold{ // provenance carrier for ledger rows
		MerchantID: receipt.MerchantID,
		CustomerID: receipt.CustomerID,
		OutletID:   pick(req.OutletID, receipt.OutletID),
		StaffID:    pick(req.StaffID, receipt.StaffID),
	}

	if restore > 0 {
		if err := e.restorePoints(ctx, s, receipt, rules, hold, restore, now); err != nil {
			return nil, err
		}
	}

	revoked := int64(0)
	if revoke > 0 {
		revoked, err = e.revokePoints(ctx, s, receipt, rules, hold, revoke, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.Receipts().MarkCanceled(ctx, receipt.ID, now); err != nil {
		return nil, err
	}

	// A full reversal also stamps the original transactions.
	if share.Equal(decimal.NewFromInt(1)) {
		txns, err := s.Transactions().FindByOrder(ctx, receipt.MerchantID, receipt.OrderID)
		if err != nil {
			return nil, err
		}
		for _, t := range txns {
			if t.Type == TxnRefund || t.CanceledAt != nil {
				continue
			}
			if err := s.Transactions().MarkCanceled(ctx, t.ID, now); err != nil {
				return nil, err
			}
		}
	}

	wallet, err := s.Wallets().GetOrCreate(ctx, receipt.MerchantID, receipt.CustomerID)
	if err != nil {
		return nil, err
	}
	return &RefundResult{
		OrderID:        receipt.OrderID,
		CustomerID:     receipt.CustomerID,
		PointsRestored: restore,
		PointsRevoked:  revoked,
		Balance:        wallet.Balance,
	}, nil
}

// restorePoints gives redeemed points back: unconsume lots reverse-FIFO,
// credit the wallet, write the REFUND transaction and ledger pair.
func (e *Engine) restorePoints(ctx context.Context, s Store, receipt *Receipt, rules RuleSet, hold *Hold, restore int64, now time.Time) error {
	if rules.LotsEnabled {
		lots, err := s.Lots().ConsumedFIFO(ctx, receipt.MerchantID, receipt.CustomerID)
		if err != nil {
			return err
		}
		updates, _ := PlanUnconsume(lots, restore)
		for _, u := range updates {
			if err := s.Lots().SetConsumed(ctx, u.LotID, u.Consumed, u.Status); err != nil {
				return err
			}
		}
	}
	if _, err := s.Wallets().AddBalance(ctx, receipt.MerchantID, receipt.CustomerID, restore); err != nil {
		return err
	}
	if err := s.Transactions().Append(ctx, &Transaction{
		ID:         NewID(),
		MerchantID: receipt.MerchantID,
		CustomerID: receipt.CustomerID,
		Type:       TxnRefund,
		Amount:     restore,
		OrderID:    receipt.OrderID,
		OutletID:   hold.OutletID,
		StaffID:    hold.StaffID,
		Source:     LotSource{Kind: SourcePurchase},
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if rules.LedgerEnabled {
		return e.appendLedgerPair(ctx, s, hold, receipt.OrderID,
			AccountMerchantLiability, AccountCustomerBalance, restore, "refund_restore", now)
	}
	return nil
}

// revokePoints claws earned points back. The wallet debit is bounded by
// the current balance: a customer who already spent the earn cannot go
// negative, the shortfall is absorbed by the merchant.
func (e *Engine) revokePoints(ctx context.Context, s Store, receipt *Receipt, rules RuleSet, hold *Hold, revoke int64, now time.Time) (int64, error) {
	if rules.LotsEnabled {
		lots, err := s.Lots().ByOrder(ctx, receipt.MerchantID, receipt.OrderID)
		if err != nil {
			return 0, err
		}
		updates, _ := PlanRevoke(lots, revoke)
		for _, u := range updates {
			if err := s.Lots().SetConsumed(ctx, u.LotID, u.Consumed, u.Status); err != nil {
				return 0, err
			}
		}
	}

	wallet, err := s.Wallets().GetOrCreate(ctx, receipt.MerchantID, receipt.CustomerID)
	if err != nil {
		return 0, err
	}
	debit := revoke
	if debit > wallet.Balance {
		debit = wallet.Balance
	}
	if debit == 0 {
		return 0, nil
	}
	if _, err := s.Wallets().AddBalance(ctx, receipt.MerchantID, receipt.CustomerID, -debit); err != nil {
		return 0, err
	}
	if err := s.Transactions().Append(ctx, &Transaction{
		ID:         NewID(),
		MerchantID: receipt.MerchantID,
		CustomerID: receipt.CustomerID,
		Type:       TxnRefund,
		Amount:     -debit,
		OrderID:    receipt.OrderID,
		OutletID:   hold.OutletID,
		StaffID:    hold.StaffID,
		Source:     LotSource{Kind: SourcePurchase},
		CreatedAt:  now,
	}); err != nil {
		return 0, err
	}
	if rules.LedgerEnabled {
		if err := e.appendLedgerPair(ctx, s, hold, receipt.OrderID,
			AccountCustomerBalance, AccountMerchantLiability, debit, "refund_revoke", now); err != nil {
			return 0, err
		}
	}
	return debit, nil
}

// refundScope resolves the eligible amount being refunded.
func refundScope(req RefundRequest, receipt *Receipt) decimal.Decimal {
	if len(req.Positions) > 0 {
		sum := decimal.Zero
		for _, p := range req.Positions {
			if p.Eligible.IsZero() {
				sum = sum.Add(p.Total)
			} else {
				sum = sum.Add(p.Eligible)
			}
		}
		return sum
	}
	if !req.RefundEligible.IsZero() {
		return req.RefundEligible
	}
	if !req.RefundTotal.IsZero() {
		return req.RefundTotal
	}
	return receipt.EligibleTotal
}

// refundShare returns min(1, refunded/eligible).
func refundShare(refunded, eligible decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if eligible.IsZero() || refunded.GreaterThanOrEqual(eligible) {
		return one
	}
	return refunded.Div(eligible)
}

// roundShare rounds points * share half away from zero.
func roundShare(points int64, share decimal.Decimal) int64 {
	return decimal.NewFromInt(points).Mul(share).Round(0).IntPart()
}
