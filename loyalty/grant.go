/*
grant.go - Direct grants and redemptions without a hold

PURPOSE:
  Campaigns, referrals, manual adjustments and the registration bonus
  move points without the quote/hold handshake. These paths share the
  commit machinery's invariants: lot + transaction + wallet update in
  one unit of work, ledger pairs when enabled.

SEE ALSO:
  - commit.go: the hold-based settlement these paths bypass
*/
package loyalty

import (
	"context"
	"fmt"
)

// GrantRequest credits points outside an order.
type GrantRequest struct {
	MerchantID string    `json:"merchantId"`
	CustomerID string    `json:"customerId"`
	Points     int64     `json:"points"`
	Source     LotSource `json:"source"`
	OrderID    string    `json:"orderId,omitempty"` // grant anchor, used for idempotency
	OutletID   string    `json:"outletId,omitempty"`
	StaffID    string    `json:"staffId,omitempty"`
}

// Grant credits points directly. When OrderID is set and a grant for it
// already exists, the call is an idempotent no-op returning the wallet.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (int64, error) {
	if req.MerchantID == "" || req.CustomerID == "" {
		return 0, Validationf("merchantId", "merchantId and customerId required")
	}
	if req.Points <= 0 {
		return 0, Validationf("points", "must be positive")
	}
	if !req.Source.Valid() {
		return 0, Validationf("source", "invalid source kind/ref pairing")
	}
	now := e.now().UTC()

	var balance int64
	err := e.store.WithTx(ctx, func(s Store) error {
		if req.OrderID != "" {
			existing, err := s.Transactions().FindByOrder(ctx, req.MerchantID, req.OrderID)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				w, err := s.Wallets().GetOrCreate(ctx, req.MerchantID, req.CustomerID)
				if err != nil {
					return err
				}
				balance = w.Balance
				return nil
			}
		}

		rules, err := ResolveRules(ctx, s, req.MerchantID, req.CustomerID, now)
		if err != nil {
			return err
		}

		typ := TxnCampaign
		if req.Source.Kind == SourceReferral {
			typ = TxnReferral
		}
		if req.Source.Kind == SourceManual || req.Source.Kind == SourceRegistration {
			typ = TxnEarn
		}

		lot := &EarnLot{
			ID:         NewID(),
			MerchantID: req.MerchantID,
			CustomerID: req.CustomerID,
			Points:     req.Points,
			Status:     LotActive,
			EarnedAt:   now,
			OrderID:    req.OrderID,
			OutletID:   req.OutletID,
			StaffID:    req.StaffID,
			Source:     req.Source,
		}
		pending := rules.EarnDelay > 0 && req.Source.Kind == SourceRegistration
		if pending {
			m := now.Add(rules.EarnDelay)
			lot.Status = LotPending
			lot.MaturesAt = &m
		}
		if rules.PointsTTL > 0 {
			base := now
			if lot.MaturesAt != nil {
				base = *lot.MaturesAt
			}
			exp := base.Add(rules.PointsTTL)
			lot.ExpiresAt = &exp
		}
		if rules.LotsEnabled || pending {
			if err := s.Lots().Create(ctx, lot); err != nil {
				return err
			}
		}
		if pending {
			w, err := s.Wallets().GetOrCreate(ctx, req.MerchantID, req.CustomerID)
			if err != nil {
				return err
			}
			balance = w.Balance
			return nil
		}

		if err := s.Transactions().Append(ctx, &Transaction{
			ID:         NewID(),
			MerchantID: req.MerchantID,
			CustomerID: req.CustomerID,
			Type:       typ,
			Amount:     req.Points,
			OrderID:    req.OrderID,
			OutletID:   req.OutletID,
			StaffID:    req.StaffID,
			Source:     req.Source,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		w, err := s.Wallets().AddBalance(ctx, req.MerchantID, req.CustomerID, req.Points)
		if err != nil {
			return err
		}
		if rules.LedgerEnabled {
			if err := s.Ledger().Append(ctx, &LedgerEntry{
				ID:         NewID(),
				MerchantID: req.MerchantID,
				CustomerID: req.CustomerID,
				Debit:      AccountMerchantLiability,
				Credit:     AccountCustomerBalance,
				Amount:     req.Points,
				OrderID:    req.OrderID,
				OutletID:   req.OutletID,
				StaffID:    req.StaffID,
				Kind:       "earn",
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		balance = w.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GrantRegistrationBonus gives the merchant's sign-up bonus once.
// The reserved order anchor makes replays no-ops.
func (e *Engine) GrantRegistrationBonus(ctx context.Context, merchantID, customerID string) (int64, error) {
	settings, err := e.store.Settings().Get(ctx, merchantID)
	if err != nil {
		return 0, err
	}
	if settings.RegistrationBonusPoints <= 0 {
		return e.Balance(ctx, merchantID, customerID)
	}
	return e.Grant(ctx, GrantRequest{
		MerchantID: merchantID,
		CustomerID: customerID,
		Points:     settings.RegistrationBonusPoints,
		Source:     LotSource{Kind: SourceRegistration},
		OrderID:    fmt.Sprintf("registration:%s", customerID),
	})
}

// Deduct debits points directly (manual correction). Unlike commit it
// has no hold, but it honours the same wallet and lot invariants.
func (e *Engine) Deduct(ctx context.Context, merchantID, customerID string, points int64, staffID string) (int64, error) {
	if points <= 0 {
		return 0, Validationf("points", "must be positive")
	}
	now := e.now().UTC()

	var balance int64
	err := e.store.WithTx(ctx, func(s Store) error {
		rules, err := ResolveRules(ctx, s, merchantID, customerID, now)
		if err != nil {
			return err
		}
		wallet, err := s.Wallets().GetOrCreate(ctx, merchantID, customerID)
		if err != nil {
			return err
		}
		if points > wallet.Balance {
			return &InsufficientBalanceError{
				MerchantID: merchantID,
				CustomerID: customerID,
				Available:  wallet.Balance,
				Requested:  points,
				Shortfall:  points - wallet.Balance,
			}
		}
		if rules.LotsEnabled {
			lots, err := s.Lots().ActiveFIFO(ctx, merchantID, customerID)
			if err != nil {
				return err
			}
			updates, shortfall := PlanConsume(lots, points)
			if shortfall > 0 {
				return &LedgerInconsistencyError{
					MerchantID: merchantID,
					CustomerID: customerID,
					Wallet:     wallet.Balance,
					Spendable:  SpendableTotal(lots),
					DetectedAt: now,
				}
			}
			for _, u := range updates {
				if err := s.Lots().SetConsumed(ctx, u.LotID, u.Consumed, u.Status); err != nil {
					return err
				}
			}
		}
		if err := s.Transactions().Append(ctx, &Transaction{
			ID:         NewID(),
			MerchantID: merchantID,
			CustomerID: customerID,
			Type:       TxnRedeem,
			Amount:     -points,
			StaffID:    staffID,
			Source:     LotSource{Kind: SourceManual},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		w, err := s.Wallets().AddBalance(ctx, merchantID, customerID, -points)
		if err != nil {
			return err
		}
		balance = w.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}
