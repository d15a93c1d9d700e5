/*
commit.go - The commit processor

PURPOSE:
  Commit settles an OPEN hold into a receipt. Inside one unit of work
  it consumes lots FIFO and debits the wallet (redeem), creates the
  earn lot and credits the wallet (earn), writes the immutable
  transactions and optional ledger pairs, burns the QR nonce, and
  transitions the hold. Everything or nothing.

IDEMPOTENCY:
  (merchantID, orderID) is unique on receipts. A duplicate commit for
  the same order replays the stored receipt instead of re-applying —
  byte-identical success, no double movement. The transport-level
  Idempotency-Key wrapper in idempotency.go layers on top of this.

SEE ALSO:
  - lots.go: PlanConsume
  - refund.go: the reversal of what commit wrote
*/
package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CommitRequest finalizes a hold against an order.
type CommitRequest struct {
	MerchantID    string          `json:"merchantId"`
	HoldID        string          `json:"holdId"`
	OrderID       string          `json:"orderId"`
	ReceiptNumber string          `json:"receiptNumber,omitempty"`
	Total         decimal.Decimal `json:"total"`
	EligibleTotal decimal.Decimal `json:"eligibleTotal"`

	// RedeemPoints lets the cashier apply less than the quoted maximum.
	// Zero means "apply the hold's quoted amount" in REDEEM mode.
	RedeemPoints int64 `json:"redeemPoints,omitempty"`

	OutletID string `json:"outletId,omitempty"`
	StaffID  string `json:"staffId,omitempty"`
}

// CommitResult reports what was applied.
type CommitResult struct {
	ReceiptID     string `json:"receiptId"`
	OrderID       string `json:"orderId"`
	CustomerID    string `json:"customerId"`
	RedeemApplied int64  `json:"redeemApplied"`
	EarnApplied   int64  `json:"earnApplied"`
	EarnPending   bool   `json:"earnPending,omitempty"`
	Balance       int64  `json:"balance"`
	Replayed      bool   `json:"replayed,omitempty"`
}

func (c CommitRequest) validate() error {
	if c.MerchantID == "" {
		return Validationf("merchantId", "required")
	}
	if c.HoldID == "" {
		return Validationf("holdId", "required")
	}
	if c.OrderID == "" {
		return Validationf("orderId", "required")
	}
	if c.RedeemPoints < 0 {
		return Validationf("redeemPoints", "must not be negative")
	}
	return nil
}

// Commit settles the hold. Duplicate orders replay their receipt.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// Fast replay path before opening a transaction.
	if res, ok, err := e.replayCommit(ctx, req.MerchantID, req.OrderID); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	var result *CommitResult
	err := e.store.WithTx(ctx, func(s Store) error {
		res, err := e.commitTx(ctx, s, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, ErrDuplicateOrder) {
		// Lost the receipt race; the winner's receipt is the answer.
		if res, ok, rerr := e.replayCommit(ctx, req.MerchantID, req.OrderID); rerr == nil && ok {
			return res, nil
		}
		return nil, err
	}
	if errors.Is(err, ErrHoldExpired) {
		// Flip the stale hold so later calls see the terminal state. This
		// runs after the rolled-back unit of work so it persists.
		if terr := e.store.Holds().Transition(ctx, req.HoldID, HoldExpired); terr != nil && !errors.Is(terr, ErrHoldNotOpen) {
			return nil, terr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	e.logf("commit merchant=%s order=%s redeem=%d earn=%d",
		req.MerchantID, req.OrderID, result.RedeemApplied, result.EarnApplied)
	return result, nil
}

func (e *Engine) replayCommit(ctx context.Context, merchantID, orderID string) (*CommitResult, bool, error) {
	r, err := e.store.Receipts().ByOrder(ctx, merchantID, orderID)
	if errors.Is(err, ErrReceiptNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	balance, err := e.Balance(ctx, merchantID, r.CustomerID)
	if err != nil {
		return nil, false, err
	}
	return &CommitResult{
		ReceiptID:     r.ID,
		OrderID:       r.OrderID,
		CustomerID:    r.CustomerID,
		RedeemApplied: r.RedeemApplied,
		EarnApplied:   r.EarnApplied,
		Balance:       balance,
		Replayed:      true,
	}, true, nil
}

func (e *Engine) commitTx(ctx context.Context, s Store, req CommitRequest) (*CommitResult, error) {
	now := e.now().UTC()

	hold, err := s.Holds().Get(ctx, req.HoldID)
	if err != nil {
		return nil, err
	}
	if hold.MerchantID != req.MerchantID {
		return nil, ErrHoldNotFound
	}
	if hold.Status != HoldOpen {
		return nil, &HoldStateError{HoldID: hold.ID, Status: hold.Status}
	}
	if hold.ExpiredAt(now) {
		// The flip happens in Commit, outside this unit of work: the
		// error return below would roll it back.
		return nil, &HoldStateError{HoldID: hold.ID, Status: HoldExpired}
	}

	total, eligible := hold.Total, hold.EligibleTotal
	if !req.Total.IsZero() {
		total = req.Total
	}
	if !req.EligibleTotal.IsZero() {
		eligible = req.EligibleTotal
	}
	if eligible.GreaterThan(total) {
		return nil, Validationf("eligibleTotal", "exceeds total")
	}

	rules, err := ResolveRules(ctx, s, hold.MerchantID, hold.CustomerID, now)
	if err != nil {
		return nil, err
	}
	wallet, err := s.Wallets().GetOrCreate(ctx, hold.MerchantID, hold.CustomerID)
	if err != nil {
		return nil, err
	}

	redeem, err := e.settleRedeem(ctx, s, hold, rules, wallet, req.OrderID, req.RedeemPoints, now)
	if err != nil {
		return nil, err
	}

	earn, earnPending, err := e.settleEarn(ctx, s, hold, rules, total, eligible, redeem, req, now)
	if err != nil {
		return nil, err
	}

	// Burn the QR nonce: the token that opened this hold is spent.
	if hold.QRJti != "" {
		nerr := s.Nonces().Insert(ctx, &QRNonce{
			Jti:        hold.QRJti,
			MerchantID: hold.MerchantID,
			CustomerID: hold.CustomerID,
			ExpiresAt:  hold.ExpiresAt,
			UsedAt:     now,
		})
		if errors.Is(nerr, ErrDuplicateNonce) {
			return nil, ErrTokenUsed
		}
		if nerr != nil {
			return nil, nerr
		}
	}

	if err := s.Holds().Transition(ctx, hold.ID, HoldCommitted); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		ID:            NewID(),
		MerchantID:    hold.MerchantID,
		CustomerID:    hold.CustomerID,
		OrderID:       req.OrderID,
		ReceiptNumber: req.ReceiptNumber,
		Total:         total,
		EligibleTotal: eligible,
		RedeemApplied: redeem,
		EarnApplied:   earn,
		OutletID:      pick(req.OutletID, hold.OutletID),
		StaffID:       pick(req.StaffID, hold.StaffID),
		CreatedAt:     now,
	}
	if err := s.Receipts().Create(ctx, receipt); err != nil {
		return nil, err
	}

	updated, err := s.Wallets().Get(ctx, hold.MerchantID, hold.CustomerID)
	if err != nil {
		return nil, err
	}
	return &CommitResult{
		ReceiptID:     receipt.ID,
		OrderID:       receipt.OrderID,
		CustomerID:    receipt.CustomerID,
		RedeemApplied: redeem,
		EarnApplied:   earn,
		EarnPending:   earnPending,
		Balance:       updated.Balance,
	}, nil
}

// settleRedeem applies the redeem side: lot consumption, wallet debit,
// REDEEM transaction and ledger pair. Returns the points applied.
func (e *Engine) settleRedeem(ctx context.Context, s Store, hold *Hold, rules RuleSet, wallet *Wallet,
	orderID string, requested int64, now time.Time) (int64, error) {

	if hold.Mode != ModeRedeem {
		return 0, nil
	}
	redeem := hold.RedeemPoints
	if requested > 0 {
		redeem = requested
	}
	if redeem == 0 {
		return 0, nil
	}
	if redeem > hold.RedeemPoints {
		return 0, &LimitExceededError{Limit: "order_limit", Allowed: hold.RedeemPoints, Requested: redeem}
	}
	if redeem > wallet.Balance {
		return 0, &InsufficientBalanceError{
			MerchantID: hold.MerchantID,
			CustomerID: hold.CustomerID,
			Available:  wallet.Balance,
			Requested:  redeem,
			Shortfall:  redeem - wallet.Balance,
		}
	}

	if rules.LotsEnabled {
		lots, err := s.Lots().ActiveFIFO(ctx, hold.MerchantID, hold.CustomerID)
		if err != nil {
			return 0, err
		}
		updates, shortfall := PlanConsume(lots, redeem)
		if shortfall > 0 {
			// The wallet said yes, the lots say no. Nothing is written.
			return 0, &LedgerInconsistencyError{
				MerchantID: hold.MerchantID,
				CustomerID: hold.CustomerID,
				Wallet:     wallet.Balance,
				Spendable:  SpendableTotal(lots),
				DetectedAt: now,
			}
		}
		for _, u := range updates {
			if err := s.Lots().SetConsumed(ctx, u.LotID, u.Consumed, u.Status); err != nil {
				return 0, err
			}
		}
	}

	if _, err := s.Wallets().AddBalance(ctx, hold.MerchantID, hold.CustomerID, -redeem); err != nil {
		return 0, err
	}
	txn := &Transaction{
		ID:         NewID(),
		MerchantID: hold.MerchantID,
		CustomerID: hold.CustomerID,
		Type:       TxnRedeem,
		Amount:     -redeem,
		OrderID:    orderID,
		OutletID:   hold.OutletID,
		StaffID:    hold.StaffID,
		Source:     LotSource{Kind: SourcePurchase},
		CreatedAt:  now,
	}
	if err := s.Transactions().Append(ctx, txn); err != nil {
		return 0, err
	}
	if rules.LedgerEnabled {
		if err := e.appendLedgerPair(ctx, s, hold, orderID, AccountCustomerBalance, AccountMerchantLiability, redeem, "redeem", now); err != nil {
			return 0, err
		}
	}
	return redeem, nil
}

// settleEarn applies the earn side. In REDEEM mode earning happens only
// under the same-receipt rule, computed on the cash-paid part.
func (e *Engine) settleEarn(ctx context.Context, s Store, hold *Hold, rules RuleSet,
	total, eligible decimal.Decimal, redeemed int64, req CommitRequest, now time.Time) (int64, bool, error) {

	var earnBase decimal.Decimal
	switch {
	case hold.Mode == ModeEarn:
		earnBase = eligible
	case hold.Mode == ModeRedeem && rules.AllowSameReceipt:
		earnBase = eligible.Sub(decimal.NewFromInt(redeemed))
		if earnBase.IsNegative() {
			earnBase = decimal.Zero
		}
	default:
		return 0, false, nil
	}

	earn := rules.EarnPoints(total, earnBase)
	if earn > 0 && rules.EarnDailyCap > 0 {
		earnedToday, err := s.Transactions().SumSince(ctx, hold.MerchantID, hold.CustomerID, TxnEarn, DayStart(now))
		if err != nil {
			return 0, false, err
		}
		earn = rules.ClampEarnToDailyCap(earn, earnedToday)
	}
	if earn <= 0 {
		return 0, false, nil
	}

	orderID := req.OrderID
	lot := &EarnLot{
		ID:         NewID(),
		MerchantID: hold.MerchantID,
		CustomerID: hold.CustomerID,
		Points:     earn,
		Status:     LotActive,
		EarnedAt:   now,
		OrderID:    orderID,
		OutletID:   pick(req.OutletID, hold.OutletID),
		StaffID:    pick(req.StaffID, hold.StaffID),
		Source:     LotSource{Kind: SourcePurchase},
	}
	pending := rules.EarnDelay > 0
	if pending {
		m := now.Add(rules.EarnDelay)
		lot.Status = LotPending
		lot.MaturesAt = &m
		if rules.PointsTTL > 0 {
			exp := m.Add(rules.PointsTTL)
			lot.ExpiresAt = &exp
		}
	} else if rules.PointsTTL > 0 {
		exp := now.Add(rules.PointsTTL)
		lot.ExpiresAt = &exp
	}
	if rules.LotsEnabled || pending {
		if err := s.Lots().Create(ctx, lot); err != nil {
			return 0, false, err
		}
	}

	// Pending lots credit the wallet at maturity, not now.
	if pending {
		return earn, true, nil
	}

	if _, err := s.Wallets().AddBalance(ctx, hold.MerchantID, hold.CustomerID, earn); err != nil {
		return 0, false, err
	}
	txn := &Transaction{
		ID:         NewID(),
		MerchantID: hold.MerchantID,
		CustomerID: hold.CustomerID,
		Type:       TxnEarn,
		Amount:     earn,
		OrderID:    orderID,
		OutletID:   lot.OutletID,
		StaffID:    lot.StaffID,
		Source:     LotSource{Kind: SourcePurchase},
		CreatedAt:  now,
	}
	if err := s.Transactions().Append(ctx, txn); err != nil {
		return 0, false, err
	}
	if rules.LedgerEnabled {
		if err := e.appendLedgerPair(ctx, s, hold, orderID, AccountMerchantLiability, AccountCustomerBalance, earn, "earn", now); err != nil {
			return 0, false, err
		}
	}
	return earn, false, nil
}

func (e *Engine) appendLedgerPair(ctx context.Context, s Store, hold *Hold, orderID string,
	debit, credit LedgerAccount, amount int64, kind string, now time.Time) error {

	return s.Ledger().Append(ctx, &LedgerEntry{
		ID:         NewID(),
		MerchantID: hold.MerchantID,
		CustomerID: hold.CustomerID,
		Debit:      debit,
		Credit:     credit,
		Amount:     amount,
		OrderID:    orderID,
		OutletID:   hold.OutletID,
		StaffID:    hold.StaffID,
		Kind:       kind,
		CreatedAt:  now,
	})
}

// pick returns the first non-empty string.
func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
