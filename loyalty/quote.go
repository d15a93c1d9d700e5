/*
quote.go - The quote engine

PURPOSE:
  A quote answers "what can this customer do on this order" and pins
  the answer in an OPEN hold: the maximum redeemable points (REDEEM
  mode) or the earn preview (EARN mode), valid until the hold's TTL.

TOKEN FLOW:
  The customer is identified by a QR JWT or a short code. A JWT's jti
  makes re-quoting idempotent: the same token returns the same OPEN
  hold, and a token whose jti was already committed is rejected.

CAPS:
  canRedeem/canEarn report soft refusals (cooldown, empty cap) with a
  reason instead of an error, so the POS can show "not now" politely.

SEE ALSO:
  - rules.go: the cap/earn math
  - token.go: token resolution
  - commit.go: turns the hold into a settled receipt
*/
package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRequest asks what an order can earn or redeem.
type QuoteRequest struct {
	MerchantID    string          `json:"merchantId"`
	Mode          HoldMode        `json:"mode"`
	UserToken     string          `json:"userToken"`
	Total         decimal.Decimal `json:"total"`
	EligibleTotal decimal.Decimal `json:"eligibleTotal"`
	OrderID       string          `json:"orderId"`
	OutletID      string          `json:"outletId,omitempty"`
	StaffID       string          `json:"staffId,omitempty"`
}

// QuoteResult is the pinned answer.
type QuoteResult struct {
	HoldID       string     `json:"holdId"`
	CustomerID   string     `json:"customerId"`
	Mode         HoldMode   `json:"mode"`
	CanRedeem    bool       `json:"canRedeem"`
	CanEarn      bool       `json:"canEarn"`
	Reason       string     `json:"reason,omitempty"`
	RedeemPoints int64      `json:"redeemPoints"`
	EarnPoints   int64      `json:"earnPoints"`
	Balance      int64      `json:"balance"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

func (q QuoteRequest) validate() error {
	if q.MerchantID == "" {
		return Validationf("merchantId", "required")
	}
	if q.Mode != ModeEarn && q.Mode != ModeRedeem {
		return Validationf("mode", "must be EARN or REDEEM")
	}
	if q.Total.IsNegative() || q.Total.IsZero() {
		return Validationf("total", "must be positive")
	}
	if q.EligibleTotal.GreaterThan(q.Total) {
		return Validationf("eligibleTotal", "exceeds total")
	}
	if q.EligibleTotal.IsNegative() {
		return Validationf("eligibleTotal", "must not be negative")
	}
	return nil
}

// Quote resolves the customer token, computes caps, and opens a hold.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.EligibleTotal.IsZero() {
		req.EligibleTotal = req.Total
	}
	now := e.now().UTC()

	settings, err := e.store.Settings().Get(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	tok, err := ResolveToken(req.UserToken, req.MerchantID, settings.QRSecret, settings.RequireJWTForQuote, now)
	if err != nil {
		return nil, err
	}

	// Token replay: the same jti either re-returns its OPEN hold or,
	// once the jti was committed, refuses.
	if tok.Jti != "" {
		if _, nerr := e.store.Nonces().Get(ctx, tok.Jti); nerr == nil {
			return nil, ErrTokenUsed
		} else if !errors.Is(nerr, ErrRecordNotFound) {
			return nil, nerr
		}
		if h, herr := e.store.Holds().FindOpenByJti(ctx, req.MerchantID, tok.Jti); herr == nil {
			return e.requote(ctx, h)
		} else if !errors.Is(herr, ErrHoldNotFound) {
			return nil, herr
		}
	}

	tier, err := e.store.Tiers().ActiveFor(ctx, req.MerchantID, tok.CustomerID, now)
	if err != nil {
		return nil, err
	}
	rules := CompileRules(*settings, tier)

	wallet, err := e.store.Wallets().GetOrCreate(ctx, req.MerchantID, tok.CustomerID)
	if err != nil {
		return nil, err
	}

	res := &QuoteResult{
		CustomerID: tok.CustomerID,
		Mode:       req.Mode,
		Balance:    wallet.Balance,
	}

	switch req.Mode {
	case ModeRedeem:
		if err := e.quoteRedeem(ctx, req, rules, wallet, now, res); err != nil {
			return nil, err
		}
	case ModeEarn:
		if err := e.quoteEarn(ctx, req, rules, wallet, now, res); err != nil {
			return nil, err
		}
	}

	expiresAt := now.Add(time.Duration(settings.Normalize().QRTTLSec) * time.Second)
	if tok.FromJWT && !tok.ExpiresAt.IsZero() && tok.ExpiresAt.Before(expiresAt) {
		expiresAt = tok.ExpiresAt
	}

	hold := &Hold{
		ID:            NewID(),
		MerchantID:    req.MerchantID,
		CustomerID:    tok.CustomerID,
		Mode:          req.Mode,
		Status:        HoldOpen,
		RedeemPoints:  res.RedeemPoints,
		EarnPoints:    res.EarnPoints,
		Total:         req.Total,
		EligibleTotal: req.EligibleTotal,
		OrderID:       req.OrderID,
		QRJti:         tok.Jti,
		OutletID:      req.OutletID,
		StaffID:       req.StaffID,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := e.store.Holds().Create(ctx, hold); err != nil {
		return nil, err
	}

	res.HoldID = hold.ID
	res.ExpiresAt = expiresAt
	return res, nil
}

func (e *Engine) quoteRedeem(ctx context.Context, req QuoteRequest, rules RuleSet, wallet *Wallet, now time.Time, res *QuoteResult) error {
	last, err := e.store.Transactions().LastOfType(ctx, req.MerchantID, wallet.CustomerID, TxnRedeem)
	if err != nil {
		return err
	}
	if reason := rules.CheckCooldown(TxnRedeem, last, now); reason != "" {
		res.Reason = string(reason)
		return nil
	}

	prior, err := e.priorRedeemed(ctx, req.MerchantID, req.OrderID)
	if err != nil {
		return err
	}
	redeemedToday, err := e.store.Transactions().SumSince(ctx, req.MerchantID, wallet.CustomerID, TxnRedeem, DayStart(now))
	if err != nil {
		return err
	}

	limit := rules.RedeemCap(RedeemCapInput{
		Total:         req.Total,
		EligibleTotal: req.EligibleTotal,
		WalletBalance: wallet.Balance,
		PriorRedeemed: prior,
		DailyRedeemed: -redeemedToday, // redeem amounts are stored negative
	})
	if limit <= 0 {
		res.Reason = "nothing_to_redeem"
		return nil
	}
	res.CanRedeem = true
	res.RedeemPoints = limit
	return nil
}

func (e *Engine) quoteEarn(ctx context.Context, req QuoteRequest, rules RuleSet, wallet *Wallet, now time.Time, res *QuoteResult) error {
	last, err := e.store.Transactions().LastOfType(ctx, req.MerchantID, wallet.CustomerID, TxnEarn)
	if err != nil {
		return err
	}
	if reason := rules.CheckCooldown(TxnEarn, last, now); reason != "" {
		res.Reason = string(reason)
		return nil
	}

	earn := rules.EarnPoints(req.Total, req.EligibleTotal)
	if earn > 0 && rules.EarnDailyCap > 0 {
		earnedToday, err := e.store.Transactions().SumSince(ctx, req.MerchantID, wallet.CustomerID, TxnEarn, DayStart(now))
		if err != nil {
			return err
		}
		earn = rules.ClampEarnToDailyCap(earn, earnedToday)
	}
	if earn <= 0 {
		res.Reason = "nothing_to_earn"
		return nil
	}
	res.CanEarn = true
	res.EarnPoints = earn
	return nil
}

// priorRedeemed returns points already applied to an order by an
// earlier, uncanceled commit.
func (e *Engine) priorRedeemed(ctx context.Context, merchantID, orderID string) (int64, error) {
	if orderID == "" {
		return 0, nil
	}
	r, err := e.store.Receipts().ByOrder(ctx, merchantID, orderID)
	if errors.Is(err, ErrReceiptNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if r.CanceledAt != nil {
		return 0, nil
	}
	return r.RedeemApplied, nil
}

// requote replays an existing OPEN hold for an idempotent token re-scan.
func (e *Engine) requote(ctx context.Context, h *Hold) (*QuoteResult, error) {
	balance, err := e.Balance(ctx, h.MerchantID, h.CustomerID)
	if err != nil {
		return nil, err
	}
	return &QuoteResult{
		HoldID:       h.ID,
		CustomerID:   h.CustomerID,
		Mode:         h.Mode,
		CanRedeem:    h.Mode == ModeRedeem && h.RedeemPoints > 0,
		CanEarn:      h.Mode == ModeEarn && h.EarnPoints > 0,
		RedeemPoints: h.RedeemPoints,
		EarnPoints:   h.EarnPoints,
		Balance:      balance,
		ExpiresAt:    h.ExpiresAt,
	}, nil
}
