/*
rules.go - Merchant rules, tier overrides and points math

PURPOSE:
  Resolves the effective earn/redeem rules for a (merchant, customer)
  pair and computes the bps-based points math the quote and commit
  paths share. Money stays decimal until the final floor to points.

MATH:
  earn   = floor(eligibleTotal * earnBps / 10000), 0 if total < minPayment
  redeem = min(wallet, floor(eligibleTotal * redeemLimitBps / 10000),
               total - minPayment, dailyRedeemLeft)

SEE ALSO:
  - quote.go: builds quotes from a compiled RuleSet
  - commit.go: re-derives earn on the cash-paid part
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const bpsDenominator = 10000

// RuleSet is the effective configuration after tier overrides.
type RuleSet struct {
	EarnBps        int64
	RedeemLimitBps int64
	MinPayment     int64

	RedeemCooldown time.Duration
	EarnCooldown   time.Duration
	RedeemDailyCap int64
	EarnDailyCap   int64

	EarnDelay time.Duration
	PointsTTL time.Duration

	AllowSameReceipt bool
	LedgerEnabled    bool
	LotsEnabled      bool
}

// CompileRules merges merchant settings with the customer's active tier.
// Tier fields are overrides: nil means inherit the merchant value.
func CompileRules(s MerchantSettings, tier *Tier) RuleSet {
	s = s.Normalize()
	rs := RuleSet{
		EarnBps:          s.EarnBps,
		RedeemLimitBps:   s.RedeemLimitBps,
		MinPayment:       s.MinPayment,
		RedeemCooldown:   time.Duration(s.RedeemCooldownSec) * time.Second,
		EarnCooldown:     time.Duration(s.EarnCooldownSec) * time.Second,
		RedeemDailyCap:   s.RedeemDailyCap,
		EarnDailyCap:     s.EarnDailyCap,
		EarnDelay:        time.Duration(s.EarnDelayDays) * 24 * time.Hour,
		PointsTTL:        time.Duration(s.PointsTTLDays) * 24 * time.Hour,
		AllowSameReceipt: s.AllowSameReceipt,
		LedgerEnabled:    s.LedgerEnabled,
		LotsEnabled:      s.LotsEnabled,
	}
	if tier != nil {
		if tier.EarnRateBps != nil {
			rs.EarnBps = *tier.EarnRateBps
		}
		if tier.RedeemRateBps != nil {
			rs.RedeemLimitBps = *tier.RedeemRateBps
		}
		if tier.MinPayment != nil {
			rs.MinPayment = *tier.MinPayment
		}
	}
	return rs
}

// ResolveRules loads settings (and the customer's tier) and compiles them.
func ResolveRules(ctx context.Context, store Store, merchantID, customerID string, now time.Time) (RuleSet, error) {
	settings, err := store.Settings().Get(ctx, merchantID)
	if err != nil {
		return RuleSet{}, err
	}
	tier, err := store.Tiers().ActiveFor(ctx, merchantID, customerID, now)
	if err != nil {
		return RuleSet{}, err
	}
	return CompileRules(*settings, tier), nil
}

// bpsOf returns floor(amount * bps / 10000) as points.
func bpsOf(amount decimal.Decimal, bps int64) int64 {
	return amount.Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Floor().IntPart()
}

// EarnPoints computes the earn for an eligible amount. Orders below the
// minimum payment earn nothing: the floor is a gate, not a deduction.
func (r RuleSet) EarnPoints(total, eligible decimal.Decimal) int64 {
	if r.MinPayment > 0 && total.LessThan(decimal.NewFromInt(r.MinPayment)) {
		return 0
	}
	p := bpsOf(eligible, r.EarnBps)
	if p < 0 {
		return 0
	}
	return p
}

// RedeemCapInput carries the state a redeem cap depends on.
type RedeemCapInput struct {
	Total         decimal.Decimal
	EligibleTotal decimal.Decimal
	WalletBalance int64
	PriorRedeemed int64 // already applied to this order (same-receipt flows)
	DailyRedeemed int64 // redeemed so far in the current day window
}

// RedeemCap computes the maximum redeemable points for an order.
// Every constraint is a hard ceiling; the result is their minimum,
// never below zero.
func (r RuleSet) RedeemCap(in RedeemCapInput) int64 {
	limit := bpsOf(in.EligibleTotal, r.RedeemLimitBps) - in.PriorRedeemed
	if w := in.WalletBalance; w < limit {
		limit = w
	}
	// The cash part below MinPayment is not redeemable.
	if r.MinPayment > 0 {
		cashRoom := in.Total.Sub(decimal.NewFromInt(r.MinPayment)).Floor().IntPart() - in.PriorRedeemed
		if cashRoom < limit {
			limit = cashRoom
		}
	}
	if r.RedeemDailyCap > 0 {
		left := r.RedeemDailyCap - in.DailyRedeemed
		if left < limit {
			limit = left
		}
	}
	if limit < 0 {
		return 0
	}
	return limit
}

// ClampEarnToDailyCap limits an earn to the remaining daily allowance.
// Earn clamps where redeem refuses: granting fewer points is safe,
// reinterpreting a redemption amount is not.
func (r RuleSet) ClampEarnToDailyCap(points, earnedToday int64) int64 {
	if r.EarnDailyCap <= 0 {
		return points
	}
	left := r.EarnDailyCap - earnedToday
	if left < 0 {
		left = 0
	}
	if points > left {
		return left
	}
	return points
}

// CooldownReason reports why an operation is temporarily unavailable,
// empty when it may proceed.
type CooldownReason string

const (
	ReasonRedeemCooldown CooldownReason = "redeem_cooldown"
	ReasonEarnCooldown   CooldownReason = "earn_cooldown"
)

// CheckCooldown compares the last transaction of the relevant type
// against the configured cooldown window.
func (r RuleSet) CheckCooldown(typ TxnType, last *Transaction, now time.Time) CooldownReason {
	var window time.Duration
	var reason CooldownReason
	switch typ {
	case TxnRedeem:
		window, reason = r.RedeemCooldown, ReasonRedeemCooldown
	case TxnEarn:
		window, reason = r.EarnCooldown, ReasonEarnCooldown
	default:
		return ""
	}
	if window <= 0 || last == nil {
		return ""
	}
	if now.Sub(last.CreatedAt) < window {
		return reason
	}
	return ""
}

// DayStart returns the UTC midnight opening the daily-cap window for now.
func DayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
