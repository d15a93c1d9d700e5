package loyalty_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-engine/loyalty"
)

func money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseSettings() loyalty.MerchantSettings {
	return loyalty.MerchantSettings{
		MerchantID:     "m-1",
		EarnBps:        500,  // 5%
		RedeemLimitBps: 3000, // 30%
		MinPayment:     10,
	}
}

// =============================================================================
// EARN MATH
// =============================================================================

func TestEarnPoints_FloorsFractions(t *testing.T) {
	// GIVEN: 5% earn rate
	// WHEN: Eligible total is 19.99
	// THEN: Earn is floor(0.9995) = 0 points; fractions never round up

	rules := loyalty.CompileRules(baseSettings(), nil)

	assert.Equal(t, int64(0), rules.EarnPoints(money("19.99"), money("19.99")))
	assert.Equal(t, int64(1), rules.EarnPoints(money("20.00"), money("20.00")))
	assert.Equal(t, int64(5), rules.EarnPoints(money("100"), money("100")))
}

func TestEarnPoints_MinPaymentIsAGate(t *testing.T) {
	// GIVEN: Minimum payment of 10
	// WHEN: The order total is below it
	// THEN: Earn is zero even though the eligible amount would earn points

	rules := loyalty.CompileRules(baseSettings(), nil)

	assert.Equal(t, int64(0), rules.EarnPoints(money("9.99"), money("9.99")))
	// At exactly the minimum the gate opens.
	assert.Equal(t, int64(2), rules.EarnPoints(money("50"), money("50")))
}

// =============================================================================
// REDEEM CAP
// =============================================================================

func TestRedeemCap_MinimumOfAllConstraints(t *testing.T) {
	rules := loyalty.CompileRules(baseSettings(), nil)

	// bps limit: 30% of 100 = 30. Wallet has 500, cash room 100-10=90.
	cap := rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("100"),
		EligibleTotal: money("100"),
		WalletBalance: 500,
	})
	assert.Equal(t, int64(30), cap, "bps limit binds")

	// Wallet smaller than every other constraint.
	cap = rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("100"),
		EligibleTotal: money("100"),
		WalletBalance: 7,
	})
	assert.Equal(t, int64(7), cap, "wallet binds")
}

func TestRedeemCap_MinPaymentReservesCash(t *testing.T) {
	// GIVEN: Minimum payment 10, total 15
	// WHEN: Computing the cap with a large wallet
	// THEN: Only total - minPayment = 5 is redeemable

	s := baseSettings()
	s.RedeemLimitBps = 10000
	rules := loyalty.CompileRules(s, nil)

	cap := rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("15"),
		EligibleTotal: money("15"),
		WalletBalance: 1000,
	})
	assert.Equal(t, int64(5), cap)
}

func TestRedeemCap_PriorRedeemedShrinksBothRooms(t *testing.T) {
	// GIVEN: 12 points already applied to this order
	// WHEN: Re-quoting
	// THEN: Both the bps limit and the cash room are reduced by the prior

	rules := loyalty.CompileRules(baseSettings(), nil)

	cap := rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("100"),
		EligibleTotal: money("100"),
		WalletBalance: 500,
		PriorRedeemed: 12,
	})
	assert.Equal(t, int64(18), cap)
}

func TestRedeemCap_DailyCap(t *testing.T) {
	s := baseSettings()
	s.RedeemDailyCap = 25
	rules := loyalty.CompileRules(s, nil)

	cap := rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("100"),
		EligibleTotal: money("100"),
		WalletBalance: 500,
		DailyRedeemed: 20,
	})
	assert.Equal(t, int64(5), cap)

	cap = rules.RedeemCap(loyalty.RedeemCapInput{
		Total:         money("100"),
		EligibleTotal: money("100"),
		WalletBalance: 500,
		DailyRedeemed: 30,
	})
	assert.Equal(t, int64(0), cap, "never negative")
}

func TestClampEarnToDailyCap(t *testing.T) {
	s := baseSettings()
	s.EarnDailyCap = 100
	rules := loyalty.CompileRules(s, nil)

	assert.Equal(t, int64(40), rules.ClampEarnToDailyCap(40, 0))
	assert.Equal(t, int64(30), rules.ClampEarnToDailyCap(40, 70), "clamped to what's left")
	assert.Equal(t, int64(0), rules.ClampEarnToDailyCap(40, 100))
	assert.Equal(t, int64(0), rules.ClampEarnToDailyCap(40, 150), "over-cap never goes negative")
}

// =============================================================================
// TIER OVERRIDES
// =============================================================================

func TestCompileRules_TierOverrides(t *testing.T) {
	// GIVEN: A gold tier with a better earn rate but no redeem override
	// WHEN: Compiling rules
	// THEN: Earn comes from the tier, redeem inherits the merchant value

	earn := int64(1000)
	tier := &loyalty.Tier{ID: "gold", EarnRateBps: &earn}

	rules := loyalty.CompileRules(baseSettings(), tier)

	assert.Equal(t, int64(1000), rules.EarnBps)
	assert.Equal(t, int64(3000), rules.RedeemLimitBps)
	assert.Equal(t, int64(10), rules.MinPayment)
}

func TestCompileRules_DefaultsApplied(t *testing.T) {
	rules := loyalty.CompileRules(loyalty.MerchantSettings{MerchantID: "m-1"}, nil)

	assert.Equal(t, int64(loyalty.DefaultEarnBps), rules.EarnBps)
	assert.Equal(t, int64(loyalty.DefaultRedeemLimitBps), rules.RedeemLimitBps)
}

// =============================================================================
// COOLDOWNS
// =============================================================================

func TestCheckCooldown(t *testing.T) {
	s := baseSettings()
	s.RedeemCooldownSec = 60
	rules := loyalty.CompileRules(s, nil)

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	recent := &loyalty.Transaction{Type: loyalty.TxnRedeem, CreatedAt: now.Add(-30 * time.Second)}
	old := &loyalty.Transaction{Type: loyalty.TxnRedeem, CreatedAt: now.Add(-2 * time.Minute)}

	assert.Equal(t, loyalty.ReasonRedeemCooldown, rules.CheckCooldown(loyalty.TxnRedeem, recent, now))
	assert.Empty(t, rules.CheckCooldown(loyalty.TxnRedeem, old, now))
	assert.Empty(t, rules.CheckCooldown(loyalty.TxnRedeem, nil, now), "no history, no cooldown")
	assert.Empty(t, rules.CheckCooldown(loyalty.TxnEarn, recent, now), "earn cooldown not configured")
}
