package loyalty_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	merchant  = "m-1"
	shortCode = "123456789"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T, mutate func(*loyalty.MerchantSettings)) (*loyalty.Engine, *store.Memory, *testClock) {
	t.Helper()

	st := store.NewMemory()
	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}

	settings := loyalty.MerchantSettings{
		MerchantID:     merchant,
		EarnBps:        500,  // 5%
		RedeemLimitBps: 5000, // 50%
		QRSecret:       qrSecret,
		QRTTLSec:       120,
		LotsEnabled:    true,
		LedgerEnabled:  true,
	}
	if mutate != nil {
		mutate(&settings)
	}
	require.NoError(t, st.Settings().Put(context.Background(), &settings))

	engine := loyalty.NewEngine(st,
		loyalty.WithClock(func() time.Time { return clock.now }),
		loyalty.WithLogger(log.New(io.Discard, "", 0)),
	)
	return engine, st, clock
}

// seedPoints grants active points dated at the current clock.
func seedPoints(t *testing.T, e *loyalty.Engine, customerID string, points int64, orderID string) {
	t.Helper()
	_, err := e.Grant(context.Background(), loyalty.GrantRequest{
		MerchantID: merchant,
		CustomerID: customerID,
		Points:     points,
		Source:     loyalty.LotSource{Kind: loyalty.SourceManual},
		OrderID:    orderID,
	})
	require.NoError(t, err)
}

// quoteAndCommit opens an EARN hold and settles it in one step.
func quoteAndCommit(t *testing.T, e *loyalty.Engine, total, orderID string) *loyalty.CommitResult {
	t.Helper()
	ctx := context.Background()

	q, err := e.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant,
		Mode:       loyalty.ModeEarn,
		UserToken:  shortCode,
		Total:      money(total),
	})
	require.NoError(t, err)

	res, err := e.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant,
		HoldID:     q.HoldID,
		OrderID:    orderID,
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// QUOTE
// =============================================================================

func TestQuote_Earn_Preview(t *testing.T) {
	// GIVEN: 5% earn rate
	// WHEN: Quoting an EARN for a 100.00 order
	// THEN: 5 points are previewed and an OPEN hold pins the answer

	engine, st, clock := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant,
		Mode:       loyalty.ModeEarn,
		UserToken:  shortCode,
		Total:      money("100"),
	})
	require.NoError(t, err)

	assert.True(t, res.CanEarn)
	assert.Equal(t, int64(5), res.EarnPoints)
	assert.Equal(t, shortCode, res.CustomerID)
	assert.Equal(t, clock.now.Add(120*time.Second), res.ExpiresAt)

	hold, err := st.Holds().Get(ctx, res.HoldID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.HoldOpen, hold.Status)
	assert.Equal(t, int64(5), hold.EarnPoints)
}

func TestQuote_Redeem_CappedByWallet(t *testing.T) {
	// GIVEN: A wallet holding 20 points and a 50% redeem limit
	// WHEN: Quoting a REDEEM on a 100.00 order
	// THEN: The cap is the wallet, not the 50-point bps limit

	engine, _, _ := newTestEngine(t, nil)
	seedPoints(t, engine, shortCode, 20, "seed-1")

	res, err := engine.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: merchant,
		Mode:       loyalty.ModeRedeem,
		UserToken:  shortCode,
		Total:      money("100"),
	})
	require.NoError(t, err)

	assert.True(t, res.CanRedeem)
	assert.Equal(t, int64(20), res.RedeemPoints)
	assert.Equal(t, int64(20), res.Balance)
}

func TestQuote_Redeem_EmptyWallet(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	res, err := engine.Quote(context.Background(), loyalty.QuoteRequest{
		MerchantID: merchant,
		Mode:       loyalty.ModeRedeem,
		UserToken:  shortCode,
		Total:      money("100"),
	})
	require.NoError(t, err)

	assert.False(t, res.CanRedeem)
	assert.Equal(t, "nothing_to_redeem", res.Reason)
	assert.Zero(t, res.RedeemPoints)
}

func TestQuote_JWT_RequoteReturnsSameHold(t *testing.T) {
	// GIVEN: A quote opened from a QR token
	// WHEN: The same token is scanned again before commit
	// THEN: The same OPEN hold comes back instead of a second reservation

	engine, _, clock := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, "cust-1", 100, "seed-1")

	tok, err := loyalty.MintQRToken("cust-1", merchant, qrSecret, "jti-1", 2*time.Minute, clock.now)
	require.NoError(t, err)

	first, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: tok, Total: money("100"),
	})
	require.NoError(t, err)

	second, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: tok, Total: money("100"),
	})
	require.NoError(t, err)

	assert.Equal(t, first.HoldID, second.HoldID)
	assert.Equal(t, first.RedeemPoints, second.RedeemPoints)
}

func TestQuote_JWT_UsedTokenRejected(t *testing.T) {
	// GIVEN: A token whose hold was committed (jti burned)
	// WHEN: The same token is scanned again
	// THEN: ErrTokenUsed

	engine, _, clock := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, "cust-1", 100, "seed-1")

	tok, err := loyalty.MintQRToken("cust-1", merchant, qrSecret, "jti-1", 2*time.Minute, clock.now)
	require.NoError(t, err)

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: tok, Total: money("100"),
	})
	require.NoError(t, err)

	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	require.NoError(t, err)

	_, err = engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: tok, Total: money("100"),
	})
	assert.ErrorIs(t, err, loyalty.ErrTokenUsed)
}

// brokenNonceStore fails every nonce lookup.
type brokenNonceStore struct {
	loyalty.Store
	err error
}

func (b brokenNonceStore) Nonces() loyalty.NonceRepo { return brokenNonces{b.err} }

type brokenNonces struct{ err error }

func (b brokenNonces) Insert(context.Context, *loyalty.QRNonce) error { return b.err }
func (b brokenNonces) Get(context.Context, string) (*loyalty.QRNonce, error) {
	return nil, b.err
}

func TestQuote_JWT_NonceStoreFailurePropagates(t *testing.T) {
	// GIVEN: A nonce store that errors on lookup
	// WHEN: Quoting with a JWT token
	// THEN: The store error surfaces; the token is not treated as unused

	st := store.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Settings().Put(ctx, &loyalty.MerchantSettings{
		MerchantID: merchant, EarnBps: 500, RedeemLimitBps: 5000, QRSecret: qrSecret,
	}))

	down := errors.New("nonce store unavailable")
	engine := loyalty.NewEngine(brokenNonceStore{Store: st, err: down},
		loyalty.WithClock(func() time.Time { return now }),
		loyalty.WithLogger(log.New(io.Discard, "", 0)),
	)

	tok, err := loyalty.MintQRToken("cust-1", merchant, qrSecret, "jti-1", 2*time.Minute, now)
	require.NoError(t, err)

	_, err = engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: tok, Total: money("100"),
	})
	assert.ErrorIs(t, err, down)
}

func TestQuote_Validation(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: "BOGUS", UserToken: shortCode, Total: money("10"),
	})
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode, Total: money("0"),
	})
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode,
		Total: money("10"), EligibleTotal: money("20"),
	})
	assert.ErrorIs(t, err, loyalty.ErrValidation)
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommit_Earn_CreditsWalletAndLot(t *testing.T) {
	engine, st, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := quoteAndCommit(t, engine, "100", "order-1")

	assert.Equal(t, int64(5), res.EarnApplied)
	assert.Equal(t, int64(5), res.Balance)
	assert.False(t, res.EarnPending)

	lots, err := st.Lots().ActiveFIFO(ctx, merchant, shortCode)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(5), lots[0].Points)
	assert.Equal(t, "order-1", lots[0].OrderID)
}

func TestCommit_Redeem_ConsumesLotsFIFO(t *testing.T) {
	// GIVEN: Lots of 100 (older) and 50 (newer) points
	// WHEN: Committing a 120-point redemption
	// THEN: The older lot is exhausted, the newer keeps 30, balance is 30

	engine, st, clock := newTestEngine(t, nil)
	ctx := context.Background()

	seedPoints(t, engine, shortCode, 100, "seed-old")
	clock.Advance(time.Hour)
	seedPoints(t, engine, shortCode, 50, "seed-new")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("1000"),
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, q.RedeemPoints, int64(120))

	res, err := engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID:   merchant,
		HoldID:       q.HoldID,
		OrderID:      "order-1",
		RedeemPoints: 120,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(120), res.RedeemApplied)
	assert.Equal(t, int64(30), res.Balance)

	lots, err := st.Lots().ActiveFIFO(ctx, merchant, shortCode)
	require.NoError(t, err)
	require.Len(t, lots, 1, "only the newer lot still holds points")
	assert.Equal(t, int64(30), lots[0].Remaining())
}

func TestCommit_DuplicateOrder_Replays(t *testing.T) {
	// GIVEN: A committed order
	// WHEN: The same order is committed again
	// THEN: The stored receipt replays; no points move twice

	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first := quoteAndCommit(t, engine, "100", "order-1")

	second, err := engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: "whatever", OrderID: "order-1",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.Equal(t, first.EarnApplied, second.EarnApplied)

	balance, err := engine.Balance(ctx, merchant, shortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "earn applied exactly once")
}

func TestCommit_ExpiredHold_Rejected(t *testing.T) {
	// GIVEN: A hold whose TTL elapsed
	// WHEN: Committing
	// THEN: ErrHoldExpired, and the hold is flipped to EXPIRED

	engine, st, clock := newTestEngine(t, nil)
	ctx := context.Background()

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrHoldExpired)

	hold, err := st.Holds().Get(ctx, q.HoldID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.HoldExpired, hold.Status)
}

func TestCommit_LedgerInconsistency_Aborts(t *testing.T) {
	// GIVEN: A wallet balance above what the lots can cover
	// WHEN: Committing a redeem that passes the wallet check
	// THEN: ErrLedgerInconsistent and the unit of work writes nothing

	engine, st, clock := newTestEngine(t, nil)
	ctx := context.Background()

	// Books disagree: 100 in the wallet, only 40 across lots.
	_, err := st.Wallets().GetOrCreate(ctx, merchant, shortCode)
	require.NoError(t, err)
	_, err = st.Wallets().AddBalance(ctx, merchant, shortCode, 100)
	require.NoError(t, err)
	require.NoError(t, st.Lots().Create(ctx, &loyalty.EarnLot{
		ID: "lot-1", MerchantID: merchant, CustomerID: shortCode,
		Points: 40, Status: loyalty.LotActive, EarnedAt: clock.now,
		Source: loyalty.LotSource{Kind: loyalty.SourceManual},
	}))

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), q.RedeemPoints, "wallet check passes at quote time")

	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrLedgerInconsistent)

	// Rolled back: balance intact, lot untouched, no receipt.
	balance, err := engine.Balance(ctx, merchant, shortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	lot, err := st.Lots().Get(ctx, "lot-1")
	require.NoError(t, err)
	assert.Zero(t, lot.ConsumedPoints)

	_, err = st.Receipts().ByOrder(ctx, merchant, "order-1")
	assert.ErrorIs(t, err, loyalty.ErrReceiptNotFound)
}

func TestCommit_RedeemAboveQuote_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, shortCode, 100, "seed-1")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)

	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID:   merchant,
		HoldID:       q.HoldID,
		OrderID:      "order-1",
		RedeemPoints: q.RedeemPoints + 1,
	})
	assert.ErrorIs(t, err, loyalty.ErrLimitExceeded)
}

func TestCommit_PartialRedeem(t *testing.T) {
	// GIVEN: A 50-point quote
	// WHEN: The cashier applies only 10
	// THEN: 10 points move, the rest stays in the wallet

	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, shortCode, 100, "seed-1")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), q.RedeemPoints)

	res, err := engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1", RedeemPoints: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10), res.RedeemApplied)
	assert.Equal(t, int64(90), res.Balance)
}

func TestCommit_EarnDelay_PendingLot(t *testing.T) {
	// GIVEN: A 7-day earn delay
	// WHEN: Committing an earn
	// THEN: The lot is PENDING, the wallet is untouched until maturity

	engine, st, _ := newTestEngine(t, func(s *loyalty.MerchantSettings) {
		s.EarnDelayDays = 7
	})
	ctx := context.Background()

	res := quoteAndCommit(t, engine, "100", "order-1")

	assert.Equal(t, int64(5), res.EarnApplied)
	assert.True(t, res.EarnPending)
	assert.Zero(t, res.Balance)

	pending, err := st.Lots().Pending(ctx, merchant, shortCode)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].MaturesAt)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_Lifecycle(t *testing.T) {
	engine, st, _ := newTestEngine(t, nil)
	ctx := context.Background()

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)

	// Cancel an open hold.
	require.NoError(t, engine.Cancel(ctx, merchant, q.HoldID))
	hold, err := st.Holds().Get(ctx, q.HoldID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.HoldCanceled, hold.Status)

	// Canceling again is a no-op.
	assert.NoError(t, engine.Cancel(ctx, merchant, q.HoldID))

	// Committing a canceled hold is refused.
	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrHoldNotOpen)
}

func TestCancel_CommittedHold_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	require.NoError(t, err)

	err = engine.Cancel(ctx, merchant, q.HoldID)
	assert.ErrorIs(t, err, loyalty.ErrHoldNotOpen)
}

// =============================================================================
// REFUND
// =============================================================================

func TestRefund_FullRedeem_RestoresPoints(t *testing.T) {
	// GIVEN: 20 points redeemed on an order
	// WHEN: The order is fully refunded
	// THEN: The 20 points come back, lots are restored

	engine, st, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, shortCode, 40, "seed-1")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1", RedeemPoints: 20,
	})
	require.NoError(t, err)

	res, err := engine.Refund(ctx, loyalty.RefundRequest{
		MerchantID: merchant, OrderID: "order-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20), res.PointsRestored)
	assert.Equal(t, int64(40), res.Balance)

	lots, err := st.Lots().ActiveFIFO(ctx, merchant, shortCode)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(40), lots[0].Remaining())
}

func TestRefund_FullEarn_RevokesPoints(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := quoteAndCommit(t, engine, "100", "order-1")
	require.Equal(t, int64(5), res.EarnApplied)

	ref, err := engine.Refund(ctx, loyalty.RefundRequest{
		MerchantID: merchant, OrderID: "order-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), ref.PointsRevoked)
	assert.Zero(t, ref.Balance)
}

func TestRefund_Partial_Proportional(t *testing.T) {
	// GIVEN: 30 points redeemed against 100.00 eligible
	// WHEN: Refunding 50.00 of it
	// THEN: Half the redemption (15 points) is restored

	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedPoints(t, engine, shortCode, 60, "seed-1")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1", RedeemPoints: 30,
	})
	require.NoError(t, err)

	res, err := engine.Refund(ctx, loyalty.RefundRequest{
		MerchantID:     merchant,
		OrderID:        "order-1",
		RefundEligible: money("50"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(15), res.PointsRestored)
	assert.Equal(t, int64(45), res.Balance) // 60 - 30 + 15
}

func TestRefund_Twice_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	quoteAndCommit(t, engine, "100", "order-1")

	_, err := engine.Refund(ctx, loyalty.RefundRequest{MerchantID: merchant, OrderID: "order-1"})
	require.NoError(t, err)

	_, err = engine.Refund(ctx, loyalty.RefundRequest{MerchantID: merchant, OrderID: "order-1"})
	assert.ErrorIs(t, err, loyalty.ErrAlreadyRefunded)
}

func TestRefund_RevokeBoundedByBalance(t *testing.T) {
	// GIVEN: An earn the customer already spent
	// WHEN: The earning order is refunded
	// THEN: The wallet debit is bounded by the balance, never negative

	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := quoteAndCommit(t, engine, "100", "order-1")
	require.Equal(t, int64(5), res.EarnApplied)

	// Spend everything.
	_, err := engine.Deduct(ctx, merchant, shortCode, 5, "staff-1")
	require.NoError(t, err)

	ref, err := engine.Refund(ctx, loyalty.RefundRequest{MerchantID: merchant, OrderID: "order-1"})
	require.NoError(t, err)

	assert.Zero(t, ref.PointsRevoked, "nothing left to take")
	assert.Zero(t, ref.Balance)
}

func TestRefund_UnknownOrder(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	_, err := engine.Refund(context.Background(), loyalty.RefundRequest{
		MerchantID: merchant, OrderID: "never-committed",
	})
	assert.ErrorIs(t, err, loyalty.ErrReceiptNotFound)
}

// =============================================================================
// LEDGER BALANCE
// =============================================================================

func TestLedger_DebitsEqualCredits(t *testing.T) {
	// GIVEN: A run of earn, redeem and refund activity
	// WHEN: Summing the double-entry rows
	// THEN: Total debits equal total credits

	engine, st, _ := newTestEngine(t, nil)
	ctx := context.Background()

	seedPoints(t, engine, shortCode, 50, "seed-1")
	quoteAndCommit(t, engine, "200", "order-earn")

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeRedeem, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-redeem", RedeemPoints: 25,
	})
	require.NoError(t, err)

	_, err = engine.Refund(ctx, loyalty.RefundRequest{MerchantID: merchant, OrderID: "order-redeem"})
	require.NoError(t, err)

	debits, credits, err := st.Ledger().Sums(ctx, merchant)
	require.NoError(t, err)

	var totalDebits, totalCredits int64
	for _, v := range debits {
		totalDebits += v
	}
	for _, v := range credits {
		totalCredits += v
	}
	assert.NotZero(t, totalDebits)
	assert.Equal(t, totalDebits, totalCredits)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestSweep_ExpiredHolds(t *testing.T) {
	engine, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	q, err := engine.Quote(ctx, loyalty.QuoteRequest{
		MerchantID: merchant, Mode: loyalty.ModeEarn, UserToken: shortCode, Total: money("100"),
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := engine.SweepExpiredHolds(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = engine.Commit(ctx, loyalty.CommitRequest{
		MerchantID: merchant, HoldID: q.HoldID, OrderID: "order-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrHoldExpired)
}

func TestSweep_MaturedLots_CreditWallet(t *testing.T) {
	// GIVEN: A pending lot from a delayed earn
	// WHEN: The maturity sweep runs after the delay
	// THEN: The wallet is credited once; a second sweep does nothing

	engine, _, clock := newTestEngine(t, func(s *loyalty.MerchantSettings) {
		s.EarnDelayDays = 7
	})
	ctx := context.Background()

	quoteAndCommit(t, engine, "100", "order-1")

	balance, err := engine.Balance(ctx, merchant, shortCode)
	require.NoError(t, err)
	require.Zero(t, balance)

	clock.Advance(8 * 24 * time.Hour)

	n, err := engine.SweepMaturedLots(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	balance, err = engine.Balance(ctx, merchant, shortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	n, err = engine.SweepMaturedLots(ctx, clock.now)
	require.NoError(t, err)
	assert.Zero(t, n, "idempotent")
}

func TestSweep_ExpiredLots_BurnRemainder(t *testing.T) {
	// GIVEN: An earned lot past its TTL with 5 unconsumed points
	// WHEN: The expiry sweep runs
	// THEN: The remainder is burned from the wallet with an EXPIRE record

	engine, st, clock := newTestEngine(t, func(s *loyalty.MerchantSettings) {
		s.PointsTTLDays = 30
	})
	ctx := context.Background()

	quoteAndCommit(t, engine, "100", "order-1")

	clock.Advance(31 * 24 * time.Hour)

	burned, err := engine.SweepExpiredLots(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), burned)

	balance, err := engine.Balance(ctx, merchant, shortCode)
	require.NoError(t, err)
	assert.Zero(t, balance)

	last, err := st.Transactions().LastOfType(ctx, merchant, shortCode, loyalty.TxnExpire)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(-5), last.Amount)
}

// hookedTxStore defers to the wrapped store but runs a hook before the
// first unit of work, standing in for writes that land between a sweep's
// candidate listing and its transaction.
type hookedTxStore struct {
	loyalty.Store
	hook func()
}

func (h *hookedTxStore) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	if h.hook != nil {
		run := h.hook
		h.hook = nil
		run()
	}
	return h.Store.WithTx(ctx, fn)
}

func TestSweep_ExpiredLots_BurnsOnlyCurrentRemainder(t *testing.T) {
	// GIVEN: An expired 50-point lot already listed by the sweep
	// WHEN: A redeem consumes 30 of it before the sweep's transaction opens
	// THEN: Only the 20 points still unconsumed are burned

	st := store.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Settings().Put(ctx, &loyalty.MerchantSettings{
		MerchantID: merchant, EarnBps: 500, RedeemLimitBps: 5000, LotsEnabled: true,
	}))
	expiry := now.Add(-time.Hour)
	require.NoError(t, st.Lots().Create(ctx, &loyalty.EarnLot{
		ID: "lot-exp", MerchantID: merchant, CustomerID: shortCode,
		Points: 50, Status: loyalty.LotActive,
		EarnedAt: now.Add(-48 * time.Hour), ExpiresAt: &expiry,
		Source: loyalty.LotSource{Kind: loyalty.SourceManual},
	}))
	_, err := st.Wallets().GetOrCreate(ctx, merchant, shortCode)
	require.NoError(t, err)
	_, err = st.Wallets().AddBalance(ctx, merchant, shortCode, 50)
	require.NoError(t, err)

	wrapped := &hookedTxStore{Store: st, hook: func() {
		// The racing redeem: 30 points consumed and debited.
		require.NoError(t, st.Lots().SetConsumed(ctx, "lot-exp", 30, loyalty.LotActive))
		_, err := st.Wallets().AddBalance(ctx, merchant, shortCode, -30)
		require.NoError(t, err)
	}}
	engine := loyalty.NewEngine(wrapped,
		loyalty.WithClock(func() time.Time { return now }),
		loyalty.WithLogger(log.New(io.Discard, "", 0)),
	)

	burned, err := engine.SweepExpiredLots(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(20), burned, "the redeemed 30 must not be burned again")

	w, err := st.Wallets().Get(ctx, merchant, shortCode)
	require.NoError(t, err)
	assert.Zero(t, w.Balance, "50 - 30 redeemed - 20 burned")

	lot, err := st.Lots().Get(ctx, "lot-exp")
	require.NoError(t, err)
	assert.Equal(t, loyalty.LotExpired, lot.Status)
}

// =============================================================================
// GRANTS AND READS
// =============================================================================

func TestGrantRegistrationBonus_Once(t *testing.T) {
	engine, _, _ := newTestEngine(t, func(s *loyalty.MerchantSettings) {
		s.RegistrationBonusPoints = 25
	})
	ctx := context.Background()

	balance, err := engine.GrantRegistrationBonus(ctx, merchant, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	// A retry of the registration flow does not double-grant.
	balance, err = engine.GrantRegistrationBonus(ctx, merchant, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestHistory_MergesPendingLots(t *testing.T) {
	engine, _, clock := newTestEngine(t, func(s *loyalty.MerchantSettings) {
		s.EarnDelayDays = 7
	})
	ctx := context.Background()

	seedPoints(t, engine, shortCode, 10, "seed-1")
	clock.Advance(time.Minute)
	quoteAndCommit(t, engine, "100", "order-1") // pending earn

	items, err := engine.History(ctx, merchant, shortCode, nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.True(t, items[0].Pending, "newest first, the pending lot leads")
	assert.Equal(t, int64(5), items[0].Amount)
	assert.False(t, items[1].Pending)
}

func TestBalance_UnknownCustomerIsZero(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	balance, err := engine.Balance(context.Background(), merchant, "stranger")
	require.NoError(t, err)
	assert.Zero(t, balance)
}
