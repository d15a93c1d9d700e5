/*
Package loyalty implements the points ledger and transaction state machine
for a multi-tenant loyalty platform.

PURPOSE:
  This package contains the domain types and algorithms for moving
  money-like point balances between a customer's wallet and a merchant's
  liability: the quote → hold → commit/cancel → refund workflow, FIFO
  consumption of earned lots, idempotent retries, and signed confirmations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: one balance per (merchant, customer), mutated only by
    commit/refund inside a unit of work
  - Hold: a time-bounded reservation created by a quote
  - Transaction: an immutable ledger-facing record of a balance change
  - EarnLot: a batch of earned points with independent maturity/expiry,
    consumed oldest-first
  - LedgerEntry: optional double-entry debit/credit pair for audit
  - Receipt: the commit evidence a refund reverses

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never edited, only reversed
  2. Single-winner transitions: a Hold leaves OPEN exactly once
  3. Precision: decimal.Decimal for money, int64 for points
  4. Auditability: every movement carries order/outlet/staff provenance

SEE ALSO:
  - store.go: repository interfaces and the unit of work
  - engine.go: the quote engine
  - commit.go, refund.go, cancel.go: state transitions
  - lots.go: FIFO lot planning and sweeps
*/
package loyalty

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns a fresh UUIDv4 string. Used for holds, transactions,
// lots, ledger entries and receipts.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// WALLET - One points balance per (merchant, customer)
// =============================================================================

// Wallet holds a non-negative points balance. Wallets are never deleted,
// only zeroed; Balance is mutated exclusively by commit/refund/sweep
// inside a unit of work.
type Wallet struct {
	ID         string
	MerchantID string
	CustomerID string
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// HOLD - Provisional reservation created by a quote
// =============================================================================

type HoldStatus string

const (
	HoldOpen      HoldStatus = "OPEN"
	HoldCommitted HoldStatus = "COMMITTED"
	HoldCanceled  HoldStatus = "CANCELED"
	HoldExpired   HoldStatus = "EXPIRED"
)

// Terminal reports whether no further transition out of s is legal.
func (s HoldStatus) Terminal() bool {
	return s == HoldCommitted || s == HoldCanceled || s == HoldExpired
}

type HoldMode string

const (
	ModeEarn   HoldMode = "EARN"
	ModeRedeem HoldMode = "REDEEM"
)

// Hold reserves a quoted redeem/earn before the sale is finalized.
//
// INVARIANT: a Hold transitions out of OPEN exactly once. Commit and
// cancel are the only legal transitions; both are rejected once
// ExpiresAt has passed.
type Hold struct {
	ID            string
	MerchantID    string
	CustomerID    string
	Mode          HoldMode
	Status        HoldStatus
	RedeemPoints  int64
	EarnPoints    int64
	Total         decimal.Decimal
	EligibleTotal decimal.Decimal
	OrderID       string
	ReceiptNumber string
	QRJti         string // anti-replay token id when quoted from a JWT
	OutletID      string
	StaffID       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// ExpiredAt reports whether the hold's TTL has elapsed at now.
func (h *Hold) ExpiredAt(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt)
}

// =============================================================================
// TRANSACTION - Immutable ledger record
// =============================================================================

type TxnType string

const (
	TxnEarn     TxnType = "EARN"
	TxnRedeem   TxnType = "REDEEM"
	TxnRefund   TxnType = "REFUND"
	TxnCampaign TxnType = "CAMPAIGN"
	TxnReferral TxnType = "REFERRAL"
	TxnExpire   TxnType = "EXPIRE" // synthetic debit written by the TTL sweep
)

// Transaction records one balance change. Amount is signed by type:
// positive for EARN/CAMPAIGN/REFERRAL and restoring REFUNDs, negative
// for REDEEM/EXPIRE and revoking REFUNDs.
//
// INVARIANT: once created, Amount and Type never change. A reversal is
// a new Transaction (or sets CanceledAt), never an edit in place.
type Transaction struct {
	ID         string
	MerchantID string
	CustomerID string
	Type       TxnType
	Amount     int64
	OrderID    string
	OutletID   string
	StaffID    string
	Source     LotSource
	CanceledAt *time.Time
	CreatedAt  time.Time
}

// =============================================================================
// EARN LOT - FIFO-ordered batch of earned points
// =============================================================================

type LotStatus string

const (
	LotPending   LotStatus = "PENDING" // awaiting maturity, not yet spendable
	LotActive    LotStatus = "ACTIVE"
	LotExhausted LotStatus = "EXHAUSTED"
	LotExpired   LotStatus = "EXPIRED"
)

// EarnLot is one earning event. Lots are consumed in ascending EarnedAt
// order (ties broken by ID) and never physically deleted.
//
// INVARIANT: 0 <= ConsumedPoints <= Points, and ConsumedPoints only
// decreases during a refund's unconsume, which restores lots in reverse
// consumption order.
type EarnLot struct {
	ID             string
	MerchantID     string
	CustomerID     string
	Points         int64
	ConsumedPoints int64
	Status         LotStatus
	EarnedAt       time.Time
	MaturesAt      *time.Time
	ExpiresAt      *time.Time
	OrderID        string
	OutletID       string
	StaffID        string
	Source         LotSource
}

// Remaining returns the unconsumed points in the lot.
func (l *EarnLot) Remaining() int64 {
	return l.Points - l.ConsumedPoints
}

// =============================================================================
// LOT SOURCE - Tagged provenance union
// =============================================================================

type SourceKind string

const (
	SourcePurchase     SourceKind = "PURCHASE"
	SourcePromotion    SourceKind = "PROMOTION"
	SourceReferral     SourceKind = "REFERRAL"
	SourceRegistration SourceKind = "REGISTRATION"
	SourceManual       SourceKind = "MANUAL"
)

// LotSource identifies where a lot (or transaction) came from. It
// replaces free-form JSON metadata: RefID is the promotion or referral
// id when Kind requires one, empty otherwise.
type LotSource struct {
	Kind  SourceKind
	RefID string
}

// Valid checks the kind/ref pairing at the boundary.
func (s LotSource) Valid() bool {
	switch s.Kind {
	case SourcePromotion, SourceReferral:
		return s.RefID != ""
	case SourcePurchase, SourceRegistration, SourceManual, "":
		return s.RefID == ""
	default:
		return false
	}
}

// =============================================================================
// LEDGER ENTRY - Optional double-entry mirror
// =============================================================================

type LedgerAccount string

const (
	AccountMerchantLiability LedgerAccount = "MERCHANT_LIABILITY"
	AccountCustomerBalance   LedgerAccount = "CUSTOMER_BALANCE"
)

// LedgerEntry is one append-only debit/credit pair. For every committed
// operation the sum of debits equals the sum of credits.
type LedgerEntry struct {
	ID         string
	MerchantID string
	CustomerID string
	Debit      LedgerAccount
	Credit     LedgerAccount
	Amount     int64
	OrderID    string
	OutletID   string
	StaffID    string
	Kind       string // "earn", "redeem", "refund_restore", "refund_revoke", "expire"
	CreatedAt  time.Time
}

// =============================================================================
// RECEIPT - Commit evidence, the refund anchor
// =============================================================================

// Receipt records what a commit actually applied. (merchantID, orderID)
// is unique; a duplicate commit for the same order replays this row.
type Receipt struct {
	ID            string
	MerchantID    string
	CustomerID    string
	OrderID       string
	ReceiptNumber string
	Total         decimal.Decimal
	EligibleTotal decimal.Decimal
	RedeemApplied int64
	EarnApplied   int64
	OutletID      string
	StaffID       string
	CanceledAt    *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

// IdempotencyRecord binds a client-supplied key to one request
// fingerprint and, once execution finishes, its response.
// A record with no response means the execution is in flight (or failed
// and was cleaned up).
type IdempotencyRecord struct {
	MerchantID  string
	Scope       string
	Key         string
	Fingerprint string
	Response    []byte // nil until the execution completes
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// =============================================================================
// QR NONCE - Anti-replay for JWT redeem tokens
// =============================================================================

// QRNonce marks a token id (jti) as used. The unique jti column makes
// the first insert the single winner under races.
type QRNonce struct {
	Jti        string
	MerchantID string
	CustomerID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	UsedAt     time.Time
}

// =============================================================================
// MERCHANT SETTINGS AND TIERS
// =============================================================================

// MerchantSettings is the per-merchant configuration consumed by the
// engine. Zero values fall back to defaults via Normalize.
type MerchantSettings struct {
	MerchantID string

	EarnBps        int64 // earn rate in basis points of eligible total
	RedeemLimitBps int64 // max redeemable share of eligible total

	RedeemCooldownSec int64
	EarnCooldownSec   int64
	RedeemDailyCap    int64 // 0 = unlimited
	EarnDailyCap      int64 // 0 = unlimited

	EarnDelayDays int   // maturity delay for new lots
	PointsTTLDays int   // lot lifetime after activation, 0 = never expires
	MinPayment    int64 // order part that must stay payable in cash

	AllowSameReceipt   bool // earn and redeem on one receipt
	RequireJWTForQuote bool
	LedgerEnabled      bool // double-entry mirror
	LotsEnabled        bool

	QRSecret string // HS256 secret for redeem JWTs
	QRTTLSec int64

	WebhookSecret     string
	WebhookKeyID      string
	WebhookSecretNext string
	WebhookKeyIDNext  string
	UseWebhookNext    bool

	RegistrationBonusPoints int64
}

const (
	DefaultEarnBps        = 500
	DefaultRedeemLimitBps = 5000
	DefaultQRTTLSec       = 120
)

// Normalize fills defaults the way the platform treats absent settings.
func (s MerchantSettings) Normalize() MerchantSettings {
	if s.EarnBps == 0 {
		s.EarnBps = DefaultEarnBps
	}
	if s.RedeemLimitBps == 0 {
		s.RedeemLimitBps = DefaultRedeemLimitBps
	}
	if s.QRTTLSec == 0 {
		s.QRTTLSec = DefaultQRTTLSec
	}
	return s
}

// Tier is a portal-managed loyalty level. Non-nil rate fields override
// the merchant's base bps for assigned customers.
type Tier struct {
	ID              string
	MerchantID      string
	Name            string
	EarnRateBps     *int64
	RedeemRateBps   *int64
	MinPayment      *int64
	ThresholdAmount int64
	IsInitial       bool
}

// TierAssignment links a customer to a tier until ExpiresAt (nil = open).
type TierAssignment struct {
	ID         string
	MerchantID string
	CustomerID string
	TierID     string
	AssignedAt time.Time
	ExpiresAt  *time.Time
}
