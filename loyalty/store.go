/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the boundary between domain logic and the database. Each
  entity gets a narrow repository; Store bundles them and adds the
  unit of work (WithTx) that commit/refund/sweeps run inside.

KEY INTERFACES:
  WalletRepo       Wallet lookup/create/balance updates
  HoldRepo         Hold creation and single-winner status transitions
  TransactionRepo  Append-only transaction records
  LotRepo          Earn lots in FIFO order, consumption updates
  LedgerRepo       Append-only double-entry rows
  ReceiptRepo      Commit evidence, unique per (merchant, order)
  IdempotencyRepo  Single-winner key claims with stored responses
  Store            All of the above + WithTx

TRANSACTIONAL CONTRACT:
  WithTx executes fn against repositories bound to one database
  transaction. fn returning an error rolls everything back. The
  single-winner guarantees (hold transition, idempotency claim,
  receipt uniqueness) come from status-gated UPDATEs and unique
  constraints, not from advisory locking.

APPEND-ONLY CONTRACT:
  TransactionRepo and LedgerRepo have no Update or Delete. The only
  mutation is MarkCanceled on a transaction, which stamps CanceledAt
  for refunds; amounts never change.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - loyalty/store/memory.go: in-memory for engine tests

SEE ALSO:
  - commit.go, refund.go: the unit-of-work consumers
  - errors.go: the not-found sentinels repositories return
*/
package loyalty

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// PER-ENTITY REPOSITORIES
// =============================================================================

// WalletRepo manages wallet rows. Get returns ErrWalletNotFound when no
// wallet exists; GetOrCreate never does.
type WalletRepo interface {
	Get(ctx context.Context, merchantID, customerID string) (*Wallet, error)
	GetOrCreate(ctx context.Context, merchantID, customerID string) (*Wallet, error)

	// AddBalance applies a signed delta and returns the updated wallet.
	// The implementation must reject a result below zero.
	AddBalance(ctx context.Context, merchantID, customerID string, delta int64) (*Wallet, error)
}

// HoldRepo manages holds.
type HoldRepo interface {
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)

	// FindOpenByJti returns the OPEN hold quoted from the given token id,
	// or ErrHoldNotFound.
	FindOpenByJti(ctx context.Context, merchantID, jti string) (*Hold, error)

	// Transition moves a hold from OPEN to the target status. It returns
	// ErrHoldNotOpen when the hold already left OPEN: the UPDATE is gated
	// on status so exactly one caller wins.
	Transition(ctx context.Context, id string, to HoldStatus) error

	// ExpireOlderThan marks OPEN holds whose TTL passed as EXPIRED and
	// returns how many were flipped.
	ExpireOlderThan(ctx context.Context, now time.Time) (int64, error)
}

// TransactionRepo is append-only.
type TransactionRepo interface {
	Append(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// List returns a customer's transactions, most recent first, strictly
	// before the cursor when one is given.
	List(ctx context.Context, merchantID, customerID string, before *time.Time, limit int) ([]Transaction, error)

	// SumSince totals amounts of one type created at/after since.
	// Used for daily caps and cooldown checks.
	SumSince(ctx context.Context, merchantID, customerID string, typ TxnType, since time.Time) (int64, error)

	// LastOfType returns the newest transaction of the given type, or nil.
	LastOfType(ctx context.Context, merchantID, customerID string, typ TxnType) (*Transaction, error)

	// FindByOrder returns all transactions tied to an order.
	FindByOrder(ctx context.Context, merchantID, orderID string) ([]Transaction, error)

	// MarkCanceled stamps CanceledAt. The only permitted mutation.
	MarkCanceled(ctx context.Context, id string, at time.Time) error
}

// LotRepo manages earn lots.
type LotRepo interface {
	Create(ctx context.Context, l *EarnLot) error

	// Get returns a lot by id, or ErrRecordNotFound. Sweeps re-read the
	// lot inside their unit of work so the burn amount reflects
	// consumption that happened after the candidate listing.
	Get(ctx context.Context, id string) (*EarnLot, error)

	// ActiveFIFO returns ACTIVE lots with remaining points, ordered by
	// EarnedAt ascending (ties by ID). The consumption order.
	ActiveFIFO(ctx context.Context, merchantID, customerID string) ([]EarnLot, error)

	// ConsumedFIFO returns lots with a non-zero consumed counter in the
	// same FIFO order. The refund unconsume walks these reversed.
	ConsumedFIFO(ctx context.Context, merchantID, customerID string) ([]EarnLot, error)

	// ByOrder returns the lots earned from one order, any status.
	ByOrder(ctx context.Context, merchantID, orderID string) ([]EarnLot, error)

	// Pending returns PENDING lots for a customer, oldest first.
	Pending(ctx context.Context, merchantID, customerID string) ([]EarnLot, error)

	// SetConsumed writes a lot's consumed counter and derived status.
	SetConsumed(ctx context.Context, id string, consumed int64, status LotStatus) error

	// TransitionStatus flips a lot from one status to another. The UPDATE
	// is gated on the current status; false means another pass won.
	TransitionStatus(ctx context.Context, id string, from, to LotStatus) (bool, error)

	// ExpiredBefore returns ACTIVE lots whose ExpiresAt passed.
	ExpiredBefore(ctx context.Context, now time.Time, limit int) ([]EarnLot, error)

	// MaturedBefore returns PENDING lots whose MaturesAt passed.
	MaturedBefore(ctx context.Context, now time.Time, limit int) ([]EarnLot, error)
}

// LedgerRepo is append-only double-entry storage.
type LedgerRepo interface {
	Append(ctx context.Context, e *LedgerEntry) error
	ByOrder(ctx context.Context, merchantID, orderID string) ([]LedgerEntry, error)

	// Sums returns total debits and credits per account for a merchant.
	// Used by the balance-audit check in tests and reconciliation.
	Sums(ctx context.Context, merchantID string) (map[LedgerAccount]int64, map[LedgerAccount]int64, error)
}

// ReceiptRepo manages commit receipts. Create must surface the unique
// (merchantID, orderID) constraint as ErrDuplicateOrder so commit can
// replay instead of double-applying.
type ReceiptRepo interface {
	Create(ctx context.Context, r *Receipt) error
	ByOrder(ctx context.Context, merchantID, orderID string) (*Receipt, error)
	MarkCanceled(ctx context.Context, id string, at time.Time) error
}

// Store-produced sentinels. Declared here rather than errors.go because
// only repository implementations return them: each marks a unique
// constraint deciding a single-winner race.
var (
	ErrDuplicateOrder          = errors.New("duplicate order receipt")
	ErrDuplicateNonce          = errors.New("duplicate qr nonce")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// IdempotencyRepo manages idempotency records.
type IdempotencyRepo interface {
	// Insert claims (merchantID, scope, key). The unique constraint makes
	// the first caller the winner; losers get ErrDuplicateIdempotencyKey.
	Insert(ctx context.Context, rec *IdempotencyRecord) error

	Get(ctx context.Context, merchantID, scope, key string) (*IdempotencyRecord, error)

	// SetResponse stores the serialized successful response.
	SetResponse(ctx context.Context, merchantID, scope, key string, response []byte) error

	// Delete removes a claim after a failed execution so retries can run.
	Delete(ctx context.Context, merchantID, scope, key string) error

	// PurgeExpired drops records past their TTL.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// NonceRepo records used QR token ids.
type NonceRepo interface {
	// Insert claims a jti; ErrDuplicateNonce when already used.
	Insert(ctx context.Context, n *QRNonce) error
	Get(ctx context.Context, jti string) (*QRNonce, error)
}

// SettingsRepo reads and writes per-merchant configuration.
type SettingsRepo interface {
	Get(ctx context.Context, merchantID string) (*MerchantSettings, error)
	Put(ctx context.Context, s *MerchantSettings) error
}

// TierRepo resolves a customer's active tier.
type TierRepo interface {
	// ActiveFor returns the customer's tier at now, or nil when unassigned.
	ActiveFor(ctx context.Context, merchantID, customerID string, now time.Time) (*Tier, error)
	Put(ctx context.Context, t *Tier) error
	Assign(ctx context.Context, a *TierAssignment) error
}

// =============================================================================
// STORE - Repository bundle + unit of work
// =============================================================================

// Store bundles every repository and provides the unit of work.
type Store interface {
	Wallets() WalletRepo
	Holds() HoldRepo
	Transactions() TransactionRepo
	Lots() LotRepo
	Ledger() LedgerRepo
	Receipts() ReceiptRepo
	Idempotency() IdempotencyRepo
	Nonces() NonceRepo
	Settings() SettingsRepo
	Tiers() TierRepo

	// WithTx executes fn against repositories bound to one database
	// transaction. An error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
