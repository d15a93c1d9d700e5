/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these to status codes; callers elsewhere should
  use errors.Is / the helper predicates rather than string matching.

ERROR CATEGORIES:
  1. Validation errors - malformed or out-of-policy requests
  2. State errors - illegal hold/receipt transitions
  3. Balance/limit errors - not enough points or over a cap
  4. Idempotency errors - key reuse conflicts
  5. Integrity errors - wallet/lot disagreement, never auto-repaired

USAGE:
  if errors.Is(err, loyalty.ErrHoldExpired) { ... }

  var ib *loyalty.InsufficientBalanceError
  if errors.As(err, &ib) { log.Printf("short %d points", ib.Shortfall) }

SEE ALSO:
  - commit.go, refund.go: produce most of these
  - api/handlers.go: maps them to HTTP statuses
*/
package loyalty

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all bad-input errors.
	ErrValidation = errors.New("validation failed")

	// ErrWalletNotFound is returned when no wallet exists for the
	// (merchant, customer) pair and the operation cannot create one.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrHoldNotFound is returned when a referenced hold doesn't exist.
	ErrHoldNotFound = errors.New("hold not found")

	// ErrReceiptNotFound is returned when a refund references an order
	// that was never committed.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrMerchantNotFound is returned when no settings row exists for a merchant.
	ErrMerchantNotFound = errors.New("merchant not found")

	// ErrRecordNotFound is the generic miss for rows without a dedicated
	// sentinel (transactions, idempotency claims, nonces).
	ErrRecordNotFound = errors.New("record not found")

	// ErrHoldNotOpen is returned when commit or cancel hits a hold that has
	// already left the OPEN state. The first transition won; this one loses.
	ErrHoldNotOpen = errors.New("hold is not open")

	// ErrHoldExpired is returned when a hold's TTL elapsed before
	// commit/cancel arrived. Expired holds never commit.
	ErrHoldExpired = errors.New("hold expired")

	// ErrInsufficientBalance is returned when a redeem exceeds the wallet.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrLimitExceeded is returned when an explicit redeem request exceeds
	// the order limit, daily cap, or min-payment constraint.
	ErrLimitExceeded = errors.New("redeem limit exceeded")

	// ErrIdempotencyMismatch is returned when an Idempotency-Key is reused
	// with a different request body.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")

	// ErrOperationInFlight is returned when another execution holds the same
	// idempotency key and has not finished yet.
	ErrOperationInFlight = errors.New("operation already in flight")

	// ErrAlreadyRefunded is returned on a second refund of the same order.
	ErrAlreadyRefunded = errors.New("order already refunded")

	// ErrTokenInvalid is returned when a redeem token fails parsing,
	// signature, audience, or expiry checks.
	ErrTokenInvalid = errors.New("invalid redeem token")

	// ErrTokenUsed is returned when a redeem token's jti was already
	// consumed by a finished hold.
	ErrTokenUsed = errors.New("redeem token already used")

	// ErrLedgerInconsistent is returned when spendable lot totals disagree
	// with the wallet balance inside a commit. The unit of work is aborted;
	// the inconsistency is surfaced, never silently repaired.
	ErrLedgerInconsistent = errors.New("ledger inconsistent with wallet balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError wraps ErrValidation with the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a field-level validation error.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError provides details about a points shortage.
type InsufficientBalanceError struct {
	MerchantID string
	CustomerID string
	Available  int64
	Requested  int64
	Shortfall  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// LimitExceededError reports which cap refused a redeem.
type LimitExceededError struct {
	Limit     string // "order_limit", "daily_cap", "min_payment"
	Allowed   int64
	Requested int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("redeem limit exceeded (%s): allowed %d, requested %d",
		e.Limit, e.Allowed, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// HoldStateError reports an illegal transition attempt on a hold.
type HoldStateError struct {
	HoldID string
	Status HoldStatus
}

func (e *HoldStateError) Error() string {
	return fmt.Sprintf("hold %s is %s, not OPEN", e.HoldID, e.Status)
}

func (e *HoldStateError) Unwrap() error {
	if e.Status == HoldExpired {
		return ErrHoldExpired
	}
	return ErrHoldNotOpen
}

// LedgerInconsistencyError reports the wallet/lot disagreement detected
// inside a commit, for operator diagnostics.
type LedgerInconsistencyError struct {
	MerchantID string
	CustomerID string
	Wallet     int64
	Spendable  int64
	DetectedAt time.Time
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistent for %s/%s: wallet=%d spendable=%d",
		e.MerchantID, e.CustomerID, e.Wallet, e.Spendable)
}

func (e *LedgerInconsistencyError) Unwrap() error { return ErrLedgerInconsistent }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOperationInFlight)
}

// IsClientError returns true if the error is due to invalid client input
// or an out-of-policy request (4xx family).
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenUsed) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrHoldNotOpen) ||
		errors.Is(err, ErrHoldExpired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrMerchantNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsConflict returns true for state conflicts that map to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrHoldNotOpen) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrOperationInFlight) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrTokenUsed)
}
