/*
idempotency.go - At-most-once execution keyed by client retry keys

PURPOSE:
  Commit and refund must execute at most once per Idempotency-Key even
  under concurrent retries. The store's unique constraint on
  (merchant, scope, key) makes the first Insert the single winner;
  everyone else replays the stored response or is told to back off.

PROTOCOL:
  1. Insert a placeholder claiming the key with the request fingerprint
  2. Winner runs exec, stores the serialized response on the claim
  3. Loser with a matching fingerprint: replay stored response, or
     ErrOperationInFlight while the winner is still running
  4. Loser with a different fingerprint: ErrIdempotencyMismatch
  5. exec failure deletes the claim so a retry can run fresh

SEE ALSO:
  - store.go: IdempotencyRepo contract
  - api/handlers.go: reads the Idempotency-Key header
*/
package loyalty

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Idempotency scopes. Keys are namespaced per operation so the same
// client key on commit and refund never collide.
const (
	ScopeCommit = "loyalty/commit"
	ScopeRefund = "loyalty/refund"
)

// IdempotencyTTL bounds how long stored responses are replayed.
const IdempotencyTTL = 72 * time.Hour

// Fingerprint normalizes a request into a hash for reuse detection.
// Marshaling the typed request struct gives stable field order.
func Fingerprint(req any) string {
	raw, err := json.Marshal(req)
	if err != nil {
		// Requests are plain structs; this cannot fail in practice.
		raw = []byte(fmt.Sprintf("%#v", req))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RunIdempotent executes exec at most once for (merchantID, scope, key).
// The returned bytes are the operation's serialized response, whether
// fresh or replayed; replayed is true when the stored copy was used.
//
// key may be empty, in which case exec always runs (the client opted
// out of retry protection).
func RunIdempotent(ctx context.Context, store Store, merchantID, scope, key, fingerprint string,
	exec func(ctx context.Context) ([]byte, error)) (response []byte, replayed bool, err error) {

	if key == "" {
		out, err := exec(ctx)
		return out, false, err
	}

	now := time.Now().UTC()
	claim := &IdempotencyRecord{
		MerchantID:  merchantID,
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(IdempotencyTTL),
	}

	err = store.Idempotency().Insert(ctx, claim)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, gerr := store.Idempotency().Get(ctx, merchantID, scope, key)
		if gerr != nil {
			return nil, false, gerr
		}
		if existing.Fingerprint != fingerprint {
			return nil, false, ErrIdempotencyMismatch
		}
		if existing.Response == nil {
			return nil, false, ErrOperationInFlight
		}
		return existing.Response, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	out, execErr := exec(ctx)
	if execErr != nil {
		// Release the claim; a deliberate retry should get a fresh run.
		if derr := store.Idempotency().Delete(ctx, merchantID, scope, key); derr != nil {
			return nil, false, errors.Join(execErr, derr)
		}
		return nil, false, execErr
	}

	if err := store.Idempotency().SetResponse(ctx, merchantID, scope, key, out); err != nil {
		return nil, false, err
	}
	return out, false, nil
}
