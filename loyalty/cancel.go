/*
cancel.go - Hold cancellation

PURPOSE:
  Cancel releases an OPEN hold without settling it. Nothing was
  reserved against the wallet at quote time, so cancellation writes no
  transactions; it only closes the state machine.

SEE ALSO:
  - sweep.go: expiry does the same transition on a timer
*/
package loyalty

import (
	"context"
	"errors"
)

// Cancel moves an OPEN hold to CANCELED. Canceling an already canceled
// hold is a no-op; a committed or expired hold refuses.
func (e *Engine) Cancel(ctx context.Context, merchantID, holdID string) error {
	hold, err := e.store.Holds().Get(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.MerchantID != merchantID {
		return ErrHoldNotFound
	}
	switch hold.Status {
	case HoldCanceled:
		return nil // already done, retries are harmless
	case HoldCommitted, HoldExpired:
		return &HoldStateError{HoldID: hold.ID, Status: hold.Status}
	}
	if hold.ExpiredAt(e.now().UTC()) {
		if terr := e.store.Holds().Transition(ctx, hold.ID, HoldExpired); terr != nil && !errors.Is(terr, ErrHoldNotOpen) {
			return terr
		}
		return &HoldStateError{HoldID: hold.ID, Status: HoldExpired}
	}
	err = e.store.Holds().Transition(ctx, hold.ID, HoldCanceled)
	if errors.Is(err, ErrHoldNotOpen) {
		// Someone beat us to a terminal state; report what it is now.
		current, gerr := e.store.Holds().Get(ctx, holdID)
		if gerr != nil {
			return gerr
		}
		if current.Status == HoldCanceled {
			return nil
		}
		return &HoldStateError{HoldID: current.ID, Status: current.Status}
	}
	return err
}
