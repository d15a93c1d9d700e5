/*
lots.go - FIFO earn-lot planning

PURPOSE:
  Pure functions that plan how a points movement maps onto earn lots.
  Planning is separated from persistence: commit/refund load the lots,
  call a planner, then write the updates inside their unit of work.

PLANNERS:
  PlanConsume    redeem N points oldest-lot-first
  PlanUnconsume  restore N points newest-consumed-first (refund of redeem)
  PlanRevoke     claw back earned points from an order's lots

ORDERING:
  Lots are consumed by EarnedAt ascending, ties broken by ID, so the
  consumption order is total and deterministic. Unconsume walks the
  same order reversed, which restores exactly the lots a redeem drained.

SEE ALSO:
  - commit.go: PlanConsume inside the redeem unit of work
  - refund.go: PlanUnconsume / PlanRevoke
  - sweep.go: expiry and maturity passes over lots
*/
package loyalty

import "sort"

// LotUpdate is one planned write: set the lot's consumed counter and
// the status that follows from it.
type LotUpdate struct {
	LotID    string
	Consumed int64
	Status   LotStatus
	Delta    int64 // points taken (positive) or restored (negative) by this update
}

// sortFIFO orders lots by EarnedAt ascending, ID as tiebreak.
func sortFIFO(lots []EarnLot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].EarnedAt.Equal(lots[j].EarnedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].EarnedAt.Before(lots[j].EarnedAt)
	})
}

// PlanConsume distributes a redeem of points across ACTIVE lots in FIFO
// order. It returns the planned updates and the shortfall: points that
// could not be covered because the lots held less than requested.
// A non-zero shortfall with a passing wallet check means the ledger and
// the wallet disagree; the caller must abort, not improvise.
func PlanConsume(lots []EarnLot, points int64) (updates []LotUpdate, shortfall int64) {
	if points <= 0 {
		return nil, 0
	}
	sortFIFO(lots)
	remaining := points
	for i := range lots {
		if remaining == 0 {
			break
		}
		lot := &lots[i]
		avail := lot.Remaining()
		if avail <= 0 || lot.Status != LotActive {
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		consumed := lot.ConsumedPoints + take
		status := LotActive
		if consumed == lot.Points {
			status = LotExhausted
		}
		updates = append(updates, LotUpdate{
			LotID:    lot.ID,
			Consumed: consumed,
			Status:   status,
			Delta:    take,
		})
		remaining -= take
	}
	return updates, remaining
}

// PlanUnconsume restores points to lots in reverse consumption order:
// the most recently earned lots give their consumption back first.
// Exhausted lots reopen to ACTIVE. Restores never exceed a lot's
// consumed counter; leftover points that no lot can absorb are returned
// as the remainder (the caller credits them without a lot anchor).
func PlanUnconsume(lots []EarnLot, points int64) (updates []LotUpdate, remainder int64) {
	if points <= 0 {
		return nil, 0
	}
	sortFIFO(lots)
	remaining := points
	for i := len(lots) - 1; i >= 0 && remaining > 0; i-- {
		lot := &lots[i]
		if lot.ConsumedPoints <= 0 {
			continue
		}
		if lot.Status != LotActive && lot.Status != LotExhausted {
			continue
		}
		back := lot.ConsumedPoints
		if back > remaining {
			back = remaining
		}
		consumed := lot.ConsumedPoints - back
		status := LotActive
		if consumed == lot.Points {
			status = LotExhausted
		}
		updates = append(updates, LotUpdate{
			LotID:    lot.ID,
			Consumed: consumed,
			Status:   status,
			Delta:    -back,
		})
		remaining -= back
	}
	return updates, remaining
}

// PlanRevoke claws back up to points of unconsumed value from the lots
// earned by one order (a refund revoking its earn). Revoked points are
// modeled as consumption so the lot total stays immutable. Points the
// lots cannot cover (already spent elsewhere) come back as the
// remainder; the wallet debit still happens for the full revoke as far
// as the balance allows, which the caller decides.
func PlanRevoke(lots []EarnLot, points int64) (updates []LotUpdate, remainder int64) {
	if points <= 0 {
		return nil, 0
	}
	sortFIFO(lots)
	remaining := points
	for i := range lots {
		if remaining == 0 {
			break
		}
		lot := &lots[i]
		if lot.Status != LotActive && lot.Status != LotPending {
			continue
		}
		avail := lot.Remaining()
		if avail <= 0 {
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		consumed := lot.ConsumedPoints + take
		status := lot.Status
		if consumed == lot.Points {
			status = LotExhausted
		}
		updates = append(updates, LotUpdate{
			LotID:    lot.ID,
			Consumed: consumed,
			Status:   status,
			Delta:    take,
		})
		remaining -= take
	}
	return updates, remaining
}

// SpendableTotal sums the remaining points of ACTIVE lots. Compared to
// the wallet balance before a redeem consumes lots.
func SpendableTotal(lots []EarnLot) int64 {
	var total int64
	for i := range lots {
		if lots[i].Status == LotActive {
			total += lots[i].Remaining()
		}
	}
	return total
}
