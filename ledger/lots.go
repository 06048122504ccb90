package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Lot consumption is FIFO by EarnedAt. This is a policy choice: lots are
// an expiry-accounting view, the wallet balance stays authoritative.
// Redemptions larger than the outstanding lot total are absorbed as far
// as possible and the rest is left unattributed.

// allocateFIFO draws amount from lots, oldest first, and returns the
// lots it changed together with the allocations it made.
func allocateFIFO(lots []EarnLot, amount int64) ([]EarnLot, []LotAllocation) {
	sorted := append([]EarnLot(nil), lots...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EarnedAt.Equal(sorted[j].EarnedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].EarnedAt.Before(sorted[j].EarnedAt)
	})

	var (
		changed     []EarnLot
		allocations []LotAllocation
	)
	for _, lot := range sorted {
		if amount == 0 {
			break
		}
		if lot.Status != LotActive {
			continue
		}
		take := min(lot.Remaining(), amount)
		if take <= 0 {
			continue
		}
		lot.ConsumedPoints += take
		if lot.Remaining() == 0 {
			lot.Status = LotConsumed
		}
		amount -= take
		changed = append(changed, lot)
		allocations = append(allocations, LotAllocation{LotID: lot.ID, Points: take})
	}
	return changed, allocations
}

// consumeLots draws a redemption down from the customer's ACTIVE lots.
func consumeLots(ctx context.Context, tx Tx, merchantID MerchantID, customerID CustomerID, amount int64) ([]LotAllocation, error) {
	lots, err := tx.LockActiveLots(ctx, merchantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("lock lots: %w", err)
	}
	changed, allocations := allocateFIFO(lots, amount)
	for _, lot := range changed {
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return nil, fmt.Errorf("update lot %s: %w", lot.ID, err)
		}
	}
	return allocations, nil
}

// releaseLots gives back the points a canceled redemption consumed.
// A lot canceled in the meantime hands its share on to the lots that
// absorbed its spent points when its EARN was canceled.
func releaseLots(ctx context.Context, tx Tx, merchantID MerchantID, allocations []LotAllocation) error {
	return releaseAllocations(ctx, tx, merchantID, allocations, 0)
}

// maxSpillDepth bounds how many canceled lots a release is routed through.
const maxSpillDepth = 8

func releaseAllocations(ctx context.Context, tx Tx, merchantID MerchantID, allocations []LotAllocation, depth int) error {
	// Lots are re-read per allocation: a spill routed through a canceled
	// lot may already have changed a lot that appears later in the list.
	for _, a := range allocations {
		lots, err := tx.LockLots(ctx, []LotID{a.LotID})
		if err != nil {
			return fmt.Errorf("lock lot %s: %w", a.LotID, err)
		}
		if len(lots) == 0 {
			continue
		}
		lot := lots[0]
		if lot.Status == LotCanceled {
			if err := releaseThroughSpill(ctx, tx, merchantID, lot, a.Points, depth); err != nil {
				return err
			}
			continue
		}
		lot.ConsumedPoints = max(lot.ConsumedPoints-a.Points, 0)
		if lot.Status == LotConsumed && lot.Remaining() > 0 {
			lot.Status = LotActive
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return fmt.Errorf("update lot %s: %w", lot.ID, err)
		}
	}
	return nil
}

// releaseThroughSpill routes points released on a canceled lot to the
// lots recorded in the allocations of the ADJUST that canceled it.
// Allocation.Returned tracks how much of each spill went back already,
// so a spill is never returned twice.
func releaseThroughSpill(ctx context.Context, tx Tx, merchantID MerchantID, lot EarnLot, points int64, depth int) error {
	if depth >= maxSpillDepth {
		return nil
	}
	earn, err := tx.LockEntry(ctx, merchantID, lot.TransactionID)
	if err != nil {
		return fmt.Errorf("lock earn %s: %w", lot.TransactionID, err)
	}
	if earn.Metadata.ReversalID == "" {
		return nil
	}
	adjust, err := tx.LockEntry(ctx, merchantID, earn.Metadata.ReversalID)
	if err != nil {
		return fmt.Errorf("lock reversal %s: %w", earn.Metadata.ReversalID, err)
	}

	var routed []LotAllocation
	for i := range adjust.Metadata.Allocations {
		if points == 0 {
			break
		}
		a := &adjust.Metadata.Allocations[i]
		if a.LotID == lot.ID {
			continue
		}
		give := min(a.Points-a.Returned, points)
		if give <= 0 {
			continue
		}
		a.Returned += give
		points -= give
		routed = append(routed, LotAllocation{LotID: a.LotID, Points: give})
	}
	if len(routed) == 0 {
		return nil
	}
	if err := adjust.Metadata.Validate(adjust.Type); err != nil {
		return err
	}
	if err := tx.UpdateEntryMetadata(ctx, adjust.ID, adjust.Metadata); err != nil {
		return fmt.Errorf("update reversal %s: %w", adjust.ID, err)
	}
	return releaseAllocations(ctx, tx, merchantID, routed, depth+1)
}

// cancelEarnLot closes the lot created by a canceled EARN. Its remaining
// points are marked consumed so the lot no longer counts as outstanding.
// Points of that lot already spent by redemptions are drawn FIFO from the
// customer's other ACTIVE lots, since the clawback removes them from the
// balance a second time.
func cancelEarnLot(ctx context.Context, tx Tx, earn JournalEntry) ([]LotAllocation, error) {
	lot, err := tx.LockLotByTransaction(ctx, earn.ID)
	if err != nil {
		return nil, fmt.Errorf("lock lot for %s: %w", earn.ID, err)
	}
	if lot == nil || lot.Status == LotCanceled {
		return nil, nil
	}

	spent := lot.ConsumedPoints
	take := lot.Remaining()
	lot.ConsumedPoints = lot.Points
	lot.Status = LotCanceled
	if err := tx.UpdateLot(ctx, *lot); err != nil {
		return nil, fmt.Errorf("update lot %s: %w", lot.ID, err)
	}

	var allocations []LotAllocation
	if take > 0 {
		allocations = append(allocations, LotAllocation{LotID: lot.ID, Points: take})
	}
	if spent > 0 {
		more, err := consumeLots(ctx, tx, earn.MerchantID, earn.CustomerID, spent)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, more...)
	}
	return allocations, nil
}
