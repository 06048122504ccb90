package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func lotAt(id string, points, consumed int64, day int) EarnLot {
	return EarnLot{
		ID:             LotID(id),
		Points:         points,
		ConsumedPoints: consumed,
		EarnedAt:       time.Date(2025, time.January, day, 0, 0, 0, 0, time.UTC),
		Status:         LotActive,
	}
}

func TestAllocateFIFO_OldestFirst(t *testing.T) {
	// Input deliberately out of order.
	lots := []EarnLot{lotAt("new", 50, 0, 20), lotAt("old", 100, 30, 1)}

	changed, allocations := allocateFIFO(lots, 90)

	assert.Equal(t, []LotAllocation{
		{LotID: "old", Points: 70},
		{LotID: "new", Points: 20},
	}, allocations)
	assert.Len(t, changed, 2)
	assert.Equal(t, int64(100), changed[0].ConsumedPoints)
	assert.Equal(t, LotConsumed, changed[0].Status)
	assert.Equal(t, int64(20), changed[1].ConsumedPoints)
	assert.Equal(t, LotActive, changed[1].Status)

	// The input slice is untouched.
	assert.Equal(t, int64(0), lots[0].ConsumedPoints)
}

func TestAllocateFIFO_TieBreaksByID(t *testing.T) {
	lots := []EarnLot{lotAt("b", 10, 0, 5), lotAt("a", 10, 0, 5)}

	_, allocations := allocateFIFO(lots, 5)

	assert.Equal(t, []LotAllocation{{LotID: "a", Points: 5}}, allocations)
}

func TestAllocateFIFO_SkipsInactiveLots(t *testing.T) {
	canceled := lotAt("canceled", 100, 0, 1)
	canceled.Status = LotCanceled
	lots := []EarnLot{canceled, lotAt("active", 100, 0, 2)}

	_, allocations := allocateFIFO(lots, 40)

	assert.Equal(t, []LotAllocation{{LotID: "active", Points: 40}}, allocations)
}

func TestAllocateFIFO_AmountExceedsLots(t *testing.T) {
	lots := []EarnLot{lotAt("only", 30, 10, 1)}

	changed, allocations := allocateFIFO(lots, 100)

	assert.Equal(t, []LotAllocation{{LotID: "only", Points: 20}}, allocations)
	assert.Equal(t, LotConsumed, changed[0].Status)
}

func TestAllocateFIFO_NoLots(t *testing.T) {
	changed, allocations := allocateFIFO(nil, 10)

	assert.Empty(t, changed)
	assert.Empty(t, allocations)
}
