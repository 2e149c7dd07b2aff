package discrepancy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/sectorcount/internal/count"
)

func e(product string, slot count.Slot, qty int64) count.Entry {
	return count.Entry{ProductID: product, Slot: slot, Quantity: qty}
}

func TestDetect_SumsPerSlot(t *testing.T) {
	got := Detect([]count.Entry{
		e("P", count.Slot1, 10),
		e("P", count.Slot1, 5),
		e("P", count.Slot2, 12),
	})

	d := got["P"]
	assert.Equal(t, int64(15), d.Slot1Total)
	assert.Equal(t, int64(12), d.Slot2Total)
	assert.Equal(t, int64(-3), d.Diff)
	assert.True(t, d.Disputed)
}

func TestDetect_Agreement(t *testing.T) {
	got := Detect([]count.Entry{
		e("P", count.Slot1, 50),
		e("P", count.Slot2, 25),
		e("P", count.Slot2, 25),
	})
	assert.Equal(t, int64(0), got["P"].Diff)
	assert.False(t, got["P"].Disputed)
}

func TestDetect_SingleSlotIsDisputed(t *testing.T) {
	got := Detect([]count.Entry{e("P", count.Slot1, 7)})
	assert.True(t, got["P"].Disputed)
	assert.Equal(t, int64(-7), got["P"].Diff)

	zero := Detect([]count.Entry{e("Q", count.Slot2, 0)})
	assert.True(t, zero["Q"].Disputed, "a lone zero is still a single count")
}

func TestDetect_IgnoresPendingDeletes(t *testing.T) {
	gone := e("P", count.Slot1, 100)
	gone.PendingDelete = true

	got := Detect([]count.Entry{gone, e("P", count.Slot1, 4), e("P", count.Slot2, 4)})
	assert.False(t, got["P"].Disputed)
}

func TestDetect_UsesLatestRoundPerProduct(t *testing.T) {
	recount1 := e("P", count.Slot1, 48)
	recount1.Round = 1
	recount2 := e("P", count.Slot2, 48)
	recount2.Round = 1

	got := Detect([]count.Entry{
		e("P", count.Slot1, 50),
		e("P", count.Slot2, 48),
		recount1,
		recount2,
		e("Q", count.Slot1, 3),
		e("Q", count.Slot2, 3),
	})

	assert.False(t, got["P"].Disputed)
	assert.Equal(t, 1, got["P"].Round)
	assert.Equal(t, int64(48), got["P"].Slot1Total)
	assert.False(t, got["Q"].Disputed)
	assert.Equal(t, 0, got["Q"].Round)
}

func TestDetectFor_MissingProductsAreDisputed(t *testing.T) {
	got := DetectFor([]count.Entry{e("P", count.Slot1, 1), e("P", count.Slot2, 1)}, []string{"P", "Q"})
	assert.False(t, got["P"].Disputed)
	assert.True(t, got["Q"].Disputed)
	assert.Len(t, got, 2)
}

func TestDisputedSortedSummarize(t *testing.T) {
	m := Detect([]count.Entry{
		e("C", count.Slot1, 1),
		e("A", count.Slot1, 1), e("A", count.Slot2, 2),
		e("B", count.Slot1, 1), e("B", count.Slot2, 1),
	})

	assert.Equal(t, []string{"A", "C"}, Disputed(m))

	sorted := Sorted(m)
	assert.Equal(t, "A", sorted[0].ProductID)
	assert.Equal(t, "C", sorted[2].ProductID)

	assert.Equal(t, Summary{Products: 3, Agreeing: 1, Disputed: 2}, Summarize(m))
}
