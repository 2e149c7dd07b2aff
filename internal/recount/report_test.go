package recount

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
)

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func auditFixture() (count.Session, []count.Product, []count.Entry) {
	s := count.NewSession("S1", "A-01", [2]string{"ana", "ben"}, []string{"P1", "P2", "P3"})
	s.State = count.StateRecount
	s.Round = 1
	s.RecountSet = []string{"P1", "P3"}

	products := []count.Product{
		{ID: "P1", Name: "Flour 1kg", SystemStock: 50},
		{ID: "P2", Name: "Sugar 1kg", SystemStock: 20},
		{ID: "P3", Name: "Salt", SystemStock: 12},
	}
	e := func(product string, slot count.Slot, line int, qty int64, formula string) count.Entry {
		return count.Entry{
			Tag: count.Remote(fmt.Sprintf("%s-%d-%d", product, slot, line)), SessionID: "S1",
			ProductID: product, Slot: slot, Line: line, Quantity: qty, Formula: formula,
		}
	}
	gone := e("P3", count.Slot2, 2, 99, "")
	gone.PendingDelete = true
	entries := []count.Entry{
		e("P1", count.Slot2, 1, 48, "24*2"),
		e("P1", count.Slot1, 1, 50, ""),
		e("P2", count.Slot1, 1, 20, ""),
		e("P2", count.Slot2, 1, 20, ""),
		e("P3", count.Slot1, 2, 3, "1+2"),
		e("P3", count.Slot1, 1, 10, ""),
		e("P3", count.Slot2, 1, 12, "3x4"),
		gone,
	}
	return s, products, entries
}

func TestBuildRecountItems(t *testing.T) {
	s, products, entries := auditFixture()
	items := BuildRecountItems(s, products, entries, discrepancy.Detect(entries))

	require.Len(t, items, 2)
	p1 := items[0]
	assert.Equal(t, "Flour 1kg", p1.Product.Name)
	require.Len(t, p1.Slot1, 1)
	require.Len(t, p1.Slot2, 1)
	assert.Equal(t, int64(50), p1.Slot1[0].Quantity)
	assert.Equal(t, "24*2", p1.Slot2[0].Formula)
	assert.Equal(t, int64(-2), p1.Diff)

	p3 := items[1]
	assert.Equal(t, []int{1, 2}, []int{p3.Slot1[0].Line, p3.Slot1[1].Line})
	assert.Len(t, p3.Slot2, 1, "tombstoned entries are not shown")
	assert.Equal(t, int64(-1), p3.Diff)
}

func TestWriteReport_Golden(t *testing.T) {
	s, products, entries := auditFixture()
	items := BuildRecountItems(s, products, entries, discrepancy.Detect(entries))

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, s, items))
	golden(t).Assert(t, "recount_report", buf.Bytes())
}

func TestWriteReport_NoDisputes(t *testing.T) {
	s := count.NewSession("S2", "B-02", [2]string{}, []string{"P1"})
	s.State = count.StateVerified

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, s, nil))
	golden(t).Assert(t, "recount_report_empty", buf.Bytes())
}
