// Package discrepancy compares the two counters' totals per product.
//
// For a product, diff = sum(slot 2) - sum(slot 1). A product is disputed
// iff diff != 0. A product counted by only one slot is disputed as well:
// the missing total is zero, which forces a recount instead of silently
// accepting a single count.
//
// Only the latest round of each product is compared, so once a product is
// recounted its initial entries stay in the journal for audit but no
// longer decide the outcome.
package discrepancy

import (
	"slices"

	"github.com/roach88/sectorcount/internal/count"
)

// Discrepancy is the derived comparison for one product.
type Discrepancy struct {
	ProductID  string `json:"product_id"`
	Round      int    `json:"round"`
	Slot1Total int64  `json:"slot1_total"`
	Slot2Total int64  `json:"slot2_total"`
	Slot1Count int    `json:"slot1_entries"`
	Slot2Count int    `json:"slot2_entries"`
	Diff       int64  `json:"diff"`
	Disputed   bool   `json:"disputed"`
}

// Detect sums live entries per (product, slot) in each product's latest
// round and classifies every product it sees.
func Detect(entries []count.Entry) map[string]Discrepancy {
	latest := make(map[string]int)
	for _, e := range entries {
		if !e.Live() {
			continue
		}
		if r, ok := latest[e.ProductID]; !ok || e.Round > r {
			latest[e.ProductID] = e.Round
		}
	}

	out := make(map[string]Discrepancy, len(latest))
	for _, e := range entries {
		if !e.Live() || e.Round != latest[e.ProductID] {
			continue
		}
		d := out[e.ProductID]
		d.ProductID = e.ProductID
		d.Round = e.Round
		switch e.Slot {
		case count.Slot1:
			d.Slot1Total += e.Quantity
			d.Slot1Count++
		case count.Slot2:
			d.Slot2Total += e.Quantity
			d.Slot2Count++
		}
		out[e.ProductID] = d
	}

	for id, d := range out {
		d.Diff = d.Slot2Total - d.Slot1Total
		d.Disputed = d.Diff != 0 || d.Slot1Count == 0 || d.Slot2Count == 0
		out[id] = d
	}
	return out
}

// DetectFor is Detect restricted to productIDs. Products without any live
// entry are reported as disputed with zero totals.
func DetectFor(entries []count.Entry, productIDs []string) map[string]Discrepancy {
	all := Detect(entries)
	out := make(map[string]Discrepancy, len(productIDs))
	for _, id := range productIDs {
		d, ok := all[id]
		if !ok {
			d = Discrepancy{ProductID: id, Disputed: true}
		}
		out[id] = d
	}
	return out
}

// Disputed returns the disputed product ids in ascending order.
func Disputed(m map[string]Discrepancy) []string {
	ids := []string{}
	for id, d := range m {
		if d.Disputed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Sorted returns the discrepancies ordered by product id.
func Sorted(m map[string]Discrepancy) []Discrepancy {
	out := make([]Discrepancy, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Discrepancy) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		}
		return 0
	})
	return out
}

// Summary counts agreeing and disputed products.
type Summary struct {
	Products int `json:"products"`
	Agreeing int `json:"agreeing"`
	Disputed int `json:"disputed"`
}

// Summarize tallies m.
func Summarize(m map[string]Discrepancy) Summary {
	s := Summary{Products: len(m)}
	for _, d := range m {
		if d.Disputed {
			s.Disputed++
		} else {
			s.Agreeing++
		}
	}
	return s
}
