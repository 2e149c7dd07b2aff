package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/reconcile"
	"github.com/roach88/sectorcount/internal/recount"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

type sessionView count.Session

func (v sessionView) WriteText(w io.Writer) error {
	s := count.Session(v)
	fmt.Fprintf(w, "Session %s  sector %s  state %s  round %d\n", s.ID, s.SectorID, s.State, s.Round)
	for i, info := range s.Slots {
		op := info.Operator
		if op == "" {
			op = "-"
		}
		fmt.Fprintf(w, "  slot %d  %-12s %s\n", i+1, op, info.State)
	}
	if s.TotalProducts > 0 {
		fmt.Fprintf(w, "  progress %d/%d (%.1f%%)\n", s.CountedProducts, s.TotalProducts, s.Completion)
	}
	if len(s.RecountSet) > 0 {
		fmt.Fprintf(w, "  recount set: %s\n", strings.Join(s.RecountSet, ", "))
	}
	if s.Escalated {
		fmt.Fprintln(w, "  ESCALATED: finalize --force or cancel")
	}
	return nil
}

func syncStatus(e count.Entry) string {
	switch {
	case e.PendingDelete:
		return "deleting"
	case e.Dirty:
		return "edited"
	case e.Tag.IsLocal():
		return "local"
	}
	return "synced"
}

func formulaOrDash(f string) string {
	if f == "" {
		return "-"
	}
	return f
}

type entryView count.Entry

func (v entryView) WriteText(w io.Writer) error {
	e := count.Entry(v)
	_, err := fmt.Fprintf(w, "%s  product %s  slot %d  round %d  line %d  qty %d  formula %s  [%s]\n",
		e.Tag, e.ProductID, e.Slot, e.Round, e.Line, e.Quantity, formulaOrDash(e.Formula), syncStatus(e))
	return err
}

type entriesView []count.Entry

func (v entriesView) WriteText(w io.Writer) error {
	if len(v) == 0 {
		_, err := fmt.Fprintln(w, "No entries.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "TAG\tPRODUCT\tSLOT\tROUND\tLINE\tQTY\tFORMULA\tSYNC")
	for _, e := range v {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			e.Tag, e.ProductID, e.Slot, e.Round, e.Line, e.Quantity, formulaOrDash(e.Formula), syncStatus(e))
	}
	return tw.Flush()
}

type discrepanciesView []discrepancy.Discrepancy

func (v discrepanciesView) WriteText(w io.Writer) error {
	if len(v) == 0 {
		_, err := fmt.Fprintln(w, "No products in scope.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "PRODUCT\tROUND\tSLOT1\tSLOT2\tDIFF\tSTATUS")
	for _, d := range v {
		status := "agree"
		if d.Disputed {
			status = "DISPUTED"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%+d\t%s\n", d.ProductID, d.Round, d.Slot1Total, d.Slot2Total, d.Diff, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	sum := discrepancy.Summarize(toMap(v))
	_, err := fmt.Fprintf(w, "%d products, %d agree, %d disputed\n", sum.Products, sum.Agreeing, sum.Disputed)
	return err
}

func toMap(items []discrepancy.Discrepancy) map[string]discrepancy.Discrepancy {
	m := make(map[string]discrepancy.Discrepancy, len(items))
	for _, d := range items {
		m[d.ProductID] = d
	}
	return m
}

type syncView reconcile.SyncReport

func (v syncView) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "attempted %d  bound %d  updated %d  deleted %d  failed %d\n",
		v.Attempted, v.Bound, v.Updated, v.Deleted, v.Failed)
	return err
}

type recountView struct {
	Session count.Session         `json:"session"`
	Items   []recount.RecountItem `json:"items"`
}

func (v recountView) WriteText(w io.Writer) error {
	return recount.WriteReport(w, v.Session, v.Items)
}

// stockAdjustment is the figure booked for one product, with both slot
// totals. A product still disputed at a forced finalize is booked at the
// lower of the two.
type stockAdjustment struct {
	ProductID  string `json:"product_id"`
	Counted    int64  `json:"counted"`
	Slot1Total int64  `json:"slot1_total"`
	Slot2Total int64  `json:"slot2_total"`
	Disputed   bool   `json:"disputed,omitempty"`
}

func newStockAdjustment(d discrepancy.Discrepancy) stockAdjustment {
	return stockAdjustment{
		ProductID:  d.ProductID,
		Counted:    min(d.Slot1Total, d.Slot2Total),
		Slot1Total: d.Slot1Total,
		Slot2Total: d.Slot2Total,
		Disputed:   d.Disputed,
	}
}

type finalizeView struct {
	Session     count.Session     `json:"session"`
	Adjustments []stockAdjustment `json:"adjustments"`
}

func (v finalizeView) WriteText(w io.Writer) error {
	if err := sessionView(v.Session).WriteText(w); err != nil {
		return err
	}
	for _, a := range v.Adjustments {
		note := ""
		if a.Disputed {
			note = fmt.Sprintf("  (forced, lower of slot1=%d slot2=%d)", a.Slot1Total, a.Slot2Total)
		}
		fmt.Fprintf(w, "  adjust %s -> %d%s\n", a.ProductID, a.Counted, note)
	}
	return nil
}
