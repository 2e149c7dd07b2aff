package recount

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
)

// RecountItem is the audit view of one disputed product: every entry of
// both slots across all rounds, with their original formulas, and the
// comparison of the latest round.
type RecountItem struct {
	Product    count.Product `json:"product"`
	Round      int           `json:"round"`
	Slot1      []count.Entry `json:"slot1"`
	Slot2      []count.Entry `json:"slot2"`
	Slot1Total int64         `json:"slot1_total"`
	Slot2Total int64         `json:"slot2_total"`
	Diff       int64         `json:"diff"`
}

// RecountView returns the audit view of the session's recount set over
// the revealed rounds. The gateway's detection is used when it is
// reachable and the current round is revealed, the journal's otherwise.
func (o *Orchestrator) RecountView(ctx context.Context, sessionID string) ([]RecountItem, error) {
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(s.RecountSet) == 0 {
		return []RecountItem{}, nil
	}

	live := s.VisibleTo(0, o.journal.Live(sessionID))
	detected := discrepancy.DetectFor(live, s.RecountSet)
	if !s.Revealed(s.Round) {
		// The gateway would compare the round still being counted.
		return BuildRecountItems(s, o.journal.Products(sessionID), live, detected), nil
	}
	if resp, err := o.gateway.Discrepancies(ctx, sessionID); err == nil {
		for _, d := range resp.Items {
			if _, ok := detected[d.ProductID]; ok {
				detected[d.ProductID] = d
			}
		}
	} else {
		o.logger.Debug("using local detection for recount view", "session", sessionID, "error", err)
	}

	return BuildRecountItems(s, o.journal.Products(sessionID), live, detected), nil
}

// BuildRecountItems assembles the audit view of s.RecountSet.
func BuildRecountItems(s count.Session, products []count.Product, entries []count.Entry, detected map[string]discrepancy.Discrepancy) []RecountItem {
	byID := make(map[string]count.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	items := make([]RecountItem, 0, len(s.RecountSet))
	for _, id := range s.RecountSet {
		p, ok := byID[id]
		if !ok {
			p = count.Product{ID: id}
		}
		d := detected[id]
		item := RecountItem{
			Product:    p,
			Round:      d.Round,
			Slot1:      []count.Entry{},
			Slot2:      []count.Entry{},
			Slot1Total: d.Slot1Total,
			Slot2Total: d.Slot2Total,
			Diff:       d.Diff,
		}
		for _, e := range entries {
			if e.ProductID != id || !e.Live() {
				continue
			}
			if e.Slot == count.Slot1 {
				item.Slot1 = append(item.Slot1, e)
			} else {
				item.Slot2 = append(item.Slot2, e)
			}
		}
		byRoundLine := func(a, b count.Entry) int {
			if a.Round != b.Round {
				return a.Round - b.Round
			}
			return a.Line - b.Line
		}
		slices.SortFunc(item.Slot1, byRoundLine)
		slices.SortFunc(item.Slot2, byRoundLine)
		items = append(items, item)
	}
	return items
}

// WriteReport renders the recount audit as text.
func WriteReport(w io.Writer, s count.Session, items []RecountItem) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s  sector %s  state %s  round %d", s.ID, s.SectorID, s.State, s.Round)
	if s.Escalated {
		b.WriteString("  ESCALATED")
	}
	b.WriteString("\n")

	if len(items) == 0 {
		b.WriteString("No disputed products.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	for _, it := range items {
		name := it.Product.ID
		if it.Product.Name != "" {
			name += " " + it.Product.Name
		}
		fmt.Fprintf(&b, "\n%s  (system stock %d)\n", name, it.Product.SystemStock)

		tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  SLOT\tROUND\tLINE\tQTY\tFORMULA")
		for _, e := range slices.Concat(it.Slot1, it.Slot2) {
			f := e.Formula
			if f == "" {
				f = "-"
			}
			fmt.Fprintf(tw, "  %d\t%d\t%d\t%d\t%s\n", e.Slot, e.Round, e.Line, e.Quantity, f)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(&b, "  round %d: slot1=%d slot2=%d diff=%+d\n", it.Round, it.Slot1Total, it.Slot2Total, it.Diff)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
