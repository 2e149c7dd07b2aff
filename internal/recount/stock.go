package recount

import (
	"context"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
)

// StockAdjuster applies the counted quantities to stock. It is invoked
// once per session, on the transition into FINALIZED, with the
// detection of every product's latest round.
type StockAdjuster interface {
	AdjustStock(ctx context.Context, s count.Session, result []discrepancy.Discrepancy) error
}

// StockAdjusterFunc adapts a function to StockAdjuster.
type StockAdjusterFunc func(ctx context.Context, s count.Session, result []discrepancy.Discrepancy) error

func (f StockAdjusterFunc) AdjustStock(ctx context.Context, s count.Session, result []discrepancy.Discrepancy) error {
	return f(ctx, s, result)
}
