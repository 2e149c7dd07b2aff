package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"time"

	"github.com/roach88/sectorcount/internal/catalog"
	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/gateway"
	"github.com/roach88/sectorcount/internal/gateway/gatewaysrv"
	"github.com/roach88/sectorcount/internal/journal"
	"github.com/roach88/sectorcount/internal/kv/memkv"
	"github.com/roach88/sectorcount/internal/recount"
	"github.com/roach88/sectorcount/internal/testutil"
)

// Epoch is the wall clock reading every drill starts at.
var Epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// operator is one counter slot: its own journal store and orchestrator,
// as on a separate handheld.
type operator struct {
	slot  count.Slot
	name  string
	store *memkv.Store
	ids   *testutil.SequenceIDs
	orch  *recount.Orchestrator
}

// Harness executes one drill with a manual clock and sequential ids.
type Harness struct {
	scenario *Scenario
	srv      *gatewaysrv.Server
	url      string
	clock    *testutil.ManualClock
	machine  recount.Machine
	logger   *slog.Logger
	ops      [2]*operator
	adjusted int
}

// Run executes a scenario and returns the result.
//
// Each drill runs against a fresh gateway with fresh journals.
// Execution errors of steps are part of the result; Run itself fails
// only when the drill cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewManualClock(Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := recount.NewMachine(scenario.MaxRounds)

	srv := gatewaysrv.New(
		gatewaysrv.WithMachine(machine),
		gatewaysrv.WithClock(clock.Now),
		gatewaysrv.WithLogger(logger),
	)
	if _, err := srv.Create(scenario.Session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	h := &Harness{
		scenario: scenario,
		srv:      srv,
		url:      hs.URL,
		clock:    clock,
		machine:  machine,
		logger:   logger,
	}
	for i, slot := range count.Slots {
		op := &operator{
			slot:  slot,
			name:  scenario.Session.Operators[i],
			store: memkv.New(memkv.WithClock(clock.Now)),
			ids:   testutil.NewSequenceIDs(fmt.Sprintf("slot%d", slot)),
		}
		if err := h.start(op); err != nil {
			return nil, err
		}
		h.ops[i] = op
	}
	defer func() {
		for _, op := range h.ops {
			op.orch.Close()
		}
	}()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Flow {
		h.executeStep(ctx, i, step, result)
	}

	result.Final, _ = srv.Session(scenario.Session.ID)
	result.Adjustments = h.adjusted
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Entries: h.serverEntries()}) {
		result.AddError(errMsg)
	}
	return result, nil
}

// start wires a fresh orchestrator over the operator's journal store.
func (h *Harness) start(op *operator) error {
	client, err := gateway.New(h.url, gateway.WithLogger(h.logger))
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}
	j := journal.New(op.store,
		journal.WithClock(h.clock.Now),
		journal.WithIDGenerator(op.ids),
		journal.WithLogger(h.logger),
	)
	op.orch = recount.New(j, client,
		recount.WithMachine(h.machine),
		recount.WithLogger(h.logger),
		recount.WithStockAdjuster(recount.StockAdjusterFunc(h.adjust)),
	)
	return nil
}

func (h *Harness) adjust(context.Context, count.Session, []discrepancy.Discrepancy) error {
	h.adjusted++
	return nil
}

func (h *Harness) executeStep(ctx context.Context, index int, st Step, result *Result) {
	ev := TraceEvent{Op: st.Op, Slot: st.Slot, Product: st.Product, Input: st.Input}
	err := h.apply(ctx, st, &ev)
	if err != nil {
		ev.Error = string(count.KindOf(err))
		if ev.Error == "" {
			ev.Error = "ERROR"
		}
	}
	s, _ := h.srv.Session(h.scenario.Session.ID)
	ev.State, ev.Round = string(s.State), s.Round
	result.record(ev)

	want := st.Expect
	switch {
	case (want == nil || want.Error == "") && err != nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", index, st.Op, err))
	case want != nil && want.Error != "" && ev.Error != want.Error:
		result.AddError(fmt.Sprintf("flow[%d] %s: expected error %s, got %q", index, st.Op, want.Error, ev.Error))
	}
	if want != nil && want.State != "" && ev.State != want.State {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected state %s, got %s", index, st.Op, want.State, ev.State))
	}
}

func (h *Harness) apply(ctx context.Context, st Step, ev *TraceEvent) error {
	switch st.Op {
	case OpFailGateway:
		h.srv.InjectFailures(st.Count)
		return nil
	case OpAdvance:
		h.clock.Advance(st.After)
		return nil
	}

	id := h.scenario.Session.ID
	op := h.ops[st.Slot-1]
	switch st.Op {
	case OpOpen:
		_, err := op.orch.Open(ctx, id, op.slot, op.name)
		return err
	case OpEnter:
		products, err := op.orch.Products(ctx, id)
		if err != nil {
			return err
		}
		p, err := catalog.New(products).Resolve(st.Product)
		if err != nil {
			return err
		}
		e, err := op.orch.RecordCount(ctx, id, p.ID, op.slot, st.Input)
		ev.Quantity = e.Quantity
		return err
	case OpEdit:
		target, err := h.target(ctx, op, st)
		if err != nil {
			return err
		}
		e, err := op.orch.EditCount(ctx, id, target.Tag, st.Input)
		ev.Quantity = e.Quantity
		return err
	case OpDelete:
		target, err := h.target(ctx, op, st)
		if err != nil {
			return err
		}
		return op.orch.DeleteCount(ctx, id, target.Tag)
	case OpSync:
		_, err := op.orch.Sync(ctx, id)
		return err
	case OpSubmit:
		_, err := op.orch.Submit(ctx, id, op.slot)
		return err
	case OpRecount:
		_, _, err := op.orch.EnterRecount(ctx, id)
		return err
	case OpFinalize:
		_, err := op.orch.Finalize(ctx, id, st.Force)
		return err
	case OpCancel:
		_, err := op.orch.Cancel(ctx, id)
		return err
	case OpRestart:
		op.orch.Close()
		return h.start(op)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// target finds the slot's live entry of st.Product in the current round
// with line st.Line.
func (h *Harness) target(ctx context.Context, op *operator, st Step) (count.Entry, error) {
	id := h.scenario.Session.ID
	s, err := op.orch.Load(ctx, id)
	if err != nil {
		return count.Entry{}, err
	}
	entries, err := op.orch.Entries(ctx, id, op.slot)
	if err != nil {
		return count.Entry{}, err
	}
	for _, e := range entries {
		if e.ProductID == st.Product && e.Slot == op.slot && e.Round == s.Round && e.Line == st.Line && e.Live() {
			return e, nil
		}
	}
	return count.Entry{}, count.NewNotFoundError(id, fmt.Sprintf("no entry %s line %d in slot %d", st.Product, st.Line, op.slot))
}

// serverEntries returns the gateway's active entries of the drill session.
func (h *Harness) serverEntries() []gateway.EntryDTO {
	var out []gateway.EntryDTO
	for _, e := range h.srv.Entries(h.scenario.Session.ID) {
		if e.State == gateway.EntryActive {
			out = append(out, e)
		}
	}
	return out
}
