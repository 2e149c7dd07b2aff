package recount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/formula"
	"github.com/roach88/sectorcount/internal/gateway"
	"github.com/roach88/sectorcount/internal/journal"
	"github.com/roach88/sectorcount/internal/metrics"
	"github.com/roach88/sectorcount/internal/reconcile"
)

// Gateway is the SyncGateway as the orchestrator uses it.
type Gateway interface {
	reconcile.Gateway
	GetSession(ctx context.Context, sessionID string) (count.Session, []count.Product, error)
	ListEntries(ctx context.Context, sessionID string) ([]count.Entry, error)
	StartSlot(ctx context.Context, sessionID string, slot count.Slot, operator string) (count.Session, error)
	SubmitSlot(ctx context.Context, sessionID string, slot count.Slot) (count.Session, error)
	Discrepancies(ctx context.Context, sessionID string) (gateway.DiscrepanciesResponse, error)
	EnterRecount(ctx context.Context, sessionID string) (count.Session, error)
	Finalize(ctx context.Context, sessionID string, force bool) (count.Session, error)
	Cancel(ctx context.Context, sessionID string) (count.Session, error)
}

// Orchestrator runs one operator's side of count sessions.
//
// Thread-safety: safe for concurrent use. Lifecycle calls on the same
// session are expected from one operator context at a time.
type Orchestrator struct {
	journal    *journal.Journal
	gateway    Gateway
	reconciler *reconcile.Reconciler
	machine    Machine
	adjuster   StockAdjuster
	logger     *slog.Logger
	metrics    *metrics.Metrics
	async      bool

	reconcileOpts []reconcile.Option
	refresh       singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMachine sets the lifecycle machine, and with it the round cap.
func WithMachine(m Machine) Option {
	return func(o *Orchestrator) { o.machine = m }
}

// WithStockAdjuster is invoked when a call of this orchestrator moves a
// session into FINALIZED.
func WithStockAdjuster(a StockAdjuster) Option {
	return func(o *Orchestrator) { o.adjuster = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLocker sets the reconciler's per-key locker.
func WithLocker(l reconcile.Locker) Option {
	return func(o *Orchestrator) { o.reconcileOpts = append(o.reconcileOpts, reconcile.WithLocker(l)) }
}

// WithAsyncReconcile makes RecordCount return as soon as the entry is
// journaled and reconcile it in the background.
func WithAsyncReconcile(async bool) Option {
	return func(o *Orchestrator) { o.async = async }
}

// New creates an Orchestrator.
func New(j *journal.Journal, gw Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		journal: j,
		gateway: gw,
		machine: NewMachine(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.reconciler = reconcile.New(j, gw, append([]reconcile.Option{
		reconcile.WithLogger(o.logger),
		reconcile.WithMetrics(o.metrics),
	}, o.reconcileOpts...)...)
	return o
}

// Reconciler exposes the underlying reconciler.
func (o *Orchestrator) Reconciler() *reconcile.Reconciler {
	return o.reconciler
}

// Load returns the session, from memory, the local snapshot, or the
// gateway, in that order. A stale or missing snapshot is replaced by the
// authoritative state.
func (o *Orchestrator) Load(ctx context.Context, sessionID string) (count.Session, error) {
	if s, ok := o.journal.Session(sessionID); ok {
		return s, nil
	}
	_, err := o.journal.RestoreSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		s, _ := o.journal.Session(sessionID)
		return s, nil
	case count.IsStale(err):
		o.logger.Warn("local snapshot expired, refetching", "session", sessionID, "error", err)
		o.metrics.Restore(metrics.RestoreRefetch)
	case count.IsNotFound(err):
	default:
		return count.Session{}, err
	}
	return o.Refresh(ctx, sessionID)
}

// Refresh pulls the session and its entries from the gateway and folds
// them into the journal. Local changes not yet on the server survive.
// Concurrent refreshes of one session share a single fetch.
func (o *Orchestrator) Refresh(ctx context.Context, sessionID string) (count.Session, error) {
	v, err, _ := o.refresh.Do(sessionID, func() (any, error) {
		s, products, err := o.gateway.GetSession(ctx, sessionID)
		if err != nil {
			return count.Session{}, err
		}
		entries, err := o.gateway.ListEntries(ctx, sessionID)
		if err != nil {
			return count.Session{}, err
		}

		if _, ok := o.journal.Session(sessionID); ok {
			if err := o.journal.SetSession(ctx, s, products); err != nil {
				return count.Session{}, err
			}
			if err := o.journal.Merge(ctx, sessionID, entries); err != nil {
				return count.Session{}, err
			}
		} else if err := o.journal.Reset(ctx, s, products, entries); err != nil {
			return count.Session{}, err
		}
		s, _ = o.journal.Session(sessionID)
		o.logger.Debug("session refreshed", "session", sessionID, "state", s.State, "entries", len(entries))
		return s, nil
	})
	if err != nil {
		return count.Session{}, err
	}
	return v.(count.Session), nil
}

// check validates ev against the authoritative session without side
// effects. The other slot may have moved the session since it was cached.
func (o *Orchestrator) check(ctx context.Context, sessionID string, ev Event) (count.Session, error) {
	if _, err := o.Load(ctx, sessionID); err != nil {
		return count.Session{}, err
	}
	s, err := o.Refresh(ctx, sessionID)
	if err != nil {
		return count.Session{}, err
	}
	if _, err := o.machine.Apply(s, ev); err != nil {
		return s, err
	}
	return s, nil
}

// pull refreshes after a transition so the journal holds the other
// slot's entries. The transition already happened; a failure only leaves
// the local view behind until the next Sync.
func (o *Orchestrator) pull(ctx context.Context, sessionID string) {
	if _, err := o.Refresh(ctx, sessionID); err != nil {
		o.logger.Warn("refresh after transition failed", "session", sessionID, "error", err)
	}
}

// adopt stores the session the gateway returned after a transition.
func (o *Orchestrator) adopt(ctx context.Context, prev, next count.Session) (count.Session, error) {
	if err := o.journal.SetSession(ctx, next, nil); err != nil {
		return next, err
	}
	o.metrics.Transition(string(prev.State), string(next.State))
	if prev.State != next.State {
		o.logger.Info("session transition", "session", next.ID, "from", prev.State, "to", next.State, "round", next.Round)
	}
	if next.State == count.StateFinalized && prev.State != count.StateFinalized {
		return next, o.finalized(ctx, next)
	}
	return next, nil
}

// finalized triggers the stock adjustment and drops the local journal.
func (o *Orchestrator) finalized(ctx context.Context, s count.Session) error {
	var errs []error
	if o.adjuster != nil {
		result := discrepancy.Sorted(discrepancy.DetectFor(o.journal.Live(s.ID), s.ProductIDs))
		if err := o.adjuster.AdjustStock(ctx, s, result); err != nil {
			errs = append(errs, fmt.Errorf("adjust stock for %s: %w", s.ID, err))
		}
	}
	if err := o.journal.Discard(ctx, s.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Open starts counting for slot.
func (o *Orchestrator) Open(ctx context.Context, sessionID string, slot count.Slot, operator string) (count.Session, error) {
	prev, err := o.check(ctx, sessionID, Open(slot, operator))
	if err != nil {
		return prev, err
	}
	next, err := o.gateway.StartSlot(ctx, sessionID, slot, operator)
	if err != nil {
		return prev, err
	}
	return o.adopt(ctx, prev, next)
}

// RecordCount resolves input and journals it as a new entry of the
// current round. The entry is visible immediately; its reconciliation
// runs in the background with WithAsyncReconcile, or inline otherwise, in
// which case a transient failure is returned alongside the journaled entry.
func (o *Orchestrator) RecordCount(ctx context.Context, sessionID, productID string, slot count.Slot, input string) (count.Entry, error) {
	res, err := formula.Resolve(input)
	if err != nil {
		return count.Entry{}, err
	}
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return count.Entry{}, err
	}
	build := func(s count.Session) count.Entry {
		return count.Entry{
			SessionID: sessionID,
			ProductID: productID,
			Slot:      slot,
			Round:     s.Round,
			Quantity:  res.Quantity,
			Formula:   res.Formula,
		}
	}
	e := build(s)
	if err := o.machine.Admit(s, e); err != nil {
		// The other slot may have moved the session on.
		fresh, rerr := o.refreshOnConflict(ctx, sessionID, err)
		if rerr != nil {
			return count.Entry{}, rerr
		}
		e = build(fresh)
		if err := o.machine.Admit(fresh, e); err != nil {
			return count.Entry{}, err
		}
	}
	e, err = o.journal.Append(ctx, e)
	if err != nil {
		return count.Entry{}, err
	}
	o.logger.Debug("count recorded", "session", sessionID, "product", productID, "slot", slot, "quantity", e.Quantity, "local_id", e.Tag.ID())

	if o.async {
		o.reconciler.ReconcileAsync(ctx, sessionID, e.Tag)
		return e, nil
	}
	return o.reconciler.Reconcile(ctx, sessionID, e.Tag)
}

// EditCount replaces the quantity of an entry of the current round.
func (o *Orchestrator) EditCount(ctx context.Context, sessionID string, tag count.IdentityTag, input string) (count.Entry, error) {
	res, err := formula.Resolve(input)
	if err != nil {
		return count.Entry{}, err
	}
	if err := o.admitExisting(ctx, sessionID, tag); err != nil {
		return count.Entry{}, err
	}
	return o.reconciler.Edit(ctx, sessionID, tag, res.Quantity, res.Formula)
}

// DeleteCount removes an entry of the current round.
func (o *Orchestrator) DeleteCount(ctx context.Context, sessionID string, tag count.IdentityTag) error {
	if err := o.admitExisting(ctx, sessionID, tag); err != nil {
		return err
	}
	return o.reconciler.Delete(ctx, sessionID, tag)
}

func (o *Orchestrator) admitExisting(ctx context.Context, sessionID string, tag count.IdentityTag) error {
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	e, err := o.journal.Get(sessionID, tag)
	if err != nil {
		return err
	}
	if err := o.machine.Admit(s, e); err != nil {
		if s, err = o.refreshOnConflict(ctx, sessionID, err); err != nil {
			return err
		}
		if e, err = o.journal.Get(sessionID, tag); err != nil {
			return err
		}
		return o.machine.Admit(s, e)
	}
	return nil
}

// refreshOnConflict refetches the session when err is a conflict the
// cached state might explain. Otherwise, or when the refetch fails, it
// returns err.
func (o *Orchestrator) refreshOnConflict(ctx context.Context, sessionID string, err error) (count.Session, error) {
	if !count.IsConflict(err) {
		return count.Session{}, err
	}
	fresh, rerr := o.Refresh(ctx, sessionID)
	if rerr != nil {
		return count.Session{}, err
	}
	return fresh, nil
}

// Entries returns the session's journaled entries as viewer may see them:
// the other slot's entries of a round stay hidden until both slots
// submitted it. A zero viewer sees revealed rounds only.
func (o *Orchestrator) Entries(ctx context.Context, sessionID string, viewer count.Slot) ([]count.Entry, error) {
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.VisibleTo(viewer, o.journal.ListForSession(sessionID)), nil
}

// Sync pushes every unsynced local change and then pulls the server's
// view, including the other slot's entries.
func (o *Orchestrator) Sync(ctx context.Context, sessionID string) (reconcile.SyncReport, error) {
	if _, err := o.Load(ctx, sessionID); err != nil {
		return reconcile.SyncReport{}, err
	}
	o.reconciler.Wait()
	report, pushErr := o.reconciler.SyncPending(ctx, sessionID)
	if _, err := o.Refresh(ctx, sessionID); err != nil {
		return report, errors.Join(pushErr, err)
	}
	return report, pushErr
}

// Submit declares slot done with the current round. Every product in
// scope needs a live entry of the slot, and every local change must reach
// the server first. When the other slot already submitted, the gateway's
// detection decides the next state.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, slot count.Slot) (count.Session, error) {
	prev, err := o.check(ctx, sessionID, Submit(slot))
	if err != nil {
		return prev, err
	}
	if missing := Uncovered(prev, slot, o.journal.Live(sessionID)); len(missing) > 0 {
		err := count.NewConflictError(sessionID, fmt.Sprintf("slot %d has not counted %v", slot, missing))
		err.Slot = slot
		return prev, err
	}
	o.reconciler.Wait()
	if _, err := o.reconciler.SyncPending(ctx, sessionID); err != nil {
		return prev, fmt.Errorf("submit slot %d: %w", slot, err)
	}

	next, err := o.gateway.SubmitSlot(ctx, sessionID, slot)
	if err != nil {
		return prev, err
	}
	o.pull(ctx, sessionID)
	return o.adopt(ctx, prev, next)
}

// Detect compares the slots on the journal's view of the current scope.
// Totals are a CONFLICT until both slots submitted the current round.
func (o *Orchestrator) Detect(ctx context.Context, sessionID string) (map[string]discrepancy.Discrepancy, error) {
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Revealed(s.Round) {
		// The other slot may have submitted since the session was cached.
		if s, err = o.Refresh(ctx, sessionID); err != nil {
			return nil, err
		}
		if !s.Revealed(s.Round) {
			return nil, count.NewConflictError(sessionID,
				fmt.Sprintf("slot totals stay hidden until both slots submit round %d", s.Round))
		}
	}
	return discrepancy.DetectFor(o.journal.Live(sessionID), Scope(s)), nil
}

// EnterRecount moves a CON_DIFFERENCES session into the next recount round
// and returns the audit view of the disputed products.
func (o *Orchestrator) EnterRecount(ctx context.Context, sessionID string) (count.Session, []RecountItem, error) {
	prev, err := o.check(ctx, sessionID, EnterRecount())
	if err != nil {
		return prev, nil, err
	}
	next, err := o.gateway.EnterRecount(ctx, sessionID)
	if err != nil {
		return prev, nil, err
	}
	o.pull(ctx, sessionID)
	if next, err = o.adopt(ctx, prev, next); err != nil {
		return next, nil, err
	}
	items, err := o.RecountView(ctx, sessionID)
	return next, items, err
}

// Finalize closes the session. force is the supervisor override for an
// escalated session.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID string, force bool) (count.Session, error) {
	prev, err := o.check(ctx, sessionID, Finalize(force))
	if err != nil {
		return prev, err
	}
	next, err := o.gateway.Finalize(ctx, sessionID, force)
	if err != nil {
		return prev, err
	}
	o.pull(ctx, sessionID)
	return o.adopt(ctx, prev, next)
}

// Cancel abandons the session and drops its journal.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (count.Session, error) {
	prev, err := o.check(ctx, sessionID, Cancel())
	if err != nil {
		return prev, err
	}
	next, err := o.gateway.Cancel(ctx, sessionID)
	if err != nil {
		return prev, err
	}
	if next, err = o.adopt(ctx, prev, next); err != nil {
		return next, err
	}
	return next, o.journal.Discard(ctx, sessionID)
}

// Progress returns the session with progress counted for one slot.
func (o *Orchestrator) Progress(ctx context.Context, sessionID string, slot count.Slot) (count.Session, error) {
	s, err := o.Load(ctx, sessionID)
	if err != nil {
		return count.Session{}, err
	}
	entries := slices.DeleteFunc(o.journal.Live(sessionID), func(e count.Entry) bool { return e.Slot != slot })
	return s.WithProgress(entries), nil
}

// Products returns the cached product snapshots of the session.
func (o *Orchestrator) Products(ctx context.Context, sessionID string) ([]count.Product, error) {
	if _, err := o.Load(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.journal.Products(sessionID), nil
}

// Close waits for background reconciliations.
func (o *Orchestrator) Close() {
	o.reconciler.Wait()
}
