// Package reconcile binds journal entries to their server records.
//
// A Local entry is upserted on the gateway under its natural key and then
// rebound to Remote(id) exactly once. Dirty Remote entries are written with
// an update, and pending tombstones with a delete that removes the entry
// locally only once the server accepted it. Reconciliations of the same
// (session, product, slot) key are serialized by a Locker; different keys
// run independently.
//
// Failures never drop a count: a transient error leaves the entry as it
// was in the journal, and the next SyncPending retries it. Nothing retries
// on its own.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/journal"
	"github.com/roach88/sectorcount/internal/metrics"
)

// Gateway is the part of the SyncGateway the reconciler writes to.
type Gateway interface {
	UpsertEntry(ctx context.Context, e count.Entry) (count.Entry, bool, error)
	UpdateEntry(ctx context.Context, e count.Entry) (count.Entry, error)
	DeleteEntry(ctx context.Context, sessionID, entryID string) error
}

// maxPasses bounds how often one reconciliation chases edits made while
// its own request was in flight.
const maxPasses = 3

// Reconciler keeps the journal and the gateway in step.
//
// Thread-safety: safe for concurrent use.
type Reconciler struct {
	journal *journal.Journal
	gateway Gateway
	locker  Locker
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup

	mu      sync.Mutex
	pending map[string]error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker replaces the in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler.
func New(j *journal.Journal, gw Gateway, opts ...Option) *Reconciler {
	r := &Reconciler{
		journal: j,
		gateway: gw,
		locker:  NewKeyedMutex(),
		logger:  slog.Default(),
		pending: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile brings one entry in line with the server and returns it as
// the journal now holds it. Reconciling a Remote entry without local
// changes is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, tag count.IdentityTag) (count.Entry, error) {
	e, _, err := r.reconcile(ctx, sessionID, tag)
	return e, err
}

// ReconcileAsync runs Reconcile in the background. The request is not
// cancelled with ctx once started; Wait blocks until all are done and
// LastError reports a failure of the latest attempt for the entry.
func (r *Reconciler) ReconcileAsync(ctx context.Context, sessionID string, tag count.IdentityTag) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _, err := r.reconcile(ctx, sessionID, tag)
		r.mu.Lock()
		if err != nil {
			r.pending[tag.String()] = err
		} else {
			delete(r.pending, tag.String())
		}
		r.mu.Unlock()
	}()
}

// Wait blocks until every ReconcileAsync call has returned.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// LastError returns the error of the latest background attempt for tag.
func (r *Reconciler) LastError(tag count.IdentityTag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[tag.String()]
}

func (r *Reconciler) reconcile(ctx context.Context, sessionID string, tag count.IdentityTag) (count.Entry, string, error) {
	start := time.Now()
	e, err := r.journal.Get(sessionID, tag)
	if err != nil {
		return count.Entry{}, metrics.ResultError, err
	}

	unlock, err := r.locker.Lock(ctx, e.Key().String())
	if err != nil {
		r.metrics.ObserveReconcile(metrics.ResultTransient, time.Since(start))
		return e, metrics.ResultTransient, fmt.Errorf("reconcile %s: %w", tag, err)
	}
	defer unlock()

	e, result, err := r.reconcileLocked(ctx, sessionID, tag)
	r.metrics.ObserveReconcile(result, time.Since(start))
	return e, result, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, sessionID string, tag count.IdentityTag) (count.Entry, string, error) {
	result := metrics.ResultNoop
	for range maxPasses {
		e, err := r.journal.Get(sessionID, tag)
		if err != nil {
			return count.Entry{}, metrics.ResultError, err
		}

		switch {
		case e.PendingDelete:
			if err := r.deleteRemote(ctx, e); err != nil {
				return e, failure(err), err
			}
			return e, metrics.ResultDeleted, nil

		case e.Tag.IsLocal():
			bound, err := r.bind(ctx, e)
			if err != nil {
				return e, failure(err), err
			}
			result = metrics.ResultBound
			tag = bound.Tag
			if !bound.Dirty {
				return bound, result, nil
			}

		case e.Dirty:
			updated, err := r.update(ctx, e)
			if err != nil {
				return e, failure(err), err
			}
			if result == metrics.ResultNoop {
				result = metrics.ResultUpdated
			}
			if !updated.Dirty {
				return updated, result, nil
			}

		default:
			return e, result, nil
		}
	}
	e, err := r.journal.Get(sessionID, tag)
	return e, result, err
}

// bind upserts a Local entry and rebinds it to its server id. An edit
// that landed while the request was in flight leaves the entry Dirty.
func (r *Reconciler) bind(ctx context.Context, e count.Entry) (count.Entry, error) {
	log := r.logger.With("session", e.SessionID, "product", e.ProductID, "slot", e.Slot, "local_id", e.Tag.ID())

	remote, created, err := r.gateway.UpsertEntry(ctx, e)
	if err != nil {
		log.Warn("entry not synced", "error", err)
		return e, err
	}
	remoteID := remote.Tag.ID()

	bound, err := r.journal.Bind(ctx, e.SessionID, e.Tag.ID(), remoteID)
	if count.IsNotFound(err) {
		// Deleted locally while the create was in flight.
		log.Info("removing orphaned server entry", "remote_id", remoteID)
		if err := r.gateway.DeleteEntry(ctx, e.SessionID, remoteID); err != nil && !count.IsNotFound(err) {
			return e, fmt.Errorf("remove orphan %s: %w", remoteID, err)
		}
		return e, nil
	}
	if err != nil {
		return e, err
	}
	log.Debug("entry bound", "remote_id", remoteID, "created", created)

	if bound.Quantity != e.Quantity || bound.Formula != e.Formula {
		return r.journal.Update(ctx, e.SessionID, bound.Tag, func(b *count.Entry) { b.Dirty = true })
	}
	return bound, nil
}

// update writes a Dirty entry. Dirty is cleared only if the entry still
// holds what was sent.
func (r *Reconciler) update(ctx context.Context, e count.Entry) (count.Entry, error) {
	if _, err := r.gateway.UpdateEntry(ctx, e); err != nil {
		r.logger.Warn("entry update not synced",
			"session", e.SessionID, "product", e.ProductID, "slot", e.Slot, "remote_id", e.Tag.ID(), "error", err)
		return e, err
	}
	return r.journal.Update(ctx, e.SessionID, e.Tag, func(cur *count.Entry) {
		if cur.Quantity == e.Quantity && cur.Formula == e.Formula {
			cur.Dirty = false
		}
	})
}

func (r *Reconciler) deleteRemote(ctx context.Context, e count.Entry) error {
	err := r.gateway.DeleteEntry(ctx, e.SessionID, e.Tag.ID())
	if err != nil && !count.IsNotFound(err) {
		r.logger.Warn("tombstone not synced",
			"session", e.SessionID, "product", e.ProductID, "slot", e.Slot, "remote_id", e.Tag.ID(), "error", err)
		return err
	}
	return r.journal.Remove(ctx, e.SessionID, e.Tag)
}

func failure(err error) string {
	switch {
	case count.IsTransient(err):
		return metrics.ResultTransient
	case count.IsConflict(err):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}

// Edit replaces the quantity and formula of an entry. A Local entry is
// only changed in the journal; a Remote entry is marked Dirty and written
// to the server. The local edit stands even when the write fails.
func (r *Reconciler) Edit(ctx context.Context, sessionID string, tag count.IdentityTag, quantity int64, formula string) (count.Entry, error) {
	e, err := r.journal.Update(ctx, sessionID, tag, func(e *count.Entry) {
		e.Quantity = quantity
		e.Formula = formula
		if e.Tag.IsRemote() {
			e.Dirty = true
		}
	})
	if err != nil || e.Tag.IsLocal() {
		return e, err
	}
	return r.Reconcile(ctx, sessionID, e.Tag)
}

// Delete removes an entry. A Local entry leaves the journal at once. A
// Remote entry is hidden as a pending tombstone and leaves the journal
// once the server accepted the delete.
func (r *Reconciler) Delete(ctx context.Context, sessionID string, tag count.IdentityTag) error {
	e, err := r.journal.Get(sessionID, tag)
	if err != nil {
		return err
	}
	if e.Tag.IsLocal() {
		return r.journal.Remove(ctx, sessionID, e.Tag)
	}
	if _, err := r.journal.Update(ctx, sessionID, e.Tag, func(e *count.Entry) { e.PendingDelete = true }); err != nil {
		return err
	}
	_, err = r.Reconcile(ctx, sessionID, e.Tag)
	return err
}

// SyncReport summarizes a SyncPending pass.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Bound     int `json:"bound"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
}

// SyncPending retries every entry with unsynced local state, in journal
// order. It returns the joined errors of the entries that still failed.
func (r *Reconciler) SyncPending(ctx context.Context, sessionID string) (SyncReport, error) {
	var (
		report SyncReport
		errs   []error
	)
	for _, e := range r.journal.Pending(sessionID) {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(errs, err)...)
		}
		report.Attempted++
		_, result, err := r.reconcile(ctx, sessionID, e.Tag)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		switch result {
		case metrics.ResultBound:
			report.Bound++
		case metrics.ResultUpdated:
			report.Updated++
		case metrics.ResultDeleted:
			report.Deleted++
		}
	}
	if len(errs) > 0 {
		r.logger.Warn("sync incomplete", "session", sessionID, "failed", report.Failed, "attempted", report.Attempted)
	}
	return report, errors.Join(errs...)
}
