package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/kv"
	"github.com/roach88/sectorcount/internal/metrics"
)

// DefaultRetention is how long a snapshot stays restorable.
const DefaultRetention = 24 * time.Hour

const keyPrefix = "session/"

// Snapshot is the persisted form of one session.
type Snapshot struct {
	Session  count.Session   `json:"session"`
	Products []count.Product `json:"products,omitempty"`
	Entries  []count.Entry   `json:"entries"`

	// Aliases maps ephemeral ids to the server ids they were bound to,
	// so callers still holding a Local tag can find the entry.
	Aliases map[string]string `json:"aliases,omitempty"`

	// Lines holds the last line handed out per product/slot/round.
	Lines map[string]int `json:"lines,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Session = s.Session.Clone()
	c.Products = slices.Clone(s.Products)
	c.Entries = slices.Clone(s.Entries)
	c.Aliases = cloneMap(s.Aliases)
	c.Lines = cloneMap(s.Lines)
	return c
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	c := make(map[string]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func lineKey(productID string, slot count.Slot, round int) string {
	return fmt.Sprintf("%s/%d/%d", productID, slot, round)
}

// Journal holds open sessions in memory and mirrors them to a kv.Store.
//
// Thread-safety: all methods are safe for concurrent use. Writes to the
// store happen under the journal lock, so snapshots land in mutation order.
type Journal struct {
	store     kv.Store
	now       func() time.Time
	retention time.Duration
	ids       IDGenerator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Snapshot
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the time source for timestamps and the retention check.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(j *Journal) { j.retention = d }
}

// WithIDGenerator overrides the UUIDv7 ephemeral id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(j *Journal) { j.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithMetrics records restore outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// New creates a Journal over store.
func New(store kv.Store, opts ...Option) *Journal {
	j := &Journal{
		store:     store,
		now:       time.Now,
		retention: DefaultRetention,
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		sessions:  make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Retention returns the configured retention window.
func (j *Journal) Retention() time.Duration {
	return j.retention
}

// SetSession opens or updates the session header, keeping its entries.
func (j *Journal) SetSession(ctx context.Context, s count.Session, products []count.Product) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := &Snapshot{Entries: []count.Entry{}, Aliases: map[string]string{}, Lines: map[string]int{}}
	if snap, ok := j.sessions[s.ID]; ok {
		c := snap.clone()
		next = &c
	}
	next.Session = s.Clone()
	if products != nil {
		next.Products = slices.Clone(products)
	}
	return j.commitLocked(ctx, s.ID, next)
}

// Session returns the cached session header.
func (j *Journal) Session(sessionID string) (count.Session, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap, ok := j.sessions[sessionID]
	if !ok {
		return count.Session{}, false
	}
	return snap.Session.Clone(), true
}

// Products returns the cached product snapshots of the session.
func (j *Journal) Products(sessionID string) []count.Product {
	j.mu.Lock()
	defer j.mu.Unlock()

	if snap, ok := j.sessions[sessionID]; ok {
		return slices.Clone(snap.Products)
	}
	return nil
}

// Append records a new entry. A zero tag is replaced by a fresh Local
// tag; Line and CreatedAt are assigned by the journal.
func (j *Journal) Append(ctx context.Context, e count.Entry) (count.Entry, error) {
	if err := validateEntry(e); err != nil {
		return count.Entry{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.draftLocked(e.SessionID)
	if err != nil {
		return count.Entry{}, err
	}

	if e.Tag.IsZero() {
		e.Tag = count.Local(j.ids.NewID())
	}
	if _, ok := findLocked(next, e.Tag); ok {
		return count.Entry{}, count.NewConflictError(e.SessionID, "entry "+e.Tag.String()+" already journaled")
	}

	lk := lineKey(e.ProductID, e.Slot, e.Round)
	next.Lines[lk]++
	e.Line = next.Lines[lk]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}

	next.Entries = append(next.Entries, e)
	next.Session = next.Session.WithProgress(next.Entries)
	if err := j.commitLocked(ctx, e.SessionID, next); err != nil {
		return count.Entry{}, err
	}
	return e, nil
}

// Get returns the entry with the given tag. A Local tag that was already
// bound resolves to the Remote entry.
func (j *Journal) Get(sessionID string, tag count.IdentityTag) (count.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap, err := j.openLocked(sessionID)
	if err != nil {
		return count.Entry{}, err
	}
	i, ok := findLocked(snap, tag)
	if !ok {
		return count.Entry{}, count.NewNotFoundError(sessionID, "no entry "+tag.String())
	}
	return snap.Entries[i], nil
}

// Update applies fn to the entry with the given tag. fn cannot change the
// entry's identity or key fields.
func (j *Journal) Update(ctx context.Context, sessionID string, tag count.IdentityTag, fn func(*count.Entry)) (count.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.draftLocked(sessionID)
	if err != nil {
		return count.Entry{}, err
	}
	i, ok := findLocked(next, tag)
	if !ok {
		return count.Entry{}, count.NewNotFoundError(sessionID, "no entry "+tag.String())
	}

	orig := next.Entries[i]
	e := orig
	fn(&e)
	e.Tag, e.SessionID, e.ProductID, e.Slot, e.Round, e.Line, e.CreatedAt =
		orig.Tag, orig.SessionID, orig.ProductID, orig.Slot, orig.Round, orig.Line, orig.CreatedAt
	if err := validateEntry(e); err != nil {
		return count.Entry{}, err
	}

	next.Entries[i] = e
	next.Session = next.Session.WithProgress(next.Entries)
	if err := j.commitLocked(ctx, sessionID, next); err != nil {
		return count.Entry{}, err
	}
	return e, nil
}

// Remove deletes the entry from the journal.
func (j *Journal) Remove(ctx context.Context, sessionID string, tag count.IdentityTag) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.draftLocked(sessionID)
	if err != nil {
		return err
	}
	i, ok := findLocked(next, tag)
	if !ok {
		return count.NewNotFoundError(sessionID, "no entry "+tag.String())
	}
	next.Entries = slices.Delete(next.Entries, i, i+1)
	next.Session = next.Session.WithProgress(next.Entries)
	return j.commitLocked(ctx, sessionID, next)
}

// Bind rebinds Local(localID) to Remote(remoteID), leaving every other
// field untouched. Binding again to the same remote id is a no-op.
//
// A clean Remote entry that already holds remoteID under the same natural
// key is the server's copy of this very entry, pulled in before the
// upsert was acknowledged; it is dropped in favour of the local one. Any
// other holder of remoteID, or an earlier binding to a different id, is a
// conflict.
func (j *Journal) Bind(ctx context.Context, sessionID, localID, remoteID string) (count.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap, err := j.openLocked(sessionID)
	if err != nil {
		return count.Entry{}, err
	}

	if bound, ok := snap.Aliases[localID]; ok {
		if bound != remoteID {
			return count.Entry{}, count.NewConflictError(sessionID,
				fmt.Sprintf("entry %s already bound to %s, not %s", localID, bound, remoteID))
		}
		i, ok := findLocked(snap, count.Remote(remoteID))
		if !ok {
			return count.Entry{}, count.NewNotFoundError(sessionID, "no entry remote:"+remoteID)
		}
		return snap.Entries[i], nil
	}

	next := snap.clone()
	i, ok := findLocked(&next, count.Local(localID))
	if !ok {
		return count.Entry{}, count.NewNotFoundError(sessionID, "no entry local:"+localID)
	}
	if d, dup := findLocked(&next, count.Remote(remoteID)); dup {
		held := next.Entries[d]
		if held.NeedsSync() || !sameLine(held, next.Entries[i]) {
			return count.Entry{}, count.NewConflictError(sessionID,
				fmt.Sprintf("remote id %s already bound to another entry", remoteID))
		}
		j.logger.Debug("dropping server copy of unacknowledged entry", "session", sessionID, "local_id", localID, "remote_id", remoteID)
		next.Entries = slices.Delete(next.Entries, d, d+1)
		if d < i {
			i--
		}
	}

	next.Entries[i].Tag = count.Remote(remoteID)
	next.Aliases[localID] = remoteID
	next.Session = next.Session.WithProgress(next.Entries)
	if err := j.commitLocked(ctx, sessionID, &next); err != nil {
		return count.Entry{}, err
	}
	return next.Entries[i], nil
}

// ListForSession returns every journaled entry, including pending
// tombstones, in append order.
func (j *Journal) ListForSession(sessionID string) []count.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap, ok := j.sessions[sessionID]
	if !ok {
		return []count.Entry{}
	}
	return slices.Clone(snap.Entries)
}

// Live returns the entries that count toward totals.
func (j *Journal) Live(sessionID string) []count.Entry {
	all := j.ListForSession(sessionID)
	return slices.DeleteFunc(all, func(e count.Entry) bool { return !e.Live() })
}

// Pending returns the entries with local state the server lacks.
func (j *Journal) Pending(sessionID string) []count.Entry {
	all := j.ListForSession(sessionID)
	return slices.DeleteFunc(all, func(e count.Entry) bool { return !e.NeedsSync() })
}

// PersistSnapshot flushes the session to the store with a fresh timestamp.
func (j *Journal) PersistSnapshot(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.draftLocked(sessionID)
	if err != nil {
		return err
	}
	return j.commitLocked(ctx, sessionID, next)
}

// RestoreSnapshot loads the session from the store and returns its
// entries. It returns NOT_FOUND when no snapshot exists, and STALE_RECOVERY
// (after deleting the record) when the snapshot is older than the
// retention window.
func (j *Journal) RestoreSnapshot(ctx context.Context, sessionID string) ([]count.Entry, error) {
	data, err := j.store.Get(ctx, keyPrefix+sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		j.metrics.Restore(metrics.RestoreMiss)
		return nil, count.NewNotFoundError(sessionID, "no local snapshot")
	}
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", sessionID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		j.logger.Warn("discarding unreadable snapshot", "session", sessionID, "error", err)
		_ = j.store.Delete(ctx, keyPrefix+sessionID)
		j.metrics.Restore(metrics.RestoreMiss)
		return nil, count.NewNotFoundError(sessionID, "unreadable local snapshot")
	}

	age := j.now().Sub(snap.Timestamp)
	if age > j.retention {
		j.logger.Info("discarding stale snapshot", "session", sessionID, "age", age)
		if err := j.store.Delete(ctx, keyPrefix+sessionID); err != nil {
			return nil, fmt.Errorf("discard stale snapshot %s: %w", sessionID, err)
		}
		j.mu.Lock()
		delete(j.sessions, sessionID)
		j.mu.Unlock()
		j.metrics.Restore(metrics.RestoreStale)
		return nil, count.NewStaleError(sessionID, age.Truncate(time.Minute))
	}

	if snap.Entries == nil {
		snap.Entries = []count.Entry{}
	}
	if snap.Aliases == nil {
		snap.Aliases = map[string]string{}
	}
	if snap.Lines == nil {
		snap.Lines = map[string]int{}
	}

	j.mu.Lock()
	j.sessions[sessionID] = &snap
	entries := slices.Clone(snap.Entries)
	j.mu.Unlock()

	j.metrics.Restore(metrics.RestoreHit)
	j.logger.Debug("restored snapshot", "session", sessionID, "entries", len(entries), "age", age)
	return entries, nil
}

// Reset replaces the session wholesale with authoritative state.
func (j *Journal) Reset(ctx context.Context, s count.Session, products []count.Product, entries []count.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := &Snapshot{
		Session:  s.Clone(),
		Products: slices.Clone(products),
		Entries:  slices.Clone(entries),
		Aliases:  map[string]string{},
		Lines:    map[string]int{},
	}
	if snap.Entries == nil {
		snap.Entries = []count.Entry{}
	}
	for _, e := range snap.Entries {
		lk := lineKey(e.ProductID, e.Slot, e.Round)
		snap.Lines[lk] = max(snap.Lines[lk], e.Line)
	}
	snap.Session = snap.Session.WithProgress(snap.Entries)
	return j.commitLocked(ctx, s.ID, snap)
}

// Merge folds the server's view of the session's entries into the journal.
//
// Local entries are kept as they are. A Remote entry with unsynced local
// state (Dirty or PendingDelete) keeps its local version. Other Remote
// entries take the server's version, and those the server no longer
// returns were tombstoned elsewhere and are dropped. Server entries the
// journal has never seen are added, unless they carry the natural key
// (product, slot, round, line) of a Local entry: that entry was upserted
// but the acknowledgement was lost, so it is bound to the server id
// instead, keeping its local quantity.
func (j *Journal) Merge(ctx context.Context, sessionID string, remote []count.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.draftLocked(sessionID)
	if err != nil {
		return err
	}

	byID := make(map[string]count.Entry, len(remote))
	for _, r := range remote {
		byID[r.Tag.ID()] = r
	}

	merged := make([]count.Entry, 0, len(next.Entries)+len(remote))
	seen := make(map[string]bool, len(remote))
	for _, e := range next.Entries {
		if e.Tag.IsLocal() {
			merged = append(merged, e)
			continue
		}
		r, onServer := byID[e.Tag.ID()]
		seen[e.Tag.ID()] = true
		switch {
		case e.Dirty || e.PendingDelete:
			merged = append(merged, e)
		case onServer:
			merged = append(merged, r)
		}
	}
	for _, r := range remote {
		if seen[r.Tag.ID()] {
			continue
		}
		k := slices.IndexFunc(merged, func(e count.Entry) bool { return e.Tag.IsLocal() && sameLine(e, r) })
		if k < 0 {
			merged = append(merged, r)
			continue
		}
		l := merged[k]
		j.logger.Debug("binding unacknowledged entry", "session", sessionID, "local_id", l.Tag.ID(), "remote_id", r.Tag.ID())
		next.Aliases[l.Tag.ID()] = r.Tag.ID()
		l.Tag = r.Tag
		l.Dirty = l.Quantity != r.Quantity || l.Formula != r.Formula
		merged[k] = l
	}

	for _, e := range merged {
		lk := lineKey(e.ProductID, e.Slot, e.Round)
		next.Lines[lk] = max(next.Lines[lk], e.Line)
	}
	next.Entries = merged
	next.Session = next.Session.WithProgress(next.Entries)
	return j.commitLocked(ctx, sessionID, next)
}

// Discard drops the session locally and from the store.
func (j *Journal) Discard(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	delete(j.sessions, sessionID)
	j.mu.Unlock()

	if err := j.store.Delete(ctx, keyPrefix+sessionID); err != nil {
		return fmt.Errorf("discard session %s: %w", sessionID, err)
	}
	return nil
}

// Sessions lists the session ids with a stored snapshot.
func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	keys, err := j.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(keyPrefix):]
	}
	return ids, nil
}

func (j *Journal) openLocked(sessionID string) (*Snapshot, error) {
	snap, ok := j.sessions[sessionID]
	if !ok {
		return nil, count.NewNotFoundError(sessionID, "session not open in journal")
	}
	return snap, nil
}

// draftLocked returns a copy of the open session for a mutation to work on.
func (j *Journal) draftLocked(sessionID string) (*Snapshot, error) {
	snap, err := j.openLocked(sessionID)
	if err != nil {
		return nil, err
	}
	next := snap.clone()
	return &next, nil
}

// commitLocked writes next to the store and only then makes it the
// session's state, so a failed write leaves the journal as it was. The
// store keeps it for twice the retention window; the journal itself
// decides staleness on restore.
func (j *Journal) commitLocked(ctx context.Context, sessionID string, next *Snapshot) error {
	next.Timestamp = j.now()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("persist snapshot %s: %w", sessionID, err)
	}
	if err := j.store.Put(ctx, keyPrefix+sessionID, data, 2*j.retention); err != nil {
		return fmt.Errorf("persist snapshot %s: %w", sessionID, err)
	}
	j.sessions[sessionID] = next
	return nil
}

func findLocked(snap *Snapshot, tag count.IdentityTag) (int, bool) {
	if tag.IsLocal() {
		if remoteID, ok := snap.Aliases[tag.ID()]; ok {
			tag = count.Remote(remoteID)
		}
	}
	for i, e := range snap.Entries {
		if e.Tag == tag {
			return i, true
		}
	}
	return -1, false
}

// sameLine reports whether a and b share the natural key within a session.
func sameLine(a, b count.Entry) bool {
	return a.ProductID == b.ProductID && a.Slot == b.Slot && a.Round == b.Round && a.Line == b.Line
}

func validateEntry(e count.Entry) error {
	switch {
	case e.SessionID == "":
		return count.NewValidationError("entry has no session")
	case e.ProductID == "":
		return count.NewValidationError("entry has no product")
	case !e.Slot.Valid():
		return count.NewValidationError(fmt.Sprintf("invalid counter slot %d", e.Slot))
	case e.Quantity < 0:
		return count.NewValidationError(fmt.Sprintf("quantity must not be negative, got %d", e.Quantity))
	}
	return nil
}
