package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/kv/memkv"
	"github.com/roach88/sectorcount/internal/testutil"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *testutil.ManualClock
	store   *memkv.Store
	journal *Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	store := memkv.New(memkv.WithClock(clock.Now))
	f := &fixture{clock: clock, store: store}
	f.journal = f.reopen("tmp")

	s := count.NewSession("S1", "A-01", [2]string{"ana", "ben"}, []string{"P1", "P2"})
	require.NoError(t, f.journal.SetSession(context.Background(), s, []count.Product{
		{ID: "P1", Name: "Flour 1kg"}, {ID: "P2", Name: "Sugar 1kg"},
	}))
	return f
}

// reopen simulates a page reload: a fresh Journal over the same store.
// Each reload gets its own id prefix, as UUIDv7 ids never repeat either.
func (f *fixture) reopen(idPrefix string) *Journal {
	return New(f.store, WithClock(f.clock.Now), WithIDGenerator(testutil.NewSequenceIDs(idPrefix)))
}

// flakyStore fails every Put while err is set.
type flakyStore struct {
	*memkv.Store

	mu  sync.Mutex
	err error
}

func (s *flakyStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, key, value, ttl)
}

func entry(product string, slot count.Slot, qty int64) count.Entry {
	return count.Entry{SessionID: "S1", ProductID: product, Slot: slot, Quantity: qty}
}

func TestAppend_AssignsLocalTagLineAndTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1, err := f.journal.Append(ctx, entry("P1", count.Slot1, 10))
	require.NoError(t, err)
	e2, err := f.journal.Append(ctx, entry("P1", count.Slot1, 5))
	require.NoError(t, err)
	e3, err := f.journal.Append(ctx, entry("P1", count.Slot2, 12))
	require.NoError(t, err)

	assert.Equal(t, count.Local("tmp-1"), e1.Tag)
	assert.Equal(t, 1, e1.Line)
	assert.Equal(t, 2, e2.Line)
	assert.Equal(t, 1, e3.Line, "lines are per product and slot")
	assert.Equal(t, epoch, e1.CreatedAt)
}

func TestAppend_ReadYourWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.journal.Append(ctx, entry("P1", count.Slot1, 7))
	require.NoError(t, err)

	got := f.journal.ListForSession("S1")
	require.Len(t, got, 1)
	assert.Equal(t, e, got[0])

	s, ok := f.journal.Session("S1")
	require.True(t, ok)
	assert.Equal(t, 1, s.CountedProducts)
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.journal.Append(ctx, entry("P1", count.Slot1, -1))
	assert.True(t, count.IsValidation(err))

	_, err = f.journal.Append(ctx, entry("", count.Slot1, 1))
	assert.True(t, count.IsValidation(err))

	_, err = f.journal.Append(ctx, entry("P1", 3, 1))
	assert.True(t, count.IsValidation(err))

	_, err = f.journal.Append(ctx, count.Entry{SessionID: "nope", ProductID: "P1", Slot: count.Slot1})
	assert.True(t, count.IsNotFound(err))

	assert.Empty(t, f.journal.ListForSession("S1"))
}

func TestLinesAreNeverReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1, err := f.journal.Append(ctx, entry("P1", count.Slot1, 1))
	require.NoError(t, err)
	require.NoError(t, f.journal.Remove(ctx, "S1", e1.Tag))

	e2, err := f.journal.Append(ctx, entry("P1", count.Slot1, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Line)
}

func TestBind_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.journal.Append(ctx, count.Entry{
		SessionID: "S1", ProductID: "P1", Slot: count.Slot2, Quantity: 48, Formula: "24*2",
	})
	require.NoError(t, err)

	bound, err := f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, count.Remote("srv-1"), bound.Tag)

	want := e
	want.Tag = count.Remote("srv-1")
	if diff := cmp.Diff(want, bound, cmp.AllowUnexported(count.IdentityTag{})); diff != "" {
		t.Errorf("bind changed more than the tag (-want +got):\n%s", diff)
	}

	again, err := f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-1")
	require.NoError(t, err, "rebinding to the same id is a no-op")
	assert.Equal(t, bound, again)

	_, err = f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-2")
	assert.True(t, count.IsConflict(err))

	got, err := f.journal.Get("S1", e.Tag)
	require.NoError(t, err, "the old local tag still resolves")
	assert.Equal(t, count.Remote("srv-1"), got.Tag)
	assert.Len(t, f.journal.ListForSession("S1"), 1)
}

func TestBind_RejectsRemoteIDOfAnotherEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 1))
	b, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 2))
	_, err := f.journal.Bind(ctx, "S1", a.Tag.ID(), "srv-1")
	require.NoError(t, err)

	_, err = f.journal.Bind(ctx, "S1", b.Tag.ID(), "srv-1")
	assert.True(t, count.IsConflict(err))
}

func TestBind_TakesOverServerCopyOfSameLine(t *testing.T) {
	ctx := context.Background()

	// withCopy journals a local entry together with the server's copy of
	// it under srv-1, as a refresh racing the upsert acknowledgement leaves them.
	withCopy := func(t *testing.T, copyDirty bool) (*fixture, count.Entry) {
		f := newFixture(t)
		e, err := f.journal.Append(ctx, count.Entry{
			SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Quantity: 10, Formula: "5*2",
		})
		require.NoError(t, err)
		f.journal.mu.Lock()
		snap := f.journal.sessions["S1"]
		snap.Entries = append(snap.Entries, count.Entry{
			Tag: count.Remote("srv-1"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1,
			Line: e.Line, Quantity: 10, Dirty: copyDirty,
		})
		f.journal.mu.Unlock()
		return f, e
	}

	t.Run("clean copy is dropped", func(t *testing.T) {
		f, e := withCopy(t, false)

		bound, err := f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-1")
		require.NoError(t, err)
		assert.Equal(t, count.Remote("srv-1"), bound.Tag)
		assert.Equal(t, "5*2", bound.Formula)
		assert.Len(t, f.journal.ListForSession("S1"), 1)
		assert.Empty(t, f.journal.Pending("S1"))

		s, _ := f.journal.Session("S1")
		assert.Equal(t, 1, s.CountedProducts)
	})

	t.Run("copy with unsynced edit conflicts", func(t *testing.T) {
		f, e := withCopy(t, true)

		_, err := f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-1")
		assert.True(t, count.IsConflict(err))
		assert.Len(t, f.journal.ListForSession("S1"), 2)
	})
}

func TestWriteFailure_LeavesJournalUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock(epoch)
	store := &flakyStore{Store: memkv.New(memkv.WithClock(clock.Now))}
	j := New(store, WithClock(clock.Now), WithIDGenerator(testutil.NewSequenceIDs("tmp")))
	s := count.NewSession("S1", "A-01", [2]string{"ana", "ben"}, []string{"P1", "P2"})
	require.NoError(t, j.SetSession(ctx, s, nil))

	store.failWith(errors.New("disk full"))
	_, err := j.Append(ctx, entry("P1", count.Slot1, 10))
	require.ErrorContains(t, err, "disk full")
	assert.Empty(t, j.ListForSession("S1"))
	assert.Empty(t, j.Pending("S1"))
	got, _ := j.Session("S1")
	assert.Zero(t, got.CountedProducts)

	store.failWith(nil)
	kept, err := j.Append(ctx, entry("P1", count.Slot1, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Line, "a failed append hands out no line")

	store.failWith(errors.New("disk full"))
	_, err = j.Update(ctx, "S1", kept.Tag, func(e *count.Entry) { e.Quantity = 99 })
	require.Error(t, err)
	_, err = j.Bind(ctx, "S1", kept.Tag.ID(), "srv-1")
	require.Error(t, err)
	require.Error(t, j.Remove(ctx, "S1", kept.Tag))
	require.Error(t, j.Merge(ctx, "S1", []count.Entry{
		{Tag: count.Remote("srv-9"), SessionID: "S1", ProductID: "P2", Slot: count.Slot2, Line: 1, Quantity: 3},
	}))

	entries := j.ListForSession("S1")
	require.Len(t, entries, 1)
	assert.Equal(t, kept, entries[0])

	store.failWith(nil)
	restored, err := New(store, WithClock(clock.Now)).RestoreSnapshot(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, entries, restored, "memory and store agree")
}

func TestUpdate_ProtectsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 1))
	got, err := f.journal.Update(ctx, "S1", e.Tag, func(x *count.Entry) {
		x.Quantity = 9
		x.Formula = "3x3"
		x.ProductID = "P2"
		x.Tag = count.Remote("forged")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Quantity)
	assert.Equal(t, "3x3", got.Formula)
	assert.Equal(t, "P1", got.ProductID)
	assert.Equal(t, e.Tag, got.Tag)

	_, err = f.journal.Update(ctx, "S1", e.Tag, func(x *count.Entry) { x.Quantity = -2 })
	assert.True(t, count.IsValidation(err))
}

func TestRestore_SurvivesReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 10))
	_, err := f.journal.Bind(ctx, "S1", e.Tag.ID(), "srv-1")
	require.NoError(t, err)
	_, _ = f.journal.Append(ctx, entry("P1", count.Slot1, 5))

	reloaded := f.reopen("reload")
	entries, err := reloaded.RestoreSnapshot(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, count.Remote("srv-1"), entries[0].Tag)
	assert.True(t, entries[1].Tag.IsLocal())

	s, ok := reloaded.Session("S1")
	require.True(t, ok)
	assert.Equal(t, "A-01", s.SectorID)
	assert.Len(t, reloaded.Products("S1"), 2)

	got, err := reloaded.Get("S1", e.Tag)
	require.NoError(t, err, "aliases survive the reload")
	assert.Equal(t, int64(10), got.Quantity)

	next, err := reloaded.Append(ctx, entry("P1", count.Slot1, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, next.Line, "line counters survive the reload")
}

func TestRestore_RetentionBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("23h59m restores", func(t *testing.T) {
		f := newFixture(t)
		_, _ = f.journal.Append(ctx, entry("P1", count.Slot1, 10))

		f.clock.Advance(23*time.Hour + 59*time.Minute)
		entries, err := f.reopen("reload").RestoreSnapshot(ctx, "S1")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("24h01m is discarded", func(t *testing.T) {
		f := newFixture(t)
		_, _ = f.journal.Append(ctx, entry("P1", count.Slot1, 10))

		f.clock.Advance(24*time.Hour + time.Minute)
		j := f.reopen("reload")
		_, err := j.RestoreSnapshot(ctx, "S1")
		require.Error(t, err)
		assert.True(t, count.IsStale(err))

		_, err = j.RestoreSnapshot(ctx, "S1")
		assert.True(t, count.IsNotFound(err), "stale snapshot was deleted")
	})
}

func TestRestore_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.reopen("reload").RestoreSnapshot(context.Background(), "S404")
	assert.True(t, count.IsNotFound(err))
}

func TestRestore_UnreadableSnapshotIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, "session/S9", []byte("{not json"), 0))

	_, err := f.reopen("reload").RestoreSnapshot(ctx, "S9")
	assert.True(t, count.IsNotFound(err))

	_, err = f.store.Get(ctx, "session/S9")
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 1))

	clean, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 2))
	_, err := f.journal.Bind(ctx, "S1", clean.Tag.ID(), "srv-clean")
	require.NoError(t, err)

	dirty, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 3))
	_, err = f.journal.Bind(ctx, "S1", dirty.Tag.ID(), "srv-dirty")
	require.NoError(t, err)
	_, err = f.journal.Update(ctx, "S1", count.Remote("srv-dirty"), func(e *count.Entry) {
		e.Quantity = 30
		e.Dirty = true
	})
	require.NoError(t, err)

	gone, _ := f.journal.Append(ctx, entry("P2", count.Slot1, 4))
	_, err = f.journal.Bind(ctx, "S1", gone.Tag.ID(), "srv-gone")
	require.NoError(t, err)

	remote := []count.Entry{
		{Tag: count.Remote("srv-clean"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Line: 2, Quantity: 20},
		{Tag: count.Remote("srv-dirty"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Line: 3, Quantity: 3},
		{Tag: count.Remote("srv-other"), SessionID: "S1", ProductID: "P1", Slot: count.Slot2, Line: 1, Quantity: 12},
	}
	require.NoError(t, f.journal.Merge(ctx, "S1", remote))

	got := map[string]int64{}
	for _, e := range f.journal.ListForSession("S1") {
		got[e.Tag.String()] = e.Quantity
	}
	assert.Equal(t, map[string]int64{
		local.Tag.String(): 1,
		"remote:srv-clean": 20,
		"remote:srv-dirty": 30,
		"remote:srv-other": 12,
	}, got)
}

func TestMerge_BindsUnacknowledgedLocalEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	same, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 10))
	edited, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 5))
	_, err := f.journal.Update(ctx, "S1", edited.Tag, func(e *count.Entry) { e.Quantity = 6 })
	require.NoError(t, err)

	require.NoError(t, f.journal.Merge(ctx, "S1", []count.Entry{
		{Tag: count.Remote("srv-1"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Line: 1, Quantity: 10},
		{Tag: count.Remote("srv-2"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Line: 2, Quantity: 5},
	}))
	require.Len(t, f.journal.ListForSession("S1"), 2, "server copies are not added twice")

	got, err := f.journal.Get("S1", same.Tag)
	require.NoError(t, err)
	assert.Equal(t, count.Remote("srv-1"), got.Tag)
	assert.False(t, got.Dirty)

	got, err = f.journal.Get("S1", edited.Tag)
	require.NoError(t, err)
	assert.Equal(t, count.Remote("srv-2"), got.Tag)
	assert.Equal(t, int64(6), got.Quantity, "the local quantity wins")
	assert.True(t, got.Dirty)

	pending := f.journal.Pending("S1")
	require.Len(t, pending, 1)
	assert.Equal(t, count.Remote("srv-2"), pending[0].Tag)

	again, err := f.journal.Bind(ctx, "S1", same.Tag.ID(), "srv-1")
	require.NoError(t, err, "the late acknowledgement is a no-op")
	assert.Equal(t, count.Remote("srv-1"), again.Tag)
}

func TestReset_RebuildsLineCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.journal.Session("S1")
	require.NoError(t, f.journal.Reset(ctx, s, nil, []count.Entry{
		{Tag: count.Remote("srv-1"), SessionID: "S1", ProductID: "P1", Slot: count.Slot1, Line: 4, Quantity: 10},
	}))

	e, err := f.journal.Append(ctx, entry("P1", count.Slot1, 1))
	require.NoError(t, err)
	assert.Equal(t, 5, e.Line)
}

func TestDiscardAndSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.journal.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, ids)

	require.NoError(t, f.journal.Discard(ctx, "S1"))
	ids, err = f.journal.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, ok := f.journal.Session("S1")
	assert.False(t, ok)
}

func TestPendingAndLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 1))
	b, _ := f.journal.Append(ctx, entry("P1", count.Slot1, 2))
	_, _ = f.journal.Bind(ctx, "S1", b.Tag.ID(), "srv-b")
	_, err := f.journal.Update(ctx, "S1", count.Remote("srv-b"), func(e *count.Entry) { e.PendingDelete = true })
	require.NoError(t, err)

	assert.Len(t, f.journal.Live("S1"), 1)
	assert.Equal(t, a.Tag, f.journal.Live("S1")[0].Tag)
	assert.Len(t, f.journal.Pending("S1"), 2)
}
