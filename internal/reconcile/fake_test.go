package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/sectorcount/internal/count"
)

// fakeGateway stores entries by id and matches upserts on the natural key.
type fakeGateway struct {
	mu       sync.Mutex
	records  map[string]count.Entry
	next     int
	failNext int
	calls    int

	inflight    map[string]int
	maxInflight map[string]int

	// beforeReply, if set, runs after the write is stored and before the
	// response returns, outside the lock.
	beforeReply func(method string, e count.Entry)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records:     make(map[string]count.Entry),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
}

func (g *fakeGateway) enter(e count.Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failNext > 0 {
		g.failNext--
		return count.NewTransientError("injected", fmt.Errorf("503"))
	}
	k := e.Key().String()
	g.inflight[k]++
	g.maxInflight[k] = max(g.maxInflight[k], g.inflight[k])
	return nil
}

func (g *fakeGateway) leave(method string, e count.Entry) {
	if g.beforeReply != nil {
		g.beforeReply(method, e)
	}
	g.mu.Lock()
	g.inflight[e.Key().String()]--
	g.mu.Unlock()
}

func (g *fakeGateway) UpsertEntry(_ context.Context, e count.Entry) (count.Entry, bool, error) {
	if err := g.enter(e); err != nil {
		return count.Entry{}, false, err
	}
	defer g.leave("upsert", e)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, r := range g.records {
		if r.ProductID == e.ProductID && r.Slot == e.Slot && r.Round == e.Round && r.Line == e.Line {
			r.Quantity, r.Formula = e.Quantity, e.Formula
			g.records[id] = r
			return r, false, nil
		}
	}
	g.next++
	r := e
	r.Tag = count.Remote(fmt.Sprintf("srv-%d", g.next))
	r.Dirty, r.PendingDelete = false, false
	g.records[r.Tag.ID()] = r
	return r, true, nil
}

func (g *fakeGateway) UpdateEntry(_ context.Context, e count.Entry) (count.Entry, error) {
	if err := g.enter(e); err != nil {
		return count.Entry{}, err
	}
	defer g.leave("update", e)

	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[e.Tag.ID()]
	if !ok {
		return count.Entry{}, count.NewNotFoundError(e.SessionID, "no entry "+e.Tag.ID())
	}
	r.Quantity, r.Formula = e.Quantity, e.Formula
	g.records[r.Tag.ID()] = r
	return r, nil
}

func (g *fakeGateway) DeleteEntry(_ context.Context, sessionID, entryID string) error {
	e := count.Entry{SessionID: sessionID, Tag: count.Remote(entryID)}
	g.mu.Lock()
	if r, ok := g.records[entryID]; ok {
		e = r
	}
	g.mu.Unlock()

	if err := g.enter(e); err != nil {
		return err
	}
	defer g.leave("delete", e)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[entryID]; !ok {
		return count.NewNotFoundError(sessionID, "no entry "+entryID)
	}
	delete(g.records, entryID)
	return nil
}

func (g *fakeGateway) failNextCalls(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) recordCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func (g *fakeGateway) record(id string) (count.Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	return r, ok
}

func (g *fakeGateway) peak(k count.Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInflight[k.String()]
}
