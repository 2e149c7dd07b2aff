package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable ids: prefix-1, prefix-2, ...
//
// This enables deterministic journals and golden comparison where
// production code would use UUIDv7 ephemeral ids.
//
// Thread-safety: SequenceIDs is safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. An empty prefix defaults to "local".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "local"
	}
	return &SequenceIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
